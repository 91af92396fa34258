package hub

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/please-sh/please"
)

func newTestDispatcher(t *testing.T, eng *stubEngine, cfg DispatcherConfig) (*Dispatcher, *Registry) {
	t.Helper()
	reg := newTestRegistry(t, 64)
	d := NewDispatcher(eng, reg, cfg, discardLogger())
	t.Cleanup(d.Shutdown)
	return d, reg
}

func submit(t *testing.T, d *Dispatcher, reg *Registry, prompt string) (*Job, int, *recordSink) {
	t.Helper()
	s, err := reg.Register(&please.Request{Prompt: prompt})
	if err != nil {
		t.Fatal(err)
	}
	sink := newRecordSink()
	j, pos, err := d.Submit(s, sink)
	if err != nil {
		t.Fatal(err)
	}
	return j, pos, sink
}

func TestDispatcherStreamsInOrder(t *testing.T) {
	var frags []string
	for i := 0; i < 10; i++ {
		frags = append(frags, fmt.Sprintf("f%d", i))
	}
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{frags: frags} })
	d, reg := newTestDispatcher(t, eng, DispatcherConfig{})

	j, pos, sink := submit(t, d, reg, "ten")
	if pos != 0 {
		t.Errorf("position = %d, want 0 on an idle dispatcher", pos)
	}
	waitDone(t, j)

	chunks, out, finished := sink.result()
	if finished != 1 {
		t.Fatalf("Finish called %d times", finished)
	}
	if out.State != StateCompleted || out.Cancelled || out.Chunks != 10 {
		t.Errorf("outcome = %+v", out)
	}
	if len(chunks) != 10 {
		t.Fatalf("got %d chunks, want 10", len(chunks))
	}
	for i, c := range chunks {
		if c.seq != uint64(i) || c.text != frags[i] {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}
	if s, _ := reg.Lookup(j.ID()); s.State() != StateCompleted {
		t.Errorf("session state = %s", s.State())
	}
}

func TestDispatcherFIFO(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{hang: true} })
	d, reg := newTestDispatcher(t, eng, DispatcherConfig{Slots: 1})

	a, posA, _ := submit(t, d, reg, "a")
	if got := waitStarted(t, eng); got != "a" {
		t.Fatalf("started %q first", got)
	}
	b, posB, _ := submit(t, d, reg, "b")
	c, posC, _ := submit(t, d, reg, "c")
	if posA != 0 || posB != 1 || posC != 2 {
		t.Errorf("positions = %d %d %d, want 0 1 2", posA, posB, posC)
	}
	if busy, waiting := d.Load(); busy != 1 || waiting != 2 {
		t.Errorf("load = %d busy, %d waiting", busy, waiting)
	}

	a.Cancel(CancelClient)
	waitDone(t, a)
	if got := waitStarted(t, eng); got != "b" {
		t.Fatalf("started %q second, want b", got)
	}
	b.Cancel(CancelClient)
	waitDone(t, b)
	if got := waitStarted(t, eng); got != "c" {
		t.Fatalf("started %q third, want c", got)
	}
	c.Cancel(CancelClient)
	waitDone(t, c)
}

func TestDispatcherCancelPending(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{hang: true} })
	d, reg := newTestDispatcher(t, eng, DispatcherConfig{Slots: 1})

	a, _, _ := submit(t, d, reg, "a")
	waitStarted(t, eng)
	b, _, sinkB := submit(t, d, reg, "b")
	c, posC, _ := submit(t, d, reg, "c")

	b.Cancel(CancelClient)
	waitDone(t, b)
	chunks, out, _ := sinkB.result()
	if len(chunks) != 0 {
		t.Errorf("cancelled pending job got %d chunks", len(chunks))
	}
	if out.State != StateCompleted || !out.Cancelled {
		t.Errorf("outcome = %+v, want completed and cancelled", out)
	}
	if s, _ := reg.Lookup(b.ID()); s.State() != StateCompleted {
		t.Errorf("session state = %s", s.State())
	}
	if _, waiting := d.Load(); waiting != 1 {
		t.Errorf("%d waiting after cancel, want 1", waiting)
	}
	if posC != 2 {
		t.Errorf("c position = %d", posC)
	}

	// The dropped job is skipped, not run.
	a.Cancel(CancelClient)
	waitDone(t, a)
	if got := waitStarted(t, eng); got != "c" {
		t.Errorf("started %q after a, want c", got)
	}
	c.Cancel(CancelClient)
	waitDone(t, c)
}

func TestDispatcherCancelStreamingReleasesSlot(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	first := true
	eng := newStubEngine(func(*please.Request) *stubStream {
		if first {
			first = false
			return &stubStream{frags: []string{"partial"}, stubborn: true, release: release}
		}
		return &stubStream{frags: []string{"next"}}
	})
	const grace = 50 * time.Millisecond
	d, reg := newTestDispatcher(t, eng, DispatcherConfig{Slots: 1, CancelGrace: grace})

	a, _, sinkA := submit(t, d, reg, "a")
	<-sinkA.first

	start := time.Now()
	a.Cancel(CancelClient)
	waitDone(t, a)
	if elapsed := time.Since(start); elapsed > grace+time.Second {
		t.Errorf("cancel took %v, bound is %v", elapsed, grace)
	}

	chunks, out, _ := sinkA.result()
	if out.State != StateCompleted || !out.Cancelled || len(chunks) != 1 {
		t.Errorf("outcome = %+v with %d chunks", out, len(chunks))
	}
	if s, _ := reg.Lookup(a.ID()); s.State() != StateCompleted {
		t.Errorf("session state = %s", s.State())
	}

	b, pos, sinkB := submit(t, d, reg, "b")
	if pos != 0 {
		t.Errorf("new job queued at %d; slot was not released", pos)
	}
	waitDone(t, b)
	if _, out, _ := sinkB.result(); out.State != StateCompleted {
		t.Errorf("follow-up outcome = %+v", out)
	}
}

func TestDispatcherCancelReasons(t *testing.T) {
	tests := []struct {
		reason CancelReason
		state  State
		kind   please.ErrorKind
	}{
		{CancelClient, StateCompleted, ""},
		{CancelDisconnect, StateFailed, please.KindTransportLost},
		{CancelShutdown, StateFailed, please.KindHubShutdown},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{hang: true} })
			d, reg := newTestDispatcher(t, eng, DispatcherConfig{Slots: 1})

			running, _, sinkR := submit(t, d, reg, "running")
			waitStarted(t, eng)
			queued, _, sinkQ := submit(t, d, reg, "queued")

			queued.Cancel(tt.reason)
			running.Cancel(tt.reason)
			waitDone(t, queued)
			waitDone(t, running)

			for name, sink := range map[string]*recordSink{"running": sinkR, "queued": sinkQ} {
				_, out, _ := sink.result()
				if out.State != tt.state || out.Kind != tt.kind {
					t.Errorf("%s outcome = %+v, want %s/%q", name, out, tt.state, tt.kind)
				}
			}
		})
	}
}

func TestDispatcherStall(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream {
		return &stubStream{frags: []string{"one"}, hang: true}
	})
	d, reg := newTestDispatcher(t, eng, DispatcherConfig{StallTimeout: 50 * time.Millisecond, CancelGrace: 50 * time.Millisecond})

	j, _, sink := submit(t, d, reg, "x")
	waitDone(t, j)
	chunks, out, _ := sink.result()
	if out.State != StateFailed || out.Kind != please.KindEngineStalled {
		t.Errorf("outcome = %+v", out)
	}
	if len(chunks) != 1 {
		t.Errorf("got %d chunks before the stall, want 1", len(chunks))
	}
	if s, _ := reg.Lookup(j.ID()); s.Failure() != please.KindEngineStalled {
		t.Errorf("session failure = %s", s.Failure())
	}
}

func TestDispatcherEngineErrors(t *testing.T) {
	t.Run("generate", func(t *testing.T) {
		eng := newStubEngine(nil)
		eng.err = errors.New("model not loaded")
		d, reg := newTestDispatcher(t, eng, DispatcherConfig{})

		j, _, sink := submit(t, d, reg, "x")
		waitDone(t, j)
		_, out, _ := sink.result()
		if out.State != StateFailed || out.Kind != please.KindEngineFailed {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("mid-stream", func(t *testing.T) {
		eng := newStubEngine(func(*please.Request) *stubStream {
			return &stubStream{frags: []string{"a", "b"}, err: errors.New("connection reset")}
		})
		d, reg := newTestDispatcher(t, eng, DispatcherConfig{})

		j, _, sink := submit(t, d, reg, "x")
		waitDone(t, j)
		chunks, out, _ := sink.result()
		if out.State != StateFailed || out.Kind != please.KindEngineFailed || out.Chunks != 2 {
			t.Errorf("outcome = %+v", out)
		}
		if len(chunks) != 2 {
			t.Errorf("got %d chunks, want 2", len(chunks))
		}
	})
}

func TestDispatcherSinkFailure(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream {
		return &stubStream{frags: []string{"a", "b", "c"}}
	})
	d, reg := newTestDispatcher(t, eng, DispatcherConfig{})

	s, _ := reg.Register(&please.Request{Prompt: "x"})
	sink := newRecordSink()
	sink.failAt = 1
	j, _, err := d.Submit(s, sink)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, j)

	_, out, _ := sink.result()
	if out.State != StateFailed || out.Kind != please.KindTransportLost {
		t.Errorf("outcome = %+v", out)
	}
}

func TestDispatcherShutdown(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{hang: true} })
	d, reg := newTestDispatcher(t, eng, DispatcherConfig{Slots: 1})

	a, _, sinkA := submit(t, d, reg, "a")
	waitStarted(t, eng)
	b, _, sinkB := submit(t, d, reg, "b")

	d.Shutdown()
	waitDone(t, a)
	waitDone(t, b)
	for _, sink := range []*recordSink{sinkA, sinkB} {
		if _, out, _ := sink.result(); out.Kind != please.KindHubShutdown {
			t.Errorf("outcome = %+v, want hub_shutdown", out)
		}
	}

	s, _ := reg.Register(&please.Request{Prompt: "late"})
	if _, _, err := d.Submit(s, newRecordSink()); !errors.Is(err, please.ErrHubShutdown) {
		t.Errorf("expected ErrHubShutdown after shutdown, got %v", err)
	}
}

func TestDispatcherCompletesPartialRunes(t *testing.T) {
	tests := []struct {
		name  string
		frags []string
		want  []string
	}{
		{"split rune", []string{"caf\xc3", "\xa9 ok"}, []string{"caf", "é ok"}},
		{"rune split three ways", []string{"\xe2", "\x82", "\xac5"}, []string{"€5"}},
		{"dangling at end", []string{"x\xe2\x82"}, []string{"x", "\uFFFD"}},
		{"invalid byte", []string{"a\xffb"}, []string{"a\uFFFDb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{frags: tt.frags} })
			d, reg := newTestDispatcher(t, eng, DispatcherConfig{})

			j, _, sink := submit(t, d, reg, "x")
			waitDone(t, j)
			chunks, out, _ := sink.result()
			if out.State != StateCompleted {
				t.Fatalf("outcome = %+v", out)
			}
			var got []string
			for i, c := range chunks {
				if c.seq != uint64(i) {
					t.Errorf("chunk %d has seq %d", i, c.seq)
				}
				got = append(got, c.text)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("chunks = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitUTF8(t *testing.T) {
	tests := []struct {
		in, complete, rest string
	}{
		{"", "", ""},
		{"abc", "abc", ""},
		{"é", "é", ""},
		{"a\xc3", "a", "\xc3"},
		{"a\xe2\x82", "a", "\xe2\x82"},
		{"a\xf0\x9f\x98", "a", "\xf0\x9f\x98"},
		{"a\xf0\x9f\x98\x80", "a\xf0\x9f\x98\x80", ""},
		{"a\xff", "a\xff", ""},
	}
	for _, tt := range tests {
		complete, rest := splitUTF8(tt.in)
		if complete != tt.complete || rest != tt.rest {
			t.Errorf("splitUTF8(%q) = %q, %q; want %q, %q", tt.in, complete, rest, tt.complete, tt.rest)
		}
	}
}
