package hub

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/please-sh/please"
	"github.com/please-sh/please/engine"
	"github.com/please-sh/please/frame"
)

func startServer(t *testing.T, eng engine.Engine, cfg Config) (*Server, context.CancelFunc) {
	t.Helper()
	return startServerLogging(t, eng, cfg, discardLogger())
}

func startServerLogging(t *testing.T, eng engine.Engine, cfg Config, logger *slog.Logger) (*Server, context.CancelFunc) {
	t.Helper()
	cfg.Socket = testSocketPath(t)
	srv, err := New(cfg, eng, logger)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return srv, cancel
}

// rawClient speaks frames directly so tests can misbehave.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	enc  *frame.Encoder
	dec  *frame.Decoder
}

func dialRaw(t *testing.T, path string) *rawClient {
	t.Helper()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawClient{t: t, conn: conn, enc: frame.NewEncoder(conn), dec: frame.NewDecoder(conn)}
}

func (c *rawClient) send(msg frame.Message) {
	c.t.Helper()
	if err := c.enc.Encode(msg); err != nil {
		c.t.Fatalf("send %s: %v", msg.Type(), err)
	}
}

func (c *rawClient) recv() frame.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := c.dec.Decode()
	if err != nil {
		c.t.Fatalf("recv: %v", err)
	}
	return msg
}

func (c *rawClient) hello(version uint32) {
	c.t.Helper()
	if msg := c.recv(); msg != (frame.Hello{Version: frame.ProtocolVersion}) {
		c.t.Fatalf("expected hub hello, got %#v", msg)
	}
	c.send(frame.Hello{Version: version})
}

// request performs the handshake and returns the Accepted frame.
func (c *rawClient) request(prompt string) frame.Accepted {
	c.t.Helper()
	c.hello(frame.ProtocolVersion)
	c.send(frame.Request{Prompt: prompt})
	msg := c.recv()
	acc, ok := msg.(frame.Accepted)
	if !ok {
		c.t.Fatalf("expected accepted, got %#v", msg)
	}
	return acc
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStreamsChunksInOrder(t *testing.T) {
	var frags []string
	for i := 0; i < 10; i++ {
		frags = append(frags, fmt.Sprintf("w%d ", i))
	}
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{frags: frags} })
	srv, _ := startServer(t, eng, Config{})

	c := dialRaw(t, srv.Path())
	acc := c.request("count to ten")
	if acc.ID == "" || acc.Position != 0 {
		t.Errorf("accepted = %+v", acc)
	}

	for i := 0; i < 10; i++ {
		msg := c.recv()
		chunk, ok := msg.(frame.Chunk)
		if !ok {
			t.Fatalf("frame %d: expected chunk, got %#v", i, msg)
		}
		if chunk.ID != acc.ID || chunk.Seq != uint64(i) || chunk.Text != frags[i] {
			t.Errorf("chunk %d = %+v", i, chunk)
		}
	}
	if msg := c.recv(); msg != (frame.Done{ID: acc.ID}) {
		t.Fatalf("expected done, got %#v", msg)
	}

	eventually(t, "release", func() bool { return srv.Registry().Released() == 1 })
	if state, _, ok := srv.Registry().Tombstone(acc.ID); !ok || state != StateCompleted {
		t.Errorf("tombstone = %s, %v", state, ok)
	}
}

func TestServerLogsRequestDuration(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{frags: []string{"ok"}} })
	srv, _ := startServerLogging(t, eng, Config{}, logger)

	c := dialRaw(t, srv.Path())
	acc := c.request("hi")
	c.recv()
	c.recv()

	eventually(t, "release", func() bool { return srv.Registry().Released() == 1 })
	eventually(t, "release log", func() bool {
		for _, line := range strings.Split(logs.String(), "\n") {
			if strings.Contains(line, "session released") && strings.Contains(line, "request_id="+acc.ID) && strings.Contains(line, "duration=") {
				return true
			}
		}
		return false
	})
}

func TestServerProtocolMismatch(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{} })
	srv, _ := startServer(t, eng, Config{})

	c := dialRaw(t, srv.Path())
	c.hello(2)
	msg := c.recv()
	e, ok := msg.(frame.Error)
	if !ok || e.Kind != please.KindProtocolMismatch {
		t.Fatalf("expected protocol_mismatch, got %#v", msg)
	}
	if !errors.Is(e.AsError(), please.ErrProtocolMismatch) {
		t.Error("error frame does not match ErrProtocolMismatch")
	}
	if _, err := c.dec.Decode(); err != io.EOF {
		t.Errorf("expected the hub to close the connection, got %v", err)
	}
	if srv.Registry().Released() != 0 {
		t.Error("a mismatched client was registered")
	}
}

func TestServerRejectsBadRequests(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{} })
	srv, _ := startServer(t, eng, Config{})

	t.Run("empty prompt", func(t *testing.T) {
		c := dialRaw(t, srv.Path())
		c.hello(frame.ProtocolVersion)
		c.send(frame.Request{Prompt: "  "})
		if e, ok := c.recv().(frame.Error); !ok || e.Kind != please.KindInvalidRequest {
			t.Errorf("expected invalid_request, got %#v", e)
		}
	})

	t.Run("request before hello", func(t *testing.T) {
		c := dialRaw(t, srv.Path())
		c.recv()
		c.send(frame.Request{Prompt: "ls"})
		if e, ok := c.recv().(frame.Error); !ok || e.Kind != please.KindMalformedFrame {
			t.Errorf("expected malformed_frame, got %#v", e)
		}
	})

	t.Run("zero length frame", func(t *testing.T) {
		c := dialRaw(t, srv.Path())
		c.recv()
		c.conn.Write(binary.BigEndian.AppendUint32(nil, 0))
		if e, ok := c.recv().(frame.Error); !ok || e.Kind != please.KindMalformedFrame {
			t.Errorf("expected malformed_frame, got %#v", e)
		}
	})
}

func TestServerHandshakeTimeout(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{} })
	srv, _ := startServer(t, eng, Config{HandshakeTimeout: 50 * time.Millisecond})

	c := dialRaw(t, srv.Path())
	c.recv()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.dec.Decode(); err != io.EOF {
		t.Errorf("expected a silent client to be dropped, got %v", err)
	}
}

func TestServerRegistryFull(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{hang: true} })
	srv, _ := startServer(t, eng, Config{MaxSessions: 1})

	a := dialRaw(t, srv.Path())
	a.request("first")

	b := dialRaw(t, srv.Path())
	b.hello(frame.ProtocolVersion)
	b.send(frame.Request{Prompt: "second"})
	if e, ok := b.recv().(frame.Error); !ok || e.Kind != please.KindRegistryFull {
		t.Fatalf("expected registry_full, got %#v", e)
	}

	// The first request is unaffected.
	if srv.Registry().Len() != 1 {
		t.Errorf("registry holds %d sessions", srv.Registry().Len())
	}
}

func TestServerSecondClientWaitsForSlot(t *testing.T) {
	first := true
	eng := newStubEngine(func(*please.Request) *stubStream {
		if first {
			first = false
			return &stubStream{frags: []string{"a0"}, hang: true}
		}
		return &stubStream{frags: []string{"b0", "b1"}}
	})
	srv, _ := startServer(t, eng, Config{EngineSlots: 1})

	a := dialRaw(t, srv.Path())
	accA := a.request("a")
	if chunk, ok := a.recv().(frame.Chunk); !ok || chunk.Text != "a0" {
		t.Fatalf("expected a's first chunk, got %#v", chunk)
	}

	b := dialRaw(t, srv.Path())
	accB := b.request("b")
	if accB.Position != 1 {
		t.Errorf("b position = %d, want 1", accB.Position)
	}

	// Nothing reaches b while a holds the slot.
	b.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if msg, err := b.dec.Decode(); err == nil {
		t.Fatalf("b received %#v while a was streaming", msg)
	}

	a.send(frame.Cancel{ID: accA.ID})
	if msg := a.recv(); msg != (frame.Done{ID: accA.ID, Cancelled: true}) {
		t.Fatalf("expected cancelled done for a, got %#v", msg)
	}

	for i, want := range []string{"b0", "b1"} {
		chunk, ok := b.recv().(frame.Chunk)
		if !ok || chunk.Seq != uint64(i) || chunk.Text != want {
			t.Fatalf("b chunk %d = %#v", i, chunk)
		}
	}
	if msg := b.recv(); msg != (frame.Done{ID: accB.ID}) {
		t.Fatalf("expected done for b, got %#v", msg)
	}
}

func TestServerCancelIgnoresOtherIDs(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream {
		return &stubStream{frags: []string{"x"}, hang: true}
	})
	srv, _ := startServer(t, eng, Config{})

	c := dialRaw(t, srv.Path())
	acc := c.request("x")
	c.recv()

	c.send(frame.Cancel{ID: "someone-else"})
	c.send(frame.Cancel{})
	if msg := c.recv(); msg != (frame.Done{ID: acc.ID, Cancelled: true}) {
		t.Fatalf("expected cancelled done, got %#v", msg)
	}
	eventually(t, "release", func() bool { return srv.Registry().Released() == 1 })
}

func TestServerClientDropMidStream(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream {
		return &stubStream{frags: []string{"one", "two"}, hang: true}
	})
	srv, _ := startServer(t, eng, Config{})

	c := dialRaw(t, srv.Path())
	acc := c.request("x")
	c.recv()
	c.conn.Close()

	eventually(t, "release", func() bool { return srv.Registry().Len() == 0 })
	state, kind, ok := srv.Registry().Tombstone(acc.ID)
	if !ok || state != StateFailed || kind != please.KindTransportLost {
		t.Errorf("tombstone = %s/%s/%v, want failed/transport_lost", state, kind, ok)
	}

	time.Sleep(50 * time.Millisecond)
	if n := srv.Registry().Released(); n != 1 {
		t.Errorf("released %d times, want exactly 1", n)
	}

	// The slot is free again.
	d := dialRaw(t, srv.Path())
	if acc := d.request("y"); acc.Position != 0 {
		t.Errorf("next request queued at %d", acc.Position)
	}
}

func TestServerShutdownCancelsInFlight(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{hang: true} })
	path := testSocketPath(t)
	srv, err := New(Config{Socket: path, ShutdownGrace: 50 * time.Millisecond}, eng, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	c := dialRaw(t, path)
	acc := c.request("long")

	cancel()
	if e, ok := c.recv().(frame.Error); !ok || e.ID != acc.ID || e.Kind != please.KindHubShutdown {
		t.Fatalf("expected hub_shutdown, got %#v", e)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
}

func TestNewBusy(t *testing.T) {
	eng := newStubEngine(func(*please.Request) *stubStream { return &stubStream{} })
	srv, _ := startServer(t, eng, Config{})

	_, err := New(Config{Socket: srv.Path()}, eng, discardLogger())
	if !errors.Is(err, please.ErrRendezvousBusy) {
		t.Fatalf("expected ErrRendezvousBusy, got %v", err)
	}
}
