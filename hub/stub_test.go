package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/please-sh/please"
	"github.com/please-sh/please/engine"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// stubEngine hands out streams built by script, and records the prompts it
// was asked to generate for in order.
type stubEngine struct {
	script func(req *please.Request) *stubStream
	err    error

	started chan string
}

func newStubEngine(script func(req *please.Request) *stubStream) *stubEngine {
	return &stubEngine{script: script, started: make(chan string, 64)}
}

func (e *stubEngine) Generate(ctx context.Context, req *please.Request) (engine.Stream, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.started <- req.Prompt
	s := e.script(req)
	s.ctx = ctx
	s.closed = make(chan struct{})
	return s, nil
}

func (e *stubEngine) Close() error { return nil }

// stubStream yields frags, then ends with err (io.EOF when nil). With hang
// set it blocks after frags until closed; with stubborn set it ignores
// Close and the context and blocks until release is closed.
type stubStream struct {
	frags    []string
	delay    time.Duration
	err      error
	hang     bool
	stubborn bool
	release  chan struct{}

	ctx       context.Context
	i         int
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *stubStream) Next() (string, error) {
	if s.i < len(s.frags) {
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-s.closed:
				return "", io.ErrClosedPipe
			}
		}
		f := s.frags[s.i]
		s.i++
		return f, nil
	}
	switch {
	case s.stubborn:
		<-s.release
		return "", io.EOF
	case s.hang:
		select {
		case <-s.closed:
		case <-s.ctx.Done():
		}
		return "", io.ErrClosedPipe
	case s.err != nil:
		return "", s.err
	default:
		return "", io.EOF
	}
}

func (s *stubStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type recordedChunk struct {
	seq  uint64
	text string
}

// recordSink collects what a job delivers.
type recordSink struct {
	mu       sync.Mutex
	chunks   []recordedChunk
	outcome  Outcome
	finished int
	failAt   int // fail the Chunk call with this index; <0 never

	first     chan struct{}
	firstOnce sync.Once
}

func newRecordSink() *recordSink {
	return &recordSink{failAt: -1, first: make(chan struct{})}
}

func (s *recordSink) Chunk(seq uint64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) == s.failAt {
		return errors.New("broken pipe")
	}
	s.chunks = append(s.chunks, recordedChunk{seq, text})
	s.firstOnce.Do(func() { close(s.first) })
	return nil
}

func (s *recordSink) Finish(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = o
	s.finished++
}

func (s *recordSink) result() ([]recordedChunk, Outcome, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedChunk(nil), s.chunks...), s.outcome, s.finished
}

func waitDone(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", j.ID())
	}
}

func waitStarted(t *testing.T, e *stubEngine) string {
	t.Helper()
	select {
	case p := <-e.started:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("engine never started a request")
		return ""
	}
}

var testSocketCounter atomic.Int64

// testSocketPath returns a fresh socket path under /tmp, short enough for
// the sun_path limit on every platform.
func testSocketPath(t *testing.T) string {
	t.Helper()
	n := testSocketCounter.Add(1)
	path := fmt.Sprintf("/tmp/please-hub-t%d-%d.sock", n, os.Getpid())
	t.Cleanup(func() {
		os.Remove(path)
		os.Remove(path + ".lock")
	})
	return path
}
