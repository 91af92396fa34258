// Package client drives one request against a running hub: it connects to
// the rendezvous socket, checks protocol versions, submits the request and
// yields the streamed answer.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/please-sh/please"
	"github.com/please-sh/please/frame"
)

// DefaultConnectTimeout bounds connecting to the socket.
const DefaultConnectTimeout = 500 * time.Millisecond

// handshakeTimeout bounds the Hello exchange and the wait for Accepted.
const handshakeTimeout = 5 * time.Second

type options struct {
	connectTimeout time.Duration
	maxFrameSize   int
	version        uint32
	logger         *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithMaxFrameSize overrides frame.DefaultMaxSize.
func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrameSize = n }
}

// WithLogger sets the logger for frame-level debug output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func withProtocolVersion(v uint32) Option {
	return func(o *options) { o.version = v }
}

// Reason says why the hub could not be reached.
type Reason string

const (
	ReasonNotRunning       Reason = "not_running"
	ReasonStale            Reason = "stale"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonNotSocket        Reason = "not_socket"
	ReasonTimeout          Reason = "timeout"
)

// UnreachableError is returned by Open when nothing answered at the socket
// path. It matches please.ErrHubUnreachable.
type UnreachableError struct {
	Path   string
	Reason Reason
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("hub unreachable at %s (%s): %v", e.Path, e.Reason, e.Err)
}

func (e *UnreachableError) Unwrap() []error {
	return []error{please.ErrHubUnreachable, e.Err}
}

// Session is one connection to the hub. It carries a single request.
type Session struct {
	conn   net.Conn
	dec    *frame.Decoder
	logger *slog.Logger

	wmu sync.Mutex
	enc *frame.Encoder

	stream     atomic.Pointer[Stream]
	cancelOnce sync.Once
	finished   atomic.Bool
}

// Open connects to the hub at path and exchanges Hello frames. Connection
// failures are *UnreachableError; a hub speaking another protocol version
// gives please.ErrProtocolMismatch.
func Open(ctx context.Context, path string, opts ...Option) (*Session, error) {
	o := options{
		connectTimeout: DefaultConnectTimeout,
		version:        frame.ProtocolVersion,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	dialer := net.Dialer{Timeout: o.connectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, classifyDial(path, err)
	}

	s := &Session{
		conn:   conn,
		dec:    frame.NewDecoder(conn),
		enc:    frame.NewEncoder(conn),
		logger: o.logger,
	}
	s.dec.SetMaxSize(o.maxFrameSize)
	s.enc.SetMaxSize(o.maxFrameSize)

	if err := s.handshake(ctx, o.version); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context, version uint32) error {
	s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { s.conn.SetDeadline(time.Now()) })
	defer stop()

	msg, err := s.dec.Decode()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyRead(err)
	}
	var hubVersion uint32
	switch m := msg.(type) {
	case frame.Hello:
		hubVersion = m.Version
	case frame.Error:
		return m.AsError()
	default:
		return please.Errorf(please.KindMalformedFrame, "expected hello, got %s", msg.Type())
	}

	if err := s.write(frame.Hello{Version: version}); err != nil {
		return fmt.Errorf("%w: %w", please.ErrTransportLost, err)
	}
	if hubVersion != version {
		return please.Errorf(please.KindProtocolMismatch, "hub speaks protocol %d, client speaks %d", hubVersion, version)
	}
	s.logger.Debug("connected to hub", "version", hubVersion)
	return nil
}

// Submit sends the request and waits for the hub to accept it. Cancelling
// ctx after Submit returns cancels the request.
func (s *Session) Submit(ctx context.Context, prompt string, pctx please.Context) (*Stream, error) {
	if s.stream.Load() != nil {
		return nil, errors.New("client: session already carries a request")
	}

	s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	stop := context.AfterFunc(ctx, func() { s.conn.SetDeadline(time.Now()) })
	err := s.write(frame.Request{Prompt: prompt, Context: pctx})
	var msg frame.Message
	if err == nil {
		msg, err = s.dec.Decode()
	}
	stop()
	s.conn.SetDeadline(time.Time{})
	if errors.Is(err, frame.ErrFrameTooLarge) {
		return nil, fmt.Errorf("%w: %w", please.Errorf(please.KindInvalidRequest, "request too large to send"), err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyRead(err)
	}

	switch m := msg.(type) {
	case frame.Accepted:
		st := &Stream{s: s, id: m.ID, position: m.Position}
		s.stream.Store(st)
		st.stop = context.AfterFunc(ctx, func() {
			if err := s.Cancel(); err != nil {
				s.logger.Debug("cancel failed", "error", err)
			}
		})
		s.logger.Debug("request accepted", "request_id", m.ID, "position", m.Position)
		return st, nil
	case frame.Error:
		return nil, m.AsError()
	default:
		return nil, please.Errorf(please.KindMalformedFrame, "expected accepted, got %s", msg.Type())
	}
}

// Cancel asks the hub to stop the request. Only the first call sends
// anything, and it does nothing once the stream has ended. The stream still
// ends normally, with Cancelled reporting true.
func (s *Session) Cancel() error {
	st := s.stream.Load()
	if st == nil || s.finished.Load() {
		return nil
	}
	var err error
	s.cancelOnce.Do(func() {
		s.logger.Debug("sending cancel", "request_id", st.id)
		err = s.write(frame.Cancel{ID: st.id})
	})
	return err
}

// Close closes the connection. Closing before the stream ends cancels the
// request on the hub.
func (s *Session) Close() error {
	if st := s.stream.Load(); st != nil && st.stop != nil {
		st.stop()
	}
	s.finished.Store(true)
	return s.conn.Close()
}

func (s *Session) write(msg frame.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.enc.Encode(msg)
}

// Stream is the answer to a submitted request.
type Stream struct {
	s        *Session
	id       string
	position int
	stop     func() bool

	next      uint64
	text      string
	seq       uint64
	err       error
	done      bool
	cancelled bool
}

// ID returns the id the hub assigned to the request.
func (st *Stream) ID() string { return st.id }

// Position returns the request's place in the hub's wait queue when it was
// accepted, counting from 1. 0 means generation started at once.
func (st *Stream) Position() int { return st.position }

// Next blocks until the next chunk arrives and reports whether there is one.
// It returns false when the stream ends; Err then says whether it failed.
func (st *Stream) Next() bool {
	if st.done {
		return false
	}
	msg, err := st.s.dec.Decode()
	if err != nil {
		st.finish(classifyRead(err))
		return false
	}

	switch m := msg.(type) {
	case frame.Chunk:
		if m.ID != st.id {
			st.finish(please.Errorf(please.KindMalformedFrame, "chunk for request %s on connection for %s", m.ID, st.id))
			return false
		}
		if m.Seq != st.next {
			st.finish(please.Errorf(please.KindMalformedFrame, "chunk seq %d, want %d", m.Seq, st.next))
			return false
		}
		st.text, st.seq = m.Text, m.Seq
		st.next++
		return true
	case frame.Done:
		if m.ID != st.id {
			st.finish(please.Errorf(please.KindMalformedFrame, "done for request %s on connection for %s", m.ID, st.id))
			return false
		}
		st.cancelled = m.Cancelled
		st.finish(nil)
	case frame.Error:
		if m.ID != st.id {
			st.finish(please.Errorf(please.KindMalformedFrame, "error for request %s on connection for %s", m.ID, st.id))
			return false
		}
		st.finish(m.AsError())
	default:
		st.finish(please.Errorf(please.KindMalformedFrame, "unexpected %s frame in stream", msg.Type()))
	}
	return false
}

// Text returns the current chunk's text.
func (st *Stream) Text() string { return st.text }

// Seq returns the current chunk's sequence number.
func (st *Stream) Seq() uint64 { return st.seq }

// Err returns the error that ended the stream, or nil if it ended with Done.
// Hub failures are *please.Error values carrying the hub's kind.
func (st *Stream) Err() error { return st.err }

// Cancelled reports whether the stream ended early because of a cancel.
func (st *Stream) Cancelled() bool { return st.cancelled }

func (st *Stream) finish(err error) {
	st.done = true
	st.err = err
	st.s.finished.Store(true)
	if st.stop != nil {
		st.stop()
	}
}

// classifyRead maps a failed frame read to a please error. A frame that
// arrived whole but could not be decoded is malformed; anything else means
// the connection is gone.
func classifyRead(err error) error {
	if errors.Is(err, please.ErrMalformedFrame) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return fmt.Errorf("%w: %w", please.ErrTransportLost, err)
}

func classifyDial(path string, err error) error {
	var reason Reason
	var ne net.Error
	switch {
	case errors.Is(err, unix.ENOENT):
		reason = ReasonNotRunning
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		reason = ReasonPermissionDenied
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		reason = ReasonTimeout
	default:
		// Connecting to a regular file is refused just like a dead socket,
		// so look at what is there.
		info, lerr := os.Lstat(path)
		switch {
		case errors.Is(lerr, fs.ErrNotExist):
			reason = ReasonNotRunning
		case lerr == nil && info.Mode().Type() != fs.ModeSocket:
			reason = ReasonNotSocket
		case errors.Is(err, unix.ENOTSOCK):
			reason = ReasonNotSocket
		default:
			reason = ReasonStale
		}
	}
	return &UnreachableError{Path: path, Reason: reason, Err: err}
}
