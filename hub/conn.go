package hub

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/please-sh/please"
	"github.com/please-sh/please/frame"
)

// hubConn is one client connection. It is the Sink for the connection's job.
type hubConn struct {
	conn   net.Conn
	dec    *frame.Decoder
	logger *slog.Logger

	// mu serializes frame writes.
	mu  sync.Mutex
	enc *frame.Encoder
	id  string
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()

	c := &hubConn{
		conn:   nc,
		dec:    frame.NewDecoder(nc),
		enc:    frame.NewEncoder(nc),
		logger: s.logger,
	}
	c.dec.SetMaxSize(s.cfg.MaxFrameBytes)
	c.enc.SetMaxSize(s.cfg.MaxFrameBytes)

	req, ok := c.handshake(s.cfg.HandshakeTimeout)
	if !ok {
		return
	}

	sess, err := s.registry.Register(req)
	if err != nil {
		s.logger.Warn("request rejected", "error", err)
		c.refuse(please.KindOf(err), err.Error())
		return
	}
	defer func() {
		if s.registry.Release(sess.ID) {
			s.logger.Debug("session released", "request_id", sess.ID, "duration", time.Since(sess.Created).Round(time.Millisecond))
		}
	}()

	c.id = sess.ID
	c.logger = s.logger.With("request_id", sess.ID)
	c.logger.Info("request accepted", "prompt_bytes", len(req.Prompt), "history", len(req.Context.History))

	// Holding mu across Submit keeps the first Chunk behind Accepted.
	c.mu.Lock()
	job, pos, err := s.dispatcher.Submit(sess, c)
	if err != nil {
		c.mu.Unlock()
		_ = s.registry.Fail(sess.ID, please.KindOf(err))
		c.refuse(please.KindOf(err), err.Error())
		return
	}
	err = c.writeLocked(frame.Accepted{ID: sess.ID, Position: pos})
	c.mu.Unlock()
	if err != nil {
		c.logger.Debug("failed to write accepted", "error", err)
		job.Cancel(CancelDisconnect)
		<-job.Done()
		return
	}

	go c.readControl(job)
	<-job.Done()
}

// handshake exchanges Hello frames and reads the request. On failure it has
// already told the client why.
func (c *hubConn) handshake(timeout time.Duration) (*please.Request, bool) {
	if err := c.write(frame.Hello{Version: frame.ProtocolVersion}); err != nil {
		c.logger.Debug("failed to write hello", "error", err)
		return nil, false
	}

	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	msg, ok := c.expect(frame.TypeHello)
	if !ok {
		return nil, false
	}
	if v := msg.(frame.Hello).Version; v != frame.ProtocolVersion {
		c.logger.Warn("protocol mismatch", "client_version", v, "hub_version", frame.ProtocolVersion)
		c.refuse(please.KindProtocolMismatch, fmt.Sprintf("hub speaks protocol %d, client speaks %d", frame.ProtocolVersion, v))
		return nil, false
	}

	msg, ok = c.expect(frame.TypeRequest)
	if !ok {
		return nil, false
	}
	fr := msg.(frame.Request)
	if strings.TrimSpace(fr.Prompt) == "" {
		c.refuse(please.KindInvalidRequest, "empty prompt")
		return nil, false
	}
	return &please.Request{Prompt: fr.Prompt, Context: fr.Context}, true
}

func (c *hubConn) expect(t frame.Type) (frame.Message, bool) {
	msg, err := c.dec.Decode()
	if err != nil {
		switch {
		case errors.Is(err, please.ErrMalformedFrame):
			c.logger.Warn("malformed frame during handshake", "error", err)
			c.refuse(please.KindMalformedFrame, err.Error())
		case errors.Is(err, io.EOF):
			c.logger.Debug("client left during handshake")
		default:
			c.logger.Debug("handshake read failed", "error", err)
		}
		return nil, false
	}
	if msg.Type() != t {
		c.refuse(please.KindMalformedFrame, fmt.Sprintf("expected %s frame, got %s", t, msg.Type()))
		return nil, false
	}
	return msg, true
}

// readControl watches the connection for Cancel frames while the job runs.
// A read error means the client is gone.
func (c *hubConn) readControl(job *Job) {
	for {
		msg, err := c.dec.Decode()
		if err != nil {
			select {
			case <-job.Done():
			default:
				c.logger.Info("client disconnected", "error", err)
				job.Cancel(CancelDisconnect)
			}
			return
		}
		switch m := msg.(type) {
		case frame.Cancel:
			if m.ID != "" && m.ID != c.id {
				c.logger.Debug("cancel for another request ignored", "cancel_id", m.ID)
				continue
			}
			c.logger.Debug("cancel requested")
			job.Cancel(CancelClient)
		default:
			c.logger.Debug("unexpected frame ignored", "type", msg.Type())
		}
	}
}

func (c *hubConn) Chunk(seq uint64, text string) error {
	return c.write(frame.Chunk{ID: c.id, Seq: seq, Text: text})
}

func (c *hubConn) Finish(o Outcome) {
	var msg frame.Message
	if o.State == StateCompleted {
		msg = frame.Done{ID: c.id, Cancelled: o.Cancelled}
		c.logger.Info("request finished", "chunks", o.Chunks, "cancelled", o.Cancelled)
	} else {
		msg = frame.Error{ID: c.id, Kind: o.Kind, Detail: o.Detail}
		c.logger.Info("request failed", "kind", o.Kind, "detail", o.Detail, "chunks", o.Chunks)
	}
	if err := c.write(msg); err != nil {
		c.logger.Debug("failed to write final frame", "error", err)
	}
}

// refuse sends an Error frame for a request that never got an id.
func (c *hubConn) refuse(kind please.ErrorKind, detail string) {
	if err := c.write(frame.Error{Kind: kind, Detail: detail}); err != nil {
		c.logger.Debug("failed to write error", "kind", kind, "error", err)
	}
}

func (c *hubConn) write(msg frame.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(msg)
}

func (c *hubConn) writeLocked(msg frame.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.enc.Encode(msg)
}
