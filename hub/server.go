// Package hub implements the long-lived process that owns the inference
// engine and serves requests from clients over a Unix socket.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/please-sh/please"
	"github.com/please-sh/please/engine"
	"github.com/please-sh/please/frame"
)

// writeTimeout bounds every frame write.
const writeTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	Socket     string
	SocketMode os.FileMode

	MaxSessions int
	EngineSlots int

	StallTimeout     time.Duration
	CancelGrace      time.Duration
	ShutdownGrace    time.Duration
	HandshakeTimeout time.Duration

	MaxFrameBytes int
}

// ConfigFrom derives a server config from the user's configuration.
func ConfigFrom(cfg *please.Config) Config {
	return Config{
		Socket:           please.ResolveSocketPath(cfg),
		SocketMode:       please.ResolveSocketMode(cfg),
		MaxSessions:      cfg.Hub.MaxSessions,
		EngineSlots:      cfg.Hub.EngineSlots,
		StallTimeout:     cfg.Hub.StallTimeout.Duration,
		CancelGrace:      cfg.Hub.CancelGrace.Duration,
		ShutdownGrace:    cfg.Hub.ShutdownGrace.Duration,
		HandshakeTimeout: cfg.Hub.HandshakeTimeout.Duration,
		MaxFrameBytes:    cfg.Hub.MaxFrameBytes,
	}
}

func (c Config) withDefaults() Config {
	if c.SocketMode == 0 {
		c.SocketMode = 0o600
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = frame.DefaultMaxSize
	}
	return c
}

// Server accepts client connections and runs their requests on the engine.
type Server struct {
	cfg        Config
	rendezvous *Rendezvous
	registry   *Registry
	dispatcher *Dispatcher
	logger     *slog.Logger

	// active tracks connection handlers so shutdown can wait for them.
	active    sync.WaitGroup
	closeOnce sync.Once
}

// New binds the rendezvous socket and prepares a server around eng. The
// caller keeps ownership of eng.
func New(cfg Config, eng engine.Engine, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	rv, err := Bind(cfg.Socket, cfg.SocketMode, logger)
	if err != nil {
		return nil, err
	}
	reg := NewRegistry(cfg.MaxSessions, logger)
	return &Server{
		cfg:        cfg,
		rendezvous: rv,
		registry:   reg,
		dispatcher: NewDispatcher(eng, reg, DispatcherConfig{
			Slots:        cfg.EngineSlots,
			StallTimeout: cfg.StallTimeout,
			CancelGrace:  cfg.CancelGrace,
		}, logger),
		logger: logger,
	}, nil
}

// Path returns the socket path the server is bound to.
func (s *Server) Path() string { return s.rendezvous.Path() }

// Registry returns the server's session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Serve accepts connections until ctx is cancelled, then stops accepting,
// gives in-flight requests ShutdownGrace to finish, cancels the rest and
// waits for every handler. The socket is removed before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	defer s.Close()

	listener := s.rendezvous.Listener()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("hub listening", "path", s.Path(), "slots", s.dispatcher.cfg.Slots, "max_sessions", s.registry.max)

	var serveErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept failed", "error", err)
				continue
			}
			s.logger.Error("accept failed", "error", err)
			serveErr = err
			break
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConn(conn)
		}()
	}

	s.drain()
	return serveErr
}

// drain waits for handlers, force-cancelling whatever is left after
// ShutdownGrace.
func (s *Server) drain() {
	idle := make(chan struct{})
	go func() {
		s.active.Wait()
		close(idle)
	}()

	if n := s.registry.Len(); n > 0 {
		s.logger.Info("draining requests", "in_flight", n, "grace", s.cfg.ShutdownGrace)
	}
	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-idle:
		s.dispatcher.Shutdown()
		return
	case <-timer.C:
	}

	s.logger.Warn("shutdown grace expired; cancelling requests", "states", s.registry.Snapshot())
	s.dispatcher.Shutdown()
	<-idle
}

// Close removes the socket and releases the lock. Serve calls it on return.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.rendezvous.Close()
		s.registry.Close()
	})
	return err
}
