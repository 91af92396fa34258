package engine

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/please-sh/please"
)

// Echo streams the words of the prompt back, one fragment per word. It needs
// no model and is used for smoke tests of the hub and its clients.
type Echo struct {
	delay time.Duration
}

// NewEcho returns an Echo engine that waits delay before each fragment.
func NewEcho(delay time.Duration) *Echo {
	return &Echo{delay: delay}
}

func (e *Echo) Generate(ctx context.Context, req *please.Request) (Stream, error) {
	return &echoStream{
		ctx:    ctx,
		words:  strings.Fields(req.Prompt),
		delay:  e.delay,
		closed: make(chan struct{}),
	}, nil
}

func (e *Echo) Close() error { return nil }

type echoStream struct {
	ctx   context.Context
	words []string
	next  int
	delay time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *echoStream) Next() (string, error) {
	if s.next >= len(s.words) {
		return "", io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		case <-s.closed:
			return "", io.ErrClosedPipe
		}
	}
	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	case <-s.closed:
		return "", io.ErrClosedPipe
	default:
	}
	word := s.words[s.next]
	s.next++
	if s.next < len(s.words) {
		word += " "
	}
	return word, nil
}

func (s *echoStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
