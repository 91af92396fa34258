package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/please-sh/please"
)

// State is where a request is in its lifecycle.
type State uint8

const (
	StatePending State = iota
	StateStreaming
	StateCancelling
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the legal moves. Anything else is a bug in the hub.
var transitions = map[State][]State{
	StatePending:    {StateStreaming, StateCompleted, StateFailed},
	StateStreaming:  {StateCompleted, StateCancelling, StateFailed},
	StateCancelling: {StateCompleted, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

const (
	// tombstoneTTL is how long a released id is remembered.
	tombstoneTTL      = 10 * time.Minute
	tombstoneCapacity = 4096
)

// tombstone is what is remembered about a released session.
type tombstone struct {
	state   State
	failure please.ErrorKind
}

// Session is one registered request. Its state is owned by the Registry.
type Session struct {
	ID      string
	Request *please.Request
	Created time.Time

	reg     *Registry
	state   State
	failure please.ErrorKind
}

// State returns the session's current state.
func (s *Session) State() State {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.state
}

// Failure returns the failure kind of a Failed session.
func (s *Session) Failure() please.ErrorKind {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.failure
}

// Registry tracks live sessions and enforces the lifecycle.
type Registry struct {
	max    int
	logger *slog.Logger
	newID  func() string

	mu         sync.Mutex
	sessions   map[string]*Session
	tombstones *ttlcache.Cache[string, tombstone]
	released   atomic.Int64
}

// NewRegistry returns a registry admitting at most max live sessions.
func NewRegistry(max int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = 64
	}
	tombstones := ttlcache.New[string, tombstone](
		ttlcache.WithTTL[string, tombstone](tombstoneTTL),
		ttlcache.WithCapacity[string, tombstone](tombstoneCapacity),
		ttlcache.WithDisableTouchOnHit[string, tombstone](),
	)
	go tombstones.Start()
	return &Registry{
		max:        max,
		logger:     logger,
		newID:      uuid.NewString,
		sessions:   make(map[string]*Session),
		tombstones: tombstones,
	}
}

// Close stops the tombstone expiry loop.
func (r *Registry) Close() {
	r.tombstones.Stop()
}

// Register admits req as a new Pending session with a fresh id. It fails
// with please.ErrRegistryFull when max sessions are live.
func (r *Registry) Register(req *please.Request) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.max {
		return nil, please.Errorf(please.KindRegistryFull, "%d requests in flight", len(r.sessions))
	}

	id := r.newID()
	for r.sessions[id] != nil || r.tombstones.Has(id) {
		id = r.newID()
	}

	reqCopy := *req
	reqCopy.ID = id
	s := &Session{
		ID:      id,
		Request: &reqCopy,
		Created: time.Now(),
		reg:     r,
		state:   StatePending,
	}
	r.sessions[id] = s
	return s, nil
}

// Transition moves a session to state to. An illegal move marks the session
// Failed with internal_invariant and returns an error wrapping
// please.ErrInternalInvariant; no other session is affected.
func (r *Registry) Transition(id string, to State) error {
	return r.transition(id, to, "")
}

// Fail moves a session to Failed, recording why.
func (r *Registry) Fail(id string, kind please.ErrorKind) error {
	return r.transition(id, StateFailed, kind)
}

func (r *Registry) transition(id string, to State, kind please.ErrorKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		if r.tombstones.Has(id) {
			r.logger.Error("transition on released session", "request_id", id, "to", to)
			return please.Errorf(please.KindInternalInvariant, "session %s already released", id)
		}
		r.logger.Error("transition on unknown session", "request_id", id, "to", to)
		return please.Errorf(please.KindInternalInvariant, "unknown session %s", id)
	}

	from := s.state
	if !canTransition(from, to) {
		s.state = StateFailed
		s.failure = please.KindInternalInvariant
		r.logger.Error("illegal session transition", "request_id", id, "from", from, "to", to)
		return please.Errorf(please.KindInternalInvariant, "illegal transition %s -> %s", from, to)
	}

	s.state = to
	if to == StateFailed {
		s.failure = kind
	}
	r.logger.Debug("session transition", "request_id", id, "from", from, "to", to)
	return nil
}

// Release removes a session. It is idempotent: only the call that actually
// removed the session returns true.
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)
	r.tombstones.Set(id, tombstone{state: s.state, failure: s.failure}, ttlcache.DefaultTTL)
	r.released.Add(1)
	return true
}

// Tombstone reports the final state of a recently released session.
func (r *Registry) Tombstone(id string) (State, please.ErrorKind, bool) {
	item := r.tombstones.Get(id)
	if item == nil {
		return 0, "", false
	}
	ts := item.Value()
	return ts.state, ts.failure, true
}

// Released counts effective releases over the registry's lifetime.
func (r *Registry) Released() int64 {
	return r.released.Load()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Lookup returns a live session.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot counts live sessions by state.
func (r *Registry) Snapshot() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[State]int)
	for _, s := range r.sessions {
		counts[s.state]++
	}
	return counts
}
