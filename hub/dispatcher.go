package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/eapache/queue"

	"github.com/please-sh/please"
	"github.com/please-sh/please/engine"
)

// Sink receives the output of one job. Chunk is called in sequence order from
// the job's goroutine and an error from it means the client is gone. Finish
// is called exactly once, after the last Chunk and before the job's engine
// slot goes to the next job.
type Sink interface {
	Chunk(seq uint64, text string) error
	Finish(Outcome)
}

// Outcome is how a job ended.
type Outcome struct {
	// State is StateCompleted or StateFailed.
	State State
	// Kind and Detail describe a failure.
	Kind   please.ErrorKind
	Detail string
	// Cancelled is set when a client cancel stopped generation early.
	Cancelled bool
	// Chunks is how many chunks were delivered.
	Chunks uint64
}

// CancelReason says who stopped a job.
type CancelReason uint8

const (
	// CancelClient is an explicit Cancel frame. The job completes.
	CancelClient CancelReason = iota
	// CancelDisconnect is a closed connection. The job fails with
	// transport_lost.
	CancelDisconnect
	// CancelShutdown is a hub shutdown past its grace period. The job fails
	// with hub_shutdown.
	CancelShutdown
)

func (r CancelReason) String() string {
	switch r {
	case CancelClient:
		return "client"
	case CancelDisconnect:
		return "disconnect"
	case CancelShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// DispatcherConfig sizes the dispatcher.
type DispatcherConfig struct {
	// Slots is how many jobs may generate at once.
	Slots int
	// StallTimeout fails a job whose engine produces nothing for this long.
	StallTimeout time.Duration
	// CancelGrace bounds how long a cancelled job waits for the engine to
	// stop before its slot is reclaimed.
	CancelGrace time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Slots <= 0 {
		c.Slots = 1
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 60 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 2 * time.Second
	}
	return c
}

// Dispatcher runs jobs on the engine, at most Slots at a time, starting
// waiting jobs in arrival order.
type Dispatcher struct {
	engine   engine.Engine
	registry *Registry
	cfg      DispatcherConfig
	logger   *slog.Logger

	mu      sync.Mutex
	waiting *queue.Queue // of *Job; cancelled entries are skipped on pop
	pending int          // live jobs in waiting
	busy    int
	closed  bool
	jobs    map[*Job]struct{}
}

// NewDispatcher returns a dispatcher running jobs from reg on eng.
func NewDispatcher(eng engine.Engine, reg *Registry, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:   eng,
		registry: reg,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		waiting:  queue.New(),
		jobs:     make(map[*Job]struct{}),
	}
}

// Job is a session handed to the dispatcher.
type Job struct {
	session *Session
	sink    Sink
	d       *Dispatcher

	// guarded by d.mu
	started bool
	dropped bool

	cancelOnce sync.Once
	cancelled  chan struct{}
	reason     CancelReason

	finishOnce sync.Once
	done       chan struct{}
}

// ID returns the job's request id.
func (j *Job) ID() string { return j.session.ID }

// Done is closed after the job's sink has been finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel stops the job. A waiting job is dropped from the queue and finished
// at once; a running job is stopped within the dispatcher's cancel grace.
// Only the first call has any effect, and calls after the job has finished
// do nothing.
func (j *Job) Cancel(reason CancelReason) {
	d := j.d
	d.mu.Lock()
	if !j.started {
		if j.dropped {
			d.mu.Unlock()
			return
		}
		j.dropped = true
		d.pending--
		d.mu.Unlock()
		d.logger.Debug("dropped waiting job", "request_id", j.ID(), "reason", reason)
		j.finish(d.cancelledOutcome(j.ID(), reason, 0), nil)
		return
	}
	d.mu.Unlock()

	j.cancelOnce.Do(func() {
		j.reason = reason
		close(j.cancelled)
	})
}

// finish reports o to the sink, runs then, and marks the job done.
func (j *Job) finish(o Outcome, then func()) {
	j.finishOnce.Do(func() {
		j.d.mu.Lock()
		delete(j.d.jobs, j)
		j.d.mu.Unlock()
		j.sink.Finish(o)
		if then != nil {
			then()
		}
		close(j.done)
	})
}

// Submit queues a Pending session. It returns the job and its position: 0
// when it started on a free slot, otherwise how many jobs wait ahead of it
// plus one.
func (d *Dispatcher) Submit(s *Session, sink Sink) (*Job, int, error) {
	j := &Job{
		session:   s,
		sink:      sink,
		d:         d,
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, 0, please.Errorf(please.KindHubShutdown, "hub is not accepting requests")
	}
	d.jobs[j] = struct{}{}
	if d.busy < d.cfg.Slots {
		d.busy++
		j.started = true
		d.mu.Unlock()
		go d.run(j)
		return j, 0, nil
	}
	d.waiting.Add(j)
	d.pending++
	pos := d.pending
	d.mu.Unlock()

	d.logger.Debug("job queued", "request_id", s.ID, "position", pos)
	return j, pos, nil
}

// Shutdown refuses new jobs and cancels every job still waiting or running.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.closed = true
	jobs := make([]*Job, 0, len(d.jobs))
	for j := range d.jobs {
		jobs = append(jobs, j)
	}
	d.mu.Unlock()

	for _, j := range jobs {
		j.Cancel(CancelShutdown)
	}
}

// Load returns how many slots are busy and how many jobs wait.
func (d *Dispatcher) Load() (busy, waiting int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy, d.pending
}

// run owns one slot for the duration of j. The slot is handed on after the
// sink has its outcome and before Done is closed.
func (d *Dispatcher) run(j *Job) {
	j.finish(d.generate(j), d.releaseSlot)
}

// releaseSlot passes the slot to the oldest waiting job, or frees it.
func (d *Dispatcher) releaseSlot() {
	d.mu.Lock()
	for d.waiting.Length() > 0 {
		next := d.waiting.Remove().(*Job)
		if next.dropped {
			continue
		}
		next.started = true
		d.pending--
		d.mu.Unlock()
		go d.run(next)
		return
	}
	d.busy--
	d.mu.Unlock()
}

type fragment struct {
	text string
	err  error
}

func (d *Dispatcher) generate(j *Job) Outcome {
	id := j.ID()
	logger := d.logger.With("request_id", id)

	if err := d.registry.Transition(id, StateStreaming); err != nil {
		return invariantOutcome(err)
	}
	select {
	case <-j.cancelled:
		return d.stopStreaming(j, nil, nil, nil, 0)
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	stream, err := d.engine.Generate(ctx, j.session.Request)
	if err != nil {
		logger.Warn("engine failed to start", "error", err)
		return d.fail(id, please.KindEngineFailed, err.Error(), 0)
	}
	closeStream := sync.OnceFunc(func() { stream.Close() })
	defer closeStream()

	frags := make(chan fragment)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			text, err := stream.Next()
			select {
			case frags <- fragment{text, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	stall := time.NewTimer(d.cfg.StallTimeout)
	defer stall.Stop()

	var (
		seq   uint64
		carry string
	)
	for {
		select {
		case f := <-frags:
			if f.err != nil {
				if !errors.Is(f.err, io.EOF) {
					logger.Warn("engine stream failed", "error", f.err, "chunks", seq)
					return d.fail(id, please.KindEngineFailed, f.err.Error(), seq)
				}
				if carry != "" {
					// The engine ended inside a multi-byte character.
					if err := j.sink.Chunk(seq, string(utf8.RuneError)); err != nil {
						return d.fail(id, please.KindTransportLost, err.Error(), seq)
					}
					seq++
				}
				if err := d.registry.Transition(id, StateCompleted); err != nil {
					return invariantOutcome(err)
				}
				logger.Info("request completed", "chunks", seq, "duration", time.Since(start))
				return Outcome{State: StateCompleted, Chunks: seq}
			}

			var text string
			text, carry = splitUTF8(carry + f.text)
			if text == "" {
				stall.Reset(d.cfg.StallTimeout)
				continue
			}
			if err := j.sink.Chunk(seq, strings.ToValidUTF8(text, string(utf8.RuneError))); err != nil {
				logger.Info("client went away mid-stream", "error", err, "chunks", seq)
				cancel()
				closeStream()
				d.awaitEngine(logger, pumpDone)
				return d.fail(id, please.KindTransportLost, err.Error(), seq)
			}
			seq++
			stall.Reset(d.cfg.StallTimeout)

		case <-stall.C:
			logger.Warn("engine stalled", "timeout", d.cfg.StallTimeout, "chunks", seq)
			cancel()
			closeStream()
			d.awaitEngine(logger, pumpDone)
			return d.fail(id, please.KindEngineStalled, "no output for "+d.cfg.StallTimeout.String(), seq)

		case <-j.cancelled:
			return d.stopStreaming(j, cancel, closeStream, pumpDone, seq)
		}
	}
}

// stopStreaming ends a Streaming job that was cancelled. cancel, closeStream
// and pumpDone are nil when the engine was never started.
func (d *Dispatcher) stopStreaming(j *Job, cancel context.CancelFunc, closeStream func(), pumpDone <-chan struct{}, seq uint64) Outcome {
	id := j.ID()
	logger := d.logger.With("request_id", id)
	if err := d.registry.Transition(id, StateCancelling); err != nil {
		return invariantOutcome(err)
	}
	if cancel != nil {
		cancel()
	}
	if closeStream != nil {
		closeStream()
	}
	if pumpDone != nil {
		d.awaitEngine(logger, pumpDone)
	}
	logger.Info("request cancelled", "reason", j.reason, "chunks", seq)
	return d.cancelledOutcome(id, j.reason, seq)
}

// cancelledOutcome moves a cancelled session to its terminal state.
func (d *Dispatcher) cancelledOutcome(id string, reason CancelReason, seq uint64) Outcome {
	switch reason {
	case CancelDisconnect:
		return d.fail(id, please.KindTransportLost, "client disconnected", seq)
	case CancelShutdown:
		return d.fail(id, please.KindHubShutdown, "hub shut down before the request finished", seq)
	}
	if err := d.registry.Transition(id, StateCompleted); err != nil {
		return invariantOutcome(err)
	}
	return Outcome{State: StateCompleted, Cancelled: true, Chunks: seq}
}

func (d *Dispatcher) fail(id string, kind please.ErrorKind, detail string, seq uint64) Outcome {
	if err := d.registry.Fail(id, kind); err != nil {
		return invariantOutcome(err)
	}
	return Outcome{State: StateFailed, Kind: kind, Detail: detail, Chunks: seq}
}

func invariantOutcome(err error) Outcome {
	return Outcome{State: StateFailed, Kind: please.KindInternalInvariant, Detail: err.Error()}
}

// awaitEngine waits for the engine pump to exit, at most CancelGrace. An
// engine that ignores cancellation keeps its goroutine but not its slot.
func (d *Dispatcher) awaitEngine(logger *slog.Logger, pumpDone <-chan struct{}) {
	timer := time.NewTimer(d.cfg.CancelGrace)
	defer timer.Stop()
	select {
	case <-pumpDone:
	case <-timer.C:
		logger.Warn("engine did not stop within cancel grace; reclaiming slot", "grace", d.cfg.CancelGrace)
	}
}

// splitUTF8 splits s before a trailing incomplete UTF-8 sequence.
func splitUTF8(s string) (complete, rest string) {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			if !utf8.FullRuneInString(s[i:]) {
				return s[:i], s[i:]
			}
			break
		}
	}
	return s, ""
}
