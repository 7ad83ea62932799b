// Package poller drives one outstanding job handle to a terminal state,
// writing partial and final text into the conversation log as it arrives.
//
// A Poller moves Idle -> Polling on Start, then to exactly one of Completed,
// Cancelled or Failed. Queries are issued by a Scheduler rather than by
// self-recursion, so tests can run polls on a virtual clock.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/prompt-console/pcon/conversation"
	"github.com/ZanzyTHEbar/prompt-console/pcon/gateway"
	"github.com/rs/zerolog"
)

var (
	// ErrNotIdle is returned by Start on a poller that has already started.
	ErrNotIdle = errors.New("poller: not idle")
	// ErrMaxAttempts is the failure recorded when a bounded poller gives up.
	ErrMaxAttempts = errors.New("poller: max attempts reached")
)

type State int32

const (
	StateIdle State = iota
	StatePolling
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// ResultSource answers queries for a job handle.
type ResultSource interface {
	FetchResult(ctx context.Context, handle gateway.JobHandle) (gateway.Result, error)
}

// ResultSourceFunc adapts a function to ResultSource.
type ResultSourceFunc func(ctx context.Context, handle gateway.JobHandle) (gateway.Result, error)

func (f ResultSourceFunc) FetchResult(ctx context.Context, handle gateway.JobHandle) (gateway.Result, error) {
	return f(ctx, handle)
}

// Sink receives text for the turn a poller is bound to. *conversation.Log
// implements it.
type Sink interface {
	UpdateAt(epoch conversation.Epoch, id conversation.TurnID, text string) error
	Finalize(epoch conversation.Epoch, id conversation.TurnID, text string) error
}

// Config controls the polling loop.
type Config struct {
	Interval     time.Duration // delay between a non-final answer and the next query
	QueryTimeout time.Duration // 0 leaves queries bounded only by cancellation
	MaxAttempts  int           // 0 polls until the job settles
}

// Outcome describes how a poller settled.
type Outcome struct {
	State    State
	Handle   gateway.JobHandle
	TurnID   conversation.TurnID
	Epoch    conversation.Epoch
	Attempts int
	Text     string // last text written to the turn
	Err      error  // set when State is StateFailed
	Elapsed  time.Duration
}

// Option configures a Poller.
type Option func(*Poller)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

// WithMetrics records polls and settlements into m.
func WithMetrics(m *Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// OnSettle registers fn to run once, outside the poller's lock, when the
// poller reaches a terminal state.
func OnSettle(fn func(Outcome)) Option {
	return func(p *Poller) { p.onSettle = fn }
}

// WithClock sets the clock used to measure time to settle.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// Poller owns the lifecycle of one job handle.
type Poller struct {
	src      ResultSource
	sink     Sink
	sched    Scheduler
	cfg      Config
	logger   zerolog.Logger
	metrics  *Metrics
	onSettle func(Outcome)
	now      func() time.Time

	mu       sync.Mutex
	state    State
	handle   gateway.JobHandle
	turnID   conversation.TurnID
	epoch    conversation.Epoch
	attempts int
	lastText string
	task     Task
	ctx      context.Context
	cancel   context.CancelFunc
	started  time.Time
	outcome  Outcome
	done     chan struct{}
}

// New returns an idle poller.
func New(src ResultSource, sink Sink, sched Scheduler, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		src:    src,
		sink:   sink,
		sched:  sched,
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start binds the poller to handle and turn id at epoch and schedules the
// first query with no delay. ctx bounds every query; cancelling it settles
// the poller as Cancelled.
func (p *Poller) Start(ctx context.Context, handle gateway.JobHandle, turnID conversation.TurnID, epoch conversation.Epoch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return ErrNotIdle
	}
	p.handle = handle
	p.turnID = turnID
	p.epoch = epoch
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = p.now()
	p.state = StatePolling
	p.logger = p.logger.With().
		Str("result_id", string(handle)).
		Uint32("turn_id", uint32(turnID)).
		Uint64("epoch", uint64(epoch)).
		Logger()
	p.task = p.sched.AfterFunc(0, p.step)
	p.logger.Debug().Msg("polling started")
	return nil
}

func (p *Poller) step() {
	p.mu.Lock()
	if p.state != StatePolling {
		p.mu.Unlock()
		return
	}
	p.attempts++
	if p.cfg.MaxAttempts > 0 && p.attempts > p.cfg.MaxAttempts {
		p.attempts--
		out := p.settleLocked(StateFailed, ErrMaxAttempts)
		p.mu.Unlock()
		p.finish(out)
		return
	}
	ctx, handle, attempt := p.ctx, p.handle, p.attempts
	p.mu.Unlock()

	qctx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.QueryTimeout > 0 {
		qctx, cancel = context.WithTimeout(ctx, p.cfg.QueryTimeout)
	}
	res, err := p.src.FetchResult(qctx, handle)
	cancel()
	p.metrics.observePoll()

	p.mu.Lock()
	if p.state != StatePolling {
		p.mu.Unlock()
		p.metrics.observeDiscarded()
		p.logger.Debug().Int("attempt", attempt).Msg("discarded late response")
		return
	}

	var out Outcome
	switch {
	case err != nil && ctx.Err() != nil:
		out = p.settleLocked(StateCancelled, nil)
	case err != nil:
		out = p.settleLocked(StateFailed, err)
	case res.Completed:
		out = p.completeLocked(res)
	default:
		if res.HasText() {
			if werr := p.sink.UpdateAt(p.epoch, p.turnID, res.Message); werr != nil {
				out = p.sinkFailureLocked(werr)
				break
			}
			p.lastText = res.Message
		}
		p.logger.Debug().Int("attempt", attempt).Bool("has_text", res.HasText()).Msg("job pending")
		p.task = p.sched.AfterFunc(p.cfg.Interval, p.step)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.finish(out)
}

func (p *Poller) completeLocked(res gateway.Result) Outcome {
	if err := p.sink.Finalize(p.epoch, p.turnID, res.Message); err != nil {
		return p.sinkFailureLocked(err)
	}
	if res.HasText() {
		p.lastText = res.Message
	}
	return p.settleLocked(StateCompleted, nil)
}

// sinkFailureLocked settles after the log refused a write. A benign refusal
// means the turn's conversation is gone, which is a cancellation.
func (p *Poller) sinkFailureLocked(err error) Outcome {
	if conversation.IsBenign(err) {
		p.logger.Debug().Err(err).Msg("turn no longer writable")
		return p.settleLocked(StateCancelled, nil)
	}
	return p.settleLocked(StateFailed, err)
}

func (p *Poller) settleLocked(state State, err error) Outcome {
	p.state = state
	if p.task != nil {
		p.task.Stop()
		p.task = nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	var elapsed time.Duration
	if !p.started.IsZero() {
		elapsed = p.now().Sub(p.started)
	}
	p.outcome = Outcome{
		State:    state,
		Handle:   p.handle,
		TurnID:   p.turnID,
		Epoch:    p.epoch,
		Attempts: p.attempts,
		Text:     p.lastText,
		Err:      err,
		Elapsed:  elapsed,
	}
	close(p.done)
	return p.outcome
}

func (p *Poller) finish(out Outcome) {
	p.metrics.observeSettle(out)

	ev := p.logger.Info()
	if out.State == StateFailed {
		ev = p.logger.Error().Err(out.Err)
	}
	ev.Str("state", out.State.String()).
		Int("attempts", out.Attempts).
		Dur("elapsed", out.Elapsed).
		Msg("polling settled")

	if p.onSettle != nil {
		p.onSettle(out)
	}
}

// Cancel stops the poller. A query already in flight is not aborted at the
// transport level beyond context cancellation; its response is discarded.
// Cancel reports whether this call settled the poller.
func (p *Poller) Cancel() bool {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return false
	}
	out := p.settleLocked(StateCancelled, nil)
	p.mu.Unlock()
	p.finish(out)
	return true
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Attempts returns how many queries have been issued.
func (p *Poller) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *Poller) TurnID() conversation.TurnID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turnID
}

// Done is closed when the poller settles.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the settlement, or a zero Outcome while the poller runs.
func (p *Poller) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

// Wait blocks until the poller settles or ctx ends.
func (p *Poller) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
