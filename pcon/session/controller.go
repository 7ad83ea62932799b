// Package session coordinates one prompt-testing conversation: it submits
// turns, starts a poller per pending reply, resets the conversation and
// switches the active prompt version. It is the only layer that turns
// errors into operator notifications.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/prompt-console/pcon/conversation"
	"github.com/ZanzyTHEbar/prompt-console/pcon/gateway"
	ports "github.com/ZanzyTHEbar/prompt-console/pcon/harness/ports"
	"github.com/ZanzyTHEbar/prompt-console/pcon/poller"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Gateway is the slice of the backend API the controller uses.
// *gateway.Client implements it.
type Gateway interface {
	poller.ResultSource
	PromptSource
	Endpoint() string
	SubmitMessage(ctx context.Context, content string) (gateway.JobHandle, error)
	ClearMessages(ctx context.Context) error
	ActiveVersions(ctx context.Context) (gateway.ActiveVersions, error)
	SetActiveVersion(ctx context.Context, env, version string) error
}

// Config holds the controller's tunables.
type Config struct {
	Environment      string // environment that SelectPromptVersion activates
	RequireSelection bool   // reject SubmitTurn until a version is selected
	CatalogTTL       time.Duration
	Poll             poller.Config
}

// Selection is the prompt version bound to the session.
type Selection struct {
	Version string
	Name    string
	Content string
}

// Submission describes an accepted turn.
type Submission struct {
	UserTurn  conversation.TurnID
	ReplyTurn conversation.TurnID
	Handle    gateway.JobHandle
	Epoch     conversation.Epoch

	poller *poller.Poller
}

// Wait blocks until the reply's poller settles or ctx ends.
func (s *Submission) Wait(ctx context.Context) (poller.Outcome, error) {
	return s.poller.Wait(ctx)
}

// Option configures a Controller's collaborators.
type Option func(*Controller)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithNotifier(n ports.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

func WithTracer(t ports.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithArchive saves every completed exchange to store.
func WithArchive(store ports.TranscriptStore) Option {
	return func(c *Controller) { c.archive = store }
}

func WithMetrics(m *poller.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithCache caches the prompt catalog.
func WithCache(cache ports.Cache) Option {
	return func(c *Controller) { c.cache = cache }
}

// WithLog uses log instead of a fresh conversation log.
func WithLog(log *conversation.Log) Option {
	return func(c *Controller) { c.log = log }
}

// Controller owns a conversation log and the pollers writing into it.
type Controller struct {
	id       string
	gw       Gateway
	sched    poller.Scheduler
	log      *conversation.Log
	catalog  *Catalog
	cache    ports.Cache
	metrics  *poller.Metrics
	notifier ports.Notifier
	tracer   ports.Tracer
	archive  ports.TranscriptStore
	logger   zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	// switchMu is held shared for a whole submission and exclusively for
	// reset and version switches, so a turn is never sent mid-switch.
	switchMu sync.RWMutex

	mu           sync.Mutex
	cfg          Config
	pollers      map[conversation.TurnID]*poller.Poller
	selection    Selection
	hasSelection bool
	bound        bool // backend has selection active in cfg.Environment
	closed       bool
}

// NewController creates a session with a fresh identity.
func NewController(gw Gateway, sched poller.Scheduler, cfg Config, opts ...Option) *Controller {
	ctx, stop := context.WithCancel(context.Background())
	c := &Controller{
		id:       uuid.NewString(),
		gw:       gw,
		sched:    sched,
		logger:   zerolog.Nop(),
		notifier: nopNotifier{},
		tracer:   nopTracer{},
		baseCtx:  ctx,
		stop:     stop,
		cfg:      cfg,
		pollers:  make(map[conversation.TurnID]*poller.Poller),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = conversation.NewLog()
	}
	if c.cfg.Poll.Interval <= 0 {
		c.cfg.Poll.Interval = 200 * time.Millisecond
	}
	c.catalog = NewCatalog(gw, c.cache, cfg.CatalogTTL)
	c.logger = c.logger.With().Str("session_id", c.id).Logger()
	return c
}

func (c *Controller) ID() string { return c.id }

// Log returns the conversation log. Callers may read and observe it.
func (c *Controller) Log() *conversation.Log { return c.log }

// Turns returns a copy of the conversation in display order.
func (c *Controller) Turns() []conversation.Turn { return c.log.Turns() }

func (c *Controller) Catalog() *Catalog { return c.catalog }

func (c *Controller) Metrics() *poller.Metrics { return c.metrics }

// Selection returns the active prompt selection, if any.
func (c *Controller) Selection() (Selection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selection, c.hasSelection
}

// ActivePollers returns how many replies are still being polled.
func (c *Controller) ActivePollers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pollers)
}

// SetPollConfig applies cfg to pollers started from now on.
func (c *Controller) SetPollConfig(cfg poller.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.Interval > 0 {
		c.cfg.Poll = cfg
	}
}

// SubmitTurn appends text as a user turn plus an empty assistant
// placeholder, creates the remote job and starts polling it. Blank text or
// a missing endpoint fails with a ValidationError before anything changes.
// If job creation fails both turns stay and the error is returned. A
// selection the backend has not confirmed is activated first; if that fails
// nothing is appended.
func (c *Controller) SubmitTurn(ctx context.Context, text string) (*Submission, error) {
	if strings.TrimSpace(text) == "" {
		err := &ValidationError{Field: "text", Reason: "message is empty"}
		c.notify(ctx, ports.LevelWarning, "Nothing to send", err.Error(), err, 0)
		return nil, err
	}
	if c.gw.Endpoint() == "" {
		err := &ValidationError{
			Field:  "endpoint",
			Reason: "no API endpoint configured",
			Err:    &gateway.ConfigurationError{Reason: "no API endpoint configured"},
		}
		c.notify(ctx, ports.LevelWarning, "Backend not configured", err.Error(), err, 0)
		return nil, err
	}

	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.cfg.RequireSelection && !c.hasSelection {
		c.mu.Unlock()
		err := &ValidationError{Field: "version", Reason: "no prompt version selected"}
		c.notify(ctx, ports.LevelWarning, "Select a prompt version", err.Error(), err, 0)
		return nil, err
	}
	pollCfg := c.cfg.Poll
	env := c.cfg.Environment
	sel, unbound := c.selection, c.hasSelection && !c.bound
	c.mu.Unlock()

	ctx, finish := c.tracer.StartSpan(ctx, "submit_turn", map[string]any{"session_id": c.id})

	if unbound {
		if err := c.bind(ctx, env, sel.Version); err != nil {
			finish(err)
			return nil, err
		}
	}

	userID := c.log.Append(conversation.RoleUser, text)
	replyID, epoch := c.log.AppendAt(conversation.RoleAssistant, "")

	handle, err := c.gw.SubmitMessage(ctx, text)
	if err != nil {
		c.notify(ctx, ports.LevelError, "Message not sent", "the backend did not accept the message", err, uint32(replyID))
		finish(err)
		return nil, fmt.Errorf("submit turn: %w", err)
	}
	c.tracer.Event(ctx, "job_created", map[string]any{"result_id": string(handle), "turn_id": uint32(replyID)})

	p := poller.New(c.gw, c.log, c.sched, pollCfg,
		poller.WithLogger(c.logger),
		poller.WithMetrics(c.metrics),
		poller.OnSettle(func(out poller.Outcome) { c.settled(userID, out) }),
	)

	c.mu.Lock()
	c.pollers[replyID] = p
	c.mu.Unlock()

	if err := p.Start(c.baseCtx, handle, replyID, epoch); err != nil {
		c.forget(replyID)
		finish(err)
		return nil, err
	}
	finish(nil)

	c.logger.Debug().
		Str("result_id", string(handle)).
		Uint32("turn_id", uint32(replyID)).
		Msg("turn submitted")

	return &Submission{UserTurn: userID, ReplyTurn: replyID, Handle: handle, Epoch: epoch, poller: p}, nil
}

// bind activates version in env before the first message is sent under a
// selection the backend has not confirmed.
func (c *Controller) bind(ctx context.Context, env, version string) error {
	if err := c.gw.SetActiveVersion(ctx, env, version); err != nil {
		c.notify(ctx, ports.LevelError, "Version not activated",
			fmt.Sprintf("could not activate %s in %s", version, env), err, 0)
		return fmt.Errorf("activate %s: %w", version, err)
	}
	c.mu.Lock()
	if c.selection.Version == version {
		c.bound = true
	}
	c.mu.Unlock()
	c.logger.Info().Str("version", version).Str("environment", env).Msg("selection activated on first submit")
	return nil
}

// ResetSession cancels every pending poller, clears the backend's
// conversation and clears the local log. The local log is cleared even when
// the backend call fails; that failure is returned.
func (c *Controller) ResetSession(ctx context.Context) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	return c.resetLocked(ctx)
}

func (c *Controller) resetLocked(ctx context.Context) error {
	ctx, finish := c.tracer.StartSpan(ctx, "reset_session", map[string]any{"session_id": c.id})

	cancelled := c.cancelPollers()
	err := c.gw.ClearMessages(ctx)
	epoch := c.log.Clear()

	c.logger.Info().
		Int("cancelled_pollers", cancelled).
		Uint64("epoch", uint64(epoch)).
		Err(err).
		Msg("session reset")

	if err != nil {
		c.notify(ctx, ports.LevelError, "Reset incomplete", "the backend conversation was not cleared", err, 0)
		finish(err)
		return fmt.Errorf("reset session: %w", err)
	}
	c.notify(ctx, ports.LevelInfo, "Session reset", "conversation cleared", nil, 0)
	finish(nil)
	return nil
}

// SelectPromptVersion resets the session, activates version for the
// configured environment on the backend and records it locally. Submissions
// wait until the switch has finished.
func (c *Controller) SelectPromptVersion(ctx context.Context, version string) error {
	version = strings.TrimSpace(version)
	if version == "" {
		err := &ValidationError{Field: "version", Reason: "no prompt version selected"}
		c.notify(ctx, ports.LevelWarning, "Select a prompt version", err.Error(), err, 0)
		return err
	}

	prompt, ok, err := c.catalog.Lookup(ctx, version)
	if err != nil {
		c.notify(ctx, ports.LevelError, "Prompts unavailable", "could not load prompt versions", err, 0)
		return fmt.Errorf("load prompts: %w", err)
	}
	if !ok {
		err := &ValidationError{Field: "version", Reason: fmt.Sprintf("unknown prompt version %q", version)}
		c.notify(ctx, ports.LevelWarning, "Unknown prompt version", err.Error(), err, 0)
		return err
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	env := c.cfg.Environment
	c.mu.Unlock()

	ctx, finish := c.tracer.StartSpan(ctx, "select_prompt_version", map[string]any{
		"session_id":  c.id,
		"version":     version,
		"environment": env,
	})

	if err := c.resetLocked(ctx); err != nil {
		finish(err)
		return err
	}
	if err := c.gw.SetActiveVersion(ctx, env, version); err != nil {
		c.notify(ctx, ports.LevelError, "Version not activated",
			fmt.Sprintf("could not activate %s in %s", version, env), err, 0)
		finish(err)
		return fmt.Errorf("activate %s: %w", version, err)
	}

	c.mu.Lock()
	c.selection = Selection{Version: prompt.Version, Name: prompt.Name, Content: prompt.Prompt}
	c.hasSelection = true
	c.bound = true
	c.mu.Unlock()

	c.notify(ctx, ports.LevelInfo, "Prompt version activated",
		fmt.Sprintf("%s is active in %s", version, env), nil, 0)
	finish(nil)
	return nil
}

// Bootstrap picks the initial selection without resetting or pushing
// anything: the version active in the configured environment when the
// catalog has it, otherwise the first catalog entry. A fallback selection is
// activated on the backend by the next SubmitTurn.
func (c *Controller) Bootstrap(ctx context.Context) (Selection, error) {
	prompts, err := c.catalog.Prompts(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("load prompts: %w", err)
	}
	if len(prompts) == 0 {
		return Selection{}, nil
	}

	c.mu.Lock()
	env := c.cfg.Environment
	c.mu.Unlock()

	chosen, adopted := prompts[0], false
	active, err := c.gw.ActiveVersions(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("active versions unavailable, using first prompt")
	} else if version := active.For(env); version != "" {
		if p, ok, _ := c.catalog.Lookup(ctx, version); ok {
			chosen, adopted = p, true
		}
	}

	sel := Selection{Version: chosen.Version, Name: chosen.Name, Content: chosen.Prompt}
	c.switchMu.Lock()
	c.mu.Lock()
	c.selection = sel
	c.hasSelection = true
	c.bound = adopted
	c.mu.Unlock()
	c.switchMu.Unlock()
	return sel, nil
}

// History returns up to limit archived turns of this session, oldest first.
func (c *Controller) History(ctx context.Context, limit int) ([]ports.Turn, error) {
	if c.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return c.archive.LoadTranscript(ctx, c.id, limit)
}

// Close cancels every poller. Later submissions fail with ErrClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelPollers()
	c.stop()
	return nil
}

func (c *Controller) cancelPollers() int {
	c.mu.Lock()
	pending := make([]*poller.Poller, 0, len(c.pollers))
	for _, p := range c.pollers {
		pending = append(pending, p)
	}
	c.pollers = make(map[conversation.TurnID]*poller.Poller)
	c.mu.Unlock()

	for _, p := range pending {
		p.Cancel()
	}
	return len(pending)
}

func (c *Controller) forget(id conversation.TurnID) {
	c.mu.Lock()
	delete(c.pollers, id)
	c.mu.Unlock()
}

// settled runs on the poller's goroutine once it reaches a terminal state.
func (c *Controller) settled(userID conversation.TurnID, out poller.Outcome) {
	c.forget(out.TurnID)
	c.tracer.Event(c.baseCtx, "turn_settled", map[string]any{
		"turn_id":  uint32(out.TurnID),
		"state":    out.State.String(),
		"attempts": out.Attempts,
	})

	switch out.State {
	case poller.StateFailed:
		c.notify(c.baseCtx, ports.LevelError, "No response",
			"could not fetch the response for this message", out.Err, uint32(out.TurnID))
	case poller.StateCompleted:
		c.archiveExchange(userID, out)
	}
}

func (c *Controller) archiveExchange(userID conversation.TurnID, out poller.Outcome) {
	if c.archive == nil {
		return
	}
	epoch, turns := c.log.Snapshot()
	if epoch != out.Epoch {
		return
	}
	for _, turn := range turns {
		if turn.ID != userID && turn.ID != out.TurnID {
			continue
		}
		err := c.archive.SaveTurn(c.baseCtx, c.id, uint64(epoch), ports.Turn{
			ID:        uint32(turn.ID),
			Role:      string(turn.Role),
			Content:   turn.Text,
			CreatedAt: turn.CreatedAt,
		})
		if err != nil {
			c.logger.Warn().Err(err).Uint32("turn_id", uint32(turn.ID)).Msg("archive turn failed")
		}
	}
}

func (c *Controller) notify(ctx context.Context, level ports.Level, title, msg string, err error, turnID uint32) {
	c.notifier.Notify(ctx, ports.Notification{
		Level:   level,
		Title:   title,
		Message: msg,
		Err:     err,
		TurnID:  turnID,
		At:      time.Now(),
	})
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, ports.Notification) {}

type nopTracer struct{}

func (nopTracer) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopTracer) Event(context.Context, string, map[string]any) {}
