package brains

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is the cadence of HEARTBEAT multicasts during
// long LLM calls.
const DefaultHeartbeatInterval = 15 * time.Second

// Runtime hosts registered brains and their runs: it creates runs, owns
// their supervisors, routes signals and webhook responses, and recovers
// interrupted runs from the event log after a process restart.
type Runtime struct {
	store     Store
	llm       LLMClient
	gate      *LLMGate
	env       map[string]string
	services  *Services
	logger    *slog.Logger
	tracer    Tracer
	heartbeat time.Duration

	mu       sync.Mutex
	brains   map[string]*Brain
	active   map[string]*supervisor
	feeds    map[string]*feed
	timers   map[string]*time.Timer
	webhooks map[string]WebhookHandler

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLLM sets the LLM client handed to steps and agents.
func WithLLM(c LLMClient) RuntimeOption {
	return func(rt *Runtime) { rt.llm = c }
}

// WithLLMGate bounds concurrent LLM calls across all runs.
func WithLLMGate(g *LLMGate) RuntimeOption {
	return func(rt *Runtime) { rt.gate = g }
}

// WithEnv sets the environment map steps can read.
func WithEnv(env map[string]string) RuntimeOption {
	return func(rt *Runtime) { rt.env = env }
}

// WithServices sets the host facilities (resources, secrets, pages).
func WithServices(s *Services) RuntimeOption {
	return func(rt *Runtime) { rt.services = s }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(rt *Runtime) { rt.logger = l }
}

// WithTracer sets the span source. Nil skips tracing.
func WithTracer(t Tracer) RuntimeOption {
	return func(rt *Runtime) { rt.tracer = t }
}

// WithHeartbeatInterval sets the HEARTBEAT cadence. Zero disables
// heartbeats.
func WithHeartbeatInterval(d time.Duration) RuntimeOption {
	return func(rt *Runtime) { rt.heartbeat = d }
}

// NewRuntime creates a runtime over a store.
func NewRuntime(store Store, opts ...RuntimeOption) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		store:      store,
		logger:     nopLogger,
		heartbeat:  DefaultHeartbeatInterval,
		brains:     make(map[string]*Brain),
		active:     make(map[string]*supervisor),
		feeds:      make(map[string]*feed),
		timers:     make(map[string]*time.Timer),
		webhooks:   make(map[string]WebhookHandler),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.logger == nil {
		rt.logger = nopLogger
	}
	return rt
}

// Close stops all supervisors and timers. In-flight runs are left in
// RUNNING for Recover to pick up on the next start.
func (rt *Runtime) Close() {
	rt.baseCancel()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, t := range rt.timers {
		t.Stop()
		delete(rt.timers, id)
	}
}

// Register adds a brain to the runtime's registry.
func (rt *Runtime) Register(b *Brain) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.brains[b.Title]; ok {
		return fmt.Errorf("brain %q already registered", b.Title)
	}
	rt.brains[b.Title] = b
	return nil
}

// Brains lists registered brains sorted by title.
func (rt *Runtime) Brains() []*Brain {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Brain, 0, len(rt.brains))
	for _, b := range rt.brains {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// GetBrain looks up one registered brain.
func (rt *Runtime) GetBrain(title string) (*Brain, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b, ok := rt.brains[title]
	if !ok {
		return nil, &NotFoundError{Kind: "brain", Key: title}
	}
	return b, nil
}

// StartRun creates and launches a run of a registered brain. Options are
// validated against the brain's options schema before anything is written.
func (rt *Runtime) StartRun(ctx context.Context, brainTitle string, options State) (Run, error) {
	return rt.StartRunWithState(ctx, brainTitle, options, nil)
}

// StartRunWithState additionally overrides the initial state (recorded on
// the START event, so replay still folds to the same result).
func (rt *Runtime) StartRunWithState(ctx context.Context, brainTitle string, options State, initial State) (Run, error) {
	b, err := rt.GetBrain(brainTitle)
	if err != nil {
		return Run{}, err
	}
	if err := ValidateSchema(b.OptionsSchema, options); err != nil {
		return Run{}, fmt.Errorf("options: %w", err)
	}
	run := Run{
		ID:         NewID(),
		BrainTitle: brainTitle,
		Status:     RunRunning,
		Options:    NormalizeState(options),
		CreatedAt:  NowUnix(),
	}
	if err := rt.store.CreateRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	rt.spawn(run, b, nil, initial)
	rt.logger.Info("run started", "run", run.ID, "brain", brainTitle)
	return run, nil
}

// spawn launches a supervisor incarnation for a run.
func (rt *Runtime) spawn(run Run, b *Brain, rc *ResumeContext, initial State) {
	sup := &supervisor{rt: rt, run: run, brain: b, signals: newSignalQueue()}
	rt.mu.Lock()
	rt.active[run.ID] = sup
	rt.mu.Unlock()
	go sup.execute(rt.baseCtx, rc, initial)
}

func (rt *Runtime) dropSupervisor(runID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.active, runID)
}

func (rt *Runtime) supervisorFor(runID string) *supervisor {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.active[runID]
}

// feedFor returns the run's live feed, creating it on first use.
func (rt *Runtime) feedFor(runID string) *feed {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	f, ok := rt.feeds[runID]
	if !ok {
		f = newFeed()
		rt.feeds[runID] = f
	}
	return f
}

func (rt *Runtime) closeFeed(runID string) {
	rt.mu.Lock()
	f := rt.feeds[runID]
	delete(rt.feeds, runID)
	rt.mu.Unlock()
	if f != nil {
		f.close()
	}
}

// GetRun fetches one run record.
func (rt *Runtime) GetRun(ctx context.Context, runID string) (Run, error) {
	return rt.store.GetRun(ctx, runID)
}

// History lists a brain's runs, newest first.
func (rt *Runtime) History(ctx context.Context, brainTitle string, limit int) ([]Run, error) {
	if _, err := rt.GetBrain(brainTitle); err != nil {
		return nil, err
	}
	return rt.store.ListRuns(ctx, brainTitle, limit)
}

// Events returns a run's full event log in append order.
func (rt *Runtime) Events(ctx context.Context, runID string) ([]Event, error) {
	if _, err := rt.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return rt.store.ListEvents(ctx, runID)
}

// Subscribe attaches a live subscriber to a run's feed. The channel closes
// when the run reaches a terminal status or the subscriber falls behind;
// callers replay the log to catch up after either.
func (rt *Runtime) Subscribe(runID string) (<-chan Event, func()) {
	return rt.feedFor(runID).subscribe()
}

// Signal applies an out-of-band signal to a run, enforcing legality at the
// boundary: an illegal signal is rejected synchronously with a SignalError
// and writes nothing.
func (rt *Runtime) Signal(ctx context.Context, runID string, sig Signal) error {
	run, err := rt.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	sup := rt.supervisorFor(runID)

	switch sig.Type {
	case SignalPause:
		if run.Status != RunRunning || sup == nil {
			return &SignalError{Signal: sig.Type, Status: run.Status, Reason: "run is not executing"}
		}
		sup.signals.push(sig)
		return nil

	case SignalKill:
		if sup != nil {
			sup.signals.push(sig)
			return nil
		}
		switch run.Status {
		case RunPaused, RunWaiting:
			return rt.killIdle(ctx, run)
		default:
			return &SignalError{Signal: sig.Type, Status: run.Status, Reason: "run already finished"}
		}

	case SignalResume:
		return rt.Resume(ctx, runID)

	case SignalUserMessage:
		if sup == nil || !sup.agentActive.Load() {
			return &SignalError{Signal: sig.Type, Status: run.Status, Reason: "no agent in flight"}
		}
		sup.signals.push(sig)
		return nil

	case SignalWebhookResponse:
		var body struct {
			Response json.RawMessage `json:"response"`
		}
		payload := sig.Payload
		if json.Unmarshal(sig.Payload, &body) == nil && len(body.Response) > 0 {
			payload = body.Response
		}
		return rt.DeliverWebhookResponse(ctx, runID, payload)

	default:
		return &SignalError{Signal: sig.Type, Status: run.Status, Reason: "unknown signal type"}
	}
}

// killIdle terminates a run that has no executor (PAUSED or WAITING).
func (rt *Runtime) killIdle(ctx context.Context, run Run) error {
	if err := rt.appendDirect(ctx, run.ID, Event{Type: EventKilled, Options: run.Options}); err != nil {
		return err
	}
	if run.Status == RunWaiting {
		if err := rt.store.ClearWebhookWait(ctx, run.ID); err != nil {
			rt.logger.Warn("webhook wait clear failed", "run", run.ID, "error", err)
		}
		rt.cancelWebhookTimeout(run.ID)
	}
	if err := rt.store.UpdateRunStatus(ctx, run.ID, RunKilled, NowUnix()); err != nil {
		return err
	}
	rt.closeFeed(run.ID)
	rt.logger.Info("run killed", "run", run.ID)
	return nil
}

// Resume restarts a PAUSED run: RESUMED is recorded, then a new supervisor
// reconstructs the position from the log and continues.
func (rt *Runtime) Resume(ctx context.Context, runID string) error {
	run, err := rt.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != RunPaused {
		return &SignalError{Signal: SignalResume, Status: run.Status, Reason: "run is not paused"}
	}
	b, err := rt.GetBrain(run.BrainTitle)
	if err != nil {
		return err
	}
	if err := rt.appendDirect(ctx, runID, Event{Type: EventResumed, Options: run.Options}); err != nil {
		return err
	}
	events, err := rt.store.ListEvents(ctx, runID)
	if err != nil {
		return err
	}
	rc, err := Reconstruct(events)
	if err != nil {
		return fmt.Errorf("resume %s: %w", runID, err)
	}
	rt.spawn(run, b, rc, nil)
	rt.logger.Info("run resumed", "run", runID)
	return nil
}

// DeliverWebhookResponse hands a webhook payload to a WAITING run: the
// response is recorded, the wait cleared, and a new supervisor continues
// from the reconstructed position.
func (rt *Runtime) DeliverWebhookResponse(ctx context.Context, runID string, payload json.RawMessage) error {
	run, err := rt.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != RunWaiting {
		return &SignalError{Signal: SignalWebhookResponse, Status: run.Status, Reason: "run is not waiting"}
	}
	b, err := rt.GetBrain(run.BrainTitle)
	if err != nil {
		return err
	}
	if err := rt.appendDirect(ctx, runID, Event{Type: EventWebhookResponse, Options: run.Options, Response: payload}); err != nil {
		return err
	}
	if err := rt.store.ClearWebhookWait(ctx, runID); err != nil {
		rt.logger.Warn("webhook wait clear failed", "run", runID, "error", err)
	}
	rt.cancelWebhookTimeout(runID)

	events, err := rt.store.ListEvents(ctx, runID)
	if err != nil {
		return err
	}
	rc, err := Reconstruct(events)
	if err != nil {
		return fmt.Errorf("deliver %s: %w", runID, err)
	}
	rt.spawn(run, b, rc, nil)
	rt.logger.Info("webhook response delivered", "run", runID)
	return nil
}

// appendDirect appends a supervisor-less event (RESUMED, KILLED,
// WEBHOOK_RESPONSE) and multicasts it.
func (rt *Runtime) appendDirect(ctx context.Context, runID string, e Event) error {
	e.RunID = runID
	e.At = time.Now().UnixMilli()
	seq, err := rt.store.AppendEvent(ctx, runID, e)
	if err != nil {
		return err
	}
	e.Seq = seq
	rt.feedFor(runID).publish(e)
	return nil
}

// armWebhookTimeout schedules the synthetic timeout response for the
// tightest positive deadline among a wait's registrations.
func (rt *Runtime) armWebhookTimeout(runID string, regs []WebhookRegistration) {
	deadline := 0
	for _, r := range regs {
		if r.TimeoutSeconds > 0 && (deadline == 0 || r.TimeoutSeconds < deadline) {
			deadline = r.TimeoutSeconds
		}
	}
	if deadline == 0 {
		return
	}
	t := time.AfterFunc(time.Duration(deadline)*time.Second, func() {
		rt.mu.Lock()
		delete(rt.timers, runID)
		rt.mu.Unlock()
		err := rt.DeliverWebhookResponse(rt.baseCtx, runID, json.RawMessage(WebhookTimeoutSentinel))
		if err != nil {
			rt.logger.Warn("webhook timeout delivery failed", "run", runID, "error", err)
		} else {
			rt.logger.Info("webhook wait timed out", "run", runID)
		}
	})
	rt.mu.Lock()
	rt.timers[runID] = t
	rt.mu.Unlock()
}

func (rt *Runtime) cancelWebhookTimeout(runID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if t, ok := rt.timers[runID]; ok {
		t.Stop()
		delete(rt.timers, runID)
	}
}

// Recover picks up where a previous process left off: RUNNING runs are
// restarted from their logs, WAITING runs get their timeout timers re-armed.
// Call once at startup, after all brains are registered.
func (rt *Runtime) Recover(ctx context.Context) error {
	running, err := rt.store.ListRunsByStatus(ctx, RunRunning)
	if err != nil {
		return err
	}
	for _, run := range running {
		b, err := rt.GetBrain(run.BrainTitle)
		if err != nil {
			rt.logger.Error("orphaned run has no registered brain", "run", run.ID, "brain", run.BrainTitle)
			continue
		}
		events, err := rt.store.ListEvents(ctx, run.ID)
		if err != nil {
			return err
		}
		rc, err := Reconstruct(events)
		if err != nil {
			rt.logger.Error("orphaned run reconstruction failed", "run", run.ID, "error", err)
			continue
		}
		rt.spawn(run, b, rc, nil)
		rt.logger.Info("run recovered", "run", run.ID, "brain", run.BrainTitle)
	}

	waiting, err := rt.store.ListRunsByStatus(ctx, RunWaiting)
	if err != nil {
		return err
	}
	for _, run := range waiting {
		regs, err := rt.store.GetWebhookWait(ctx, run.ID)
		if err != nil {
			rt.logger.Warn("webhook wait read failed", "run", run.ID, "error", err)
			continue
		}
		rt.armWebhookTimeout(run.ID, regs)
	}
	return nil
}
