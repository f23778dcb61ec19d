package brains

import (
	"context"
	"log/slog"
	"time"
)

// StreamOutcome reports how a stream's generator returned.
type StreamOutcome string

const (
	// OutcomeComplete: the final block succeeded and COMPLETE was emitted.
	OutcomeComplete StreamOutcome = "complete"
	// OutcomeError: a block failed twice (or an author error surfaced).
	OutcomeError StreamOutcome = "error"
	// OutcomeWaiting: a WEBHOOK event was emitted; the run awaits delivery.
	OutcomeWaiting StreamOutcome = "waiting"
	// OutcomePaused: a PAUSE signal was honoured at a safe point.
	OutcomePaused StreamOutcome = "paused"
	// OutcomeKilled: a KILL signal was honoured at a safe point.
	OutcomeKilled StreamOutcome = "killed"
	// OutcomeAborted: the consumer cancelled its context mid-stream.
	OutcomeAborted StreamOutcome = "aborted"
)

// StreamConfig is everything a stream needs to drive one run.
type StreamConfig struct {
	Brain        *Brain
	RunID        string
	Options      State
	InitialState State
	// Resume positions the stream mid-run; nil starts from the top.
	Resume   *ResumeContext
	LLM      LLMClient
	Gate     *LLMGate
	Env      map[string]string
	Services *Services
	Logger   *slog.Logger
	Tracer   Tracer

	// signals is the run's FIFO, consulted at safe points. Set by the
	// supervisor; nil means no signal delivery (tests drive streams bare).
	signals *signalQueue
	// onLLMCall is toggled around LLM calls so the supervisor can emit
	// heartbeats while a call is in flight.
	onLLMCall func(active bool)
}

// Stream lazily produces the event sequence of one run. Events are sent on
// an unbuffered channel: the generator does not advance past an event until
// the consumer has accepted it, so no state change ever outruns its record.
type Stream struct {
	cfg    StreamConfig
	logger *slog.Logger

	events chan Event

	// Terminal description, valid once the events channel is closed.
	outcome    StreamOutcome
	finalState State
	runErr     *ErrorValue
	waitFor    []WebhookRegistration
}

// levelExit says how one nesting level of the block walk returned.
type levelExit int

const (
	exitComplete levelExit = iota
	exitWaiting
	exitPaused
	exitKilled
	exitError
	exitAborted
)

// NewStream creates a stream; call Start to launch the generator.
func NewStream(cfg StreamConfig) *Stream {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &Stream{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event),
	}
}

// Events returns the channel the generator emits on. It is closed when the
// stream returns; inspect Outcome afterwards.
func (s *Stream) Events() <-chan Event { return s.events }

// Outcome reports how the generator returned. Valid after Events closes.
func (s *Stream) Outcome() StreamOutcome { return s.outcome }

// FinalState returns the state as of the last emitted event.
func (s *Stream) FinalState() State { return s.finalState }

// Err returns the recorded error for OutcomeError streams.
func (s *Stream) Err() *ErrorValue { return s.runErr }

// WaitFor returns the outstanding registrations for OutcomeWaiting streams.
func (s *Stream) WaitFor() []WebhookRegistration { return s.waitFor }

// Start launches the generator goroutine.
func (s *Stream) Start(ctx context.Context) {
	go s.run(ctx)
}

// emit sends one event, stamping the envelope. Returns false when the
// consumer's context is gone, which aborts the generator.
func (s *Stream) emit(ctx context.Context, e Event) bool {
	e.RunID = s.cfg.RunID
	e.Options = s.cfg.Options
	e.At = time.Now().UnixMilli()
	select {
	case s.events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

// run is the generator body: emission protocol per the engine contract.
func (s *Stream) run(ctx context.Context) {
	defer close(s.events)

	var span Span
	if s.cfg.Tracer != nil {
		ctx, span = s.cfg.Tracer.Start(ctx, "brain.run",
			StringAttr("brain.title", s.cfg.Brain.Title),
			StringAttr("run.id", s.cfg.RunID))
		defer span.End()
	}

	state := NormalizeState(s.cfg.InitialState)
	var frames []Frame
	var agent *AgentResume
	var response []byte
	restart := false

	if rc := s.cfg.Resume; rc != nil {
		state = NormalizeState(rc.State)
		frames = rc.Frames
		agent = rc.Agent
		response = rc.Response
		restart = rc.Restarted
	}

	first := Event{Type: EventStart, BrainTitle: s.cfg.Brain.Title, InitialState: state}
	if restart {
		first.Type = EventRestart
	}
	if !s.emit(ctx, first) {
		s.finish(OutcomeAborted, state, span)
		return
	}

	lvl := &level{
		stream:   s,
		blocks:   s.cfg.Brain.Blocks,
		state:    state,
		path:     nil,
		frames:   frames,
		agent:    agent,
		response: response,
	}
	finalState, exit := lvl.run(ctx)

	switch exit {
	case exitComplete:
		if !s.emit(ctx, Event{Type: EventComplete}) {
			s.finish(OutcomeAborted, finalState, span)
			return
		}
		s.finish(OutcomeComplete, finalState, span)
	case exitWaiting:
		s.waitFor = lvl.waitFor
		s.finish(OutcomeWaiting, finalState, span)
	case exitPaused:
		s.finish(OutcomePaused, finalState, span)
	case exitKilled:
		s.finish(OutcomeKilled, finalState, span)
	case exitError:
		s.runErr = lvl.err
		s.finish(OutcomeError, finalState, span)
	default:
		s.finish(OutcomeAborted, finalState, span)
	}
}

func (s *Stream) finish(o StreamOutcome, state State, span Span) {
	s.outcome = o
	s.finalState = state
	if span != nil {
		span.SetAttr(StringAttr("run.outcome", string(o)))
		if s.runErr != nil {
			span.Error(s.runErr)
		}
	}
}

// level walks one nesting depth of the block list. Nested brains create a
// child level; the execution stack is these explicit frames, never
// recursive ownership of state.
type level struct {
	stream *Stream
	blocks []Block
	state  State
	path   []string // enclosing nested-brain step ids, outermost first
	steps  []StepSnapshot

	// Resume positioning: frames[0] is this level, the rest belong to the
	// nested brain in progress at frames[0].StepIndex.
	frames   []Frame
	agent    *AgentResume
	response []byte

	// Exit details.
	waitFor []WebhookRegistration
	err     *ErrorValue
}

// run executes this level's blocks and returns the level's final state.
func (l *level) run(ctx context.Context) (State, levelExit) {
	start := 0
	var myFrame *Frame
	if len(l.frames) > 0 {
		myFrame = &l.frames[0]
		start = myFrame.StepIndex
	}

	l.initSteps(myFrame)
	if !l.emitStepStatus(ctx) {
		return l.state, exitAborted
	}

	for i := start; i < len(l.blocks); i++ {
		// Safe point: between blocks.
		if exit, done := l.checkSignals(ctx); done {
			return l.state, exit
		}

		blk := l.blocks[i]
		snap := &l.steps[i]
		snap.Status = StepRunning
		if !l.emit(ctx, Event{Type: EventStepStart, StepID: snap.ID, StepTitle: blk.Title, StepIndex: i}) {
			return l.state, exitAborted
		}
		if !l.emitStepStatus(ctx) {
			return l.state, exitAborted
		}

		var exit levelExit
		switch blk.Kind {
		case KindGuard:
			var guardOpen bool
			guardOpen, exit = l.runGuard(ctx, i, blk, snap)
			if exit == exitComplete && !guardOpen {
				return l.state, exitComplete
			}
		case KindStep:
			exit = l.runStep(ctx, i, blk, snap)
		case KindAgent:
			exit = l.runAgentBlock(ctx, i, blk, snap)
		case KindBrain:
			exit = l.runNested(ctx, i, blk, snap)
		}
		if exit != exitComplete {
			return l.state, exit
		}

		// A resume frame positions only the first executed block; later
		// blocks run fresh.
		l.frames = nil
		l.agent = nil
		l.response = nil
	}

	return l.state, exitComplete
}

// initSteps creates the step snapshots, reusing harvested ids and statuses
// when resuming so step identity is stable across process restarts.
func (l *level) initSteps(frame *Frame) {
	l.steps = make([]StepSnapshot, len(l.blocks))
	for i, blk := range l.blocks {
		if frame != nil && i < len(frame.Steps) && frame.Steps[i].ID != "" {
			l.steps[i] = frame.Steps[i]
			continue
		}
		l.steps[i] = StepSnapshot{
			ID:     NewID(),
			Title:  blk.Title,
			Kind:   blk.Kind,
			Status: StepPending,
		}
	}
}

func (l *level) emit(ctx context.Context, e Event) bool {
	e.BrainPath = l.path
	return l.stream.emit(ctx, e)
}

// emitStepStatus emits the full snapshot of this level's steps.
func (l *level) emitStepStatus(ctx context.Context) bool {
	steps := make([]StepSnapshot, len(l.steps))
	copy(steps, l.steps)
	return l.emit(ctx, Event{Type: EventStepStatus, Steps: steps})
}

// checkSignals services the run's signal queue at a safe point. Returns
// (exit, true) when the level must stop.
func (l *level) checkSignals(ctx context.Context) (levelExit, bool) {
	q := l.stream.cfg.signals
	if q == nil {
		return exitComplete, false
	}
	for {
		sig, ok := q.poll()
		if !ok {
			return exitComplete, false
		}
		switch sig.Type {
		case SignalPause:
			if !l.emit(ctx, Event{Type: EventPaused}) {
				return exitAborted, true
			}
			return exitPaused, true
		case SignalKill:
			if !l.emit(ctx, Event{Type: EventKilled}) {
				return exitAborted, true
			}
			return exitKilled, true
		default:
			// RESUME/USER_MESSAGE/WEBHOOK_RESPONSE are validated at the
			// signal boundary; one that leaks through to a block boundary
			// has nothing to act on here.
			l.stream.logger.Warn("signal ignored at block boundary",
				"run", l.stream.cfg.RunID, "signal", sig.Type)
		}
	}
}

// stepContext builds the per-invocation context for a block at this level.
func (l *level) stepContext() *StepContext {
	sc := &StepContext{
		State:    l.state,
		Options:  l.stream.cfg.Options,
		LLM:      l.stream.cfg.LLM,
		Env:      l.stream.cfg.Env,
		Services: l.stream.cfg.Services,
		Response: l.response,
	}
	if l.stream.cfg.Services != nil {
		sc.Page = l.stream.cfg.Services.Pages
	}
	return sc
}

// runGuard evaluates a guard predicate. On false, every remaining step is
// marked SKIPPED and the level completes (at the top level the run ends
// with COMPLETE). Returns open=false when the guard closed the level.
func (l *level) runGuard(ctx context.Context, i int, blk Block, snap *StepSnapshot) (bool, levelExit) {
	open := blk.Guard(l.state, l.stream.cfg.Options)
	snap.Status = StepComplete
	if !l.emit(ctx, Event{Type: EventStepComplete, StepID: snap.ID, StepTitle: blk.Title, StepIndex: i}) {
		return open, exitAborted
	}
	if !open {
		for j := i + 1; j < len(l.steps); j++ {
			l.steps[j].Status = StepSkipped
		}
	}
	if !l.emitStepStatus(ctx) {
		return open, exitAborted
	}
	return open, exitComplete
}

// runStep executes a plain or batch step: one retry on failure, patch from
// the structural diff, optional webhook suspension after the state lands.
func (l *level) runStep(ctx context.Context, i int, blk Block, snap *StepSnapshot) levelExit {
	pre := l.state

	var result StepResult
	var err error
	if blk.Batch != nil {
		var exit levelExit
		result, exit, err = l.runBatch(ctx, i, blk, snap)
		if exit != exitComplete {
			return exit
		}
	} else {
		result, err = l.invokeStep(ctx, i, blk, snap)
	}
	if err != nil {
		return l.failStep(ctx, i, blk, snap, err)
	}

	post := NormalizeState(result.State)
	patch := Diff(pre, post)
	// Land the state by applying the patch rather than trusting the step's
	// return value: replay folds the same patches, so both paths must agree.
	applied, applyErr := ApplyPatch(pre, patch)
	if applyErr != nil {
		return l.failStep(ctx, i, blk, snap, applyErr)
	}
	l.state = applied
	snap.Status = StepComplete
	snap.Patch = patch
	if !l.emit(ctx, Event{Type: EventStepComplete, StepID: snap.ID, StepTitle: blk.Title, StepIndex: i, Patch: patch}) {
		return exitAborted
	}
	if !l.emitStepStatus(ctx) {
		return exitAborted
	}

	if len(result.WaitFor) > 0 {
		if !l.emit(ctx, Event{Type: EventWebhook, WaitFor: result.WaitFor}) {
			return exitAborted
		}
		l.waitFor = result.WaitFor
		return exitWaiting
	}
	return exitComplete
}

// invokeStep runs the step action with the single-retry policy.
func (l *level) invokeStep(ctx context.Context, i int, blk Block, snap *StepSnapshot) (StepResult, error) {
	result, err := callStep(ctx, blk.Step, l.stepContext())
	if err == nil {
		return result, nil
	}
	if !l.emit(ctx, Event{Type: EventStepRetry, StepID: snap.ID, StepTitle: blk.Title, StepIndex: i, Error: toErrorValue(err)}) {
		return StepResult{}, ctx.Err()
	}
	l.stream.logger.Info("step retry", "run", l.stream.cfg.RunID, "step", blk.Title)
	return callStep(ctx, blk.Step, l.stepContext())
}

// callStep invokes a step function, converting panics into errors so an
// authoring bug fails the run instead of the process.
func callStep(ctx context.Context, fn StepFunc, sc *StepContext) (result StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewError("Error", "step panic: "+stringify(p))
		}
	}()
	return fn(ctx, sc)
}

// failStep records a twice-failed step and ends the run with ERROR.
func (l *level) failStep(ctx context.Context, i int, blk Block, snap *StepSnapshot, err error) levelExit {
	ev := toErrorValue(err)
	snap.Status = StepError
	if !l.emitStepStatus(ctx) {
		return exitAborted
	}
	if !l.emit(ctx, Event{Type: EventError, StepID: snap.ID, StepTitle: blk.Title, StepIndex: i, Error: ev}) {
		return exitAborted
	}
	l.err = ev
	l.stream.logger.Error("step failed", "run", l.stream.cfg.RunID, "step", blk.Title, "error", ev.Message)
	return exitError
}

// runNested drives a nested brain: project the inner state, forward every
// inner event with the extended path, reduce the final state back in.
func (l *level) runNested(ctx context.Context, i int, blk Block, snap *StepSnapshot) levelExit {
	outer := l.state
	innerPath := append(append([]string{}, l.path...), snap.ID)

	var innerFrames []Frame
	innerAgent := l.agent
	innerResponse := l.response
	resumed := false
	if len(l.frames) > 1 {
		innerFrames = l.frames[1:]
		resumed = true
	}

	innerInitial := NormalizeState(blk.InnerState(outer))
	innerState := innerInitial
	if resumed {
		innerState = NormalizeState(innerFrames[0].State)
	}

	startType := EventStart
	if resumed {
		startType = EventRestart
	}
	if !l.stream.emitAt(ctx, innerPath, Event{Type: startType, BrainTitle: blk.Inner.Title, InitialState: innerState}) {
		return exitAborted
	}

	child := &level{
		stream:   l.stream,
		blocks:   blk.Inner.Blocks,
		state:    innerState,
		path:     innerPath,
		frames:   innerFrames,
		agent:    innerAgent,
		response: innerResponse,
	}
	innerFinal, exit := child.run(ctx)
	if exit != exitComplete {
		l.waitFor = child.waitFor
		l.err = child.err
		return exit
	}
	if !l.stream.emitAt(ctx, innerPath, Event{Type: EventComplete}) {
		return exitAborted
	}

	reduced := NormalizeState(blk.Reduce(outer, innerFinal))
	patch := Diff(outer, reduced)
	applied, err := ApplyPatch(outer, patch)
	if err != nil {
		return l.failStep(ctx, i, blk, snap, err)
	}
	l.state = applied
	snap.Status = StepComplete
	snap.Patch = patch
	if !l.emit(ctx, Event{Type: EventStepComplete, StepID: snap.ID, StepTitle: blk.Title, StepIndex: i, Patch: patch}) {
		return exitAborted
	}
	if !l.emitStepStatus(ctx) {
		return exitAborted
	}
	return exitComplete
}

// emitAt emits with an explicit path (used for nested START/COMPLETE which
// belong to the child depth).
func (s *Stream) emitAt(ctx context.Context, path []string, e Event) bool {
	e.BrainPath = path
	return s.emit(ctx, e)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return slog.AnyValue(v).String()
}
