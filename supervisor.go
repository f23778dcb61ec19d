package brains

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// stays this far behind is disconnected; it replays the log to catch up.
const subscriberBuffer = 256

// feed multicasts a run's appended events to live subscribers. It outlives
// individual supervisor incarnations so a watcher survives suspensions.
type feed struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan Event)}
}

// subscribe registers a live subscriber. The returned cancel is idempotent.
func (f *feed) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

// publish delivers to every subscriber without blocking. A full subscriber
// is dropped rather than allowed to stall the run.
func (f *feed) publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- e:
		default:
			delete(f.subs, id)
			close(ch)
		}
	}
}

// close disconnects all subscribers. Called when the run reaches a terminal
// status.
func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

// supervisor owns one incarnation of one run: it drives the stream on a
// single goroutine, appends each event to the log before letting the stream
// produce the next, and multicasts the appended event to the live feed.
// Durable before observable.
type supervisor struct {
	rt    *Runtime
	run   Run
	brain *Brain

	signals     *signalQueue
	agentActive atomic.Bool
	llmActive   atomic.Bool
}

// execute runs the stream to its next suspension or terminal point. resume
// is nil for a fresh run; initial is the user's initial-state override.
func (s *supervisor) execute(ctx context.Context, resume *ResumeContext, initial State) {
	defer s.rt.dropSupervisor(s.run.ID)

	token := NewID()
	owned, err := s.rt.store.AcquireRunOwner(ctx, s.run.ID, token)
	if err != nil || !owned {
		s.rt.logger.Error("run ownership not acquired", "run", s.run.ID, "error", err)
		return
	}
	defer func() {
		if err := s.rt.store.ReleaseRunOwner(context.WithoutCancel(ctx), s.run.ID, token); err != nil {
			s.rt.logger.Warn("run ownership release failed", "run", s.run.ID, "error", err)
		}
	}()

	if err := s.rt.store.UpdateRunStatus(ctx, s.run.ID, RunRunning, 0); err != nil {
		s.rt.logger.Error("run status update failed", "run", s.run.ID, "error", err)
		return
	}
	s.agentActive.Store(resume != nil && resume.Agent != nil)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := NewStream(StreamConfig{
		Brain:        s.brain,
		RunID:        s.run.ID,
		Options:      s.run.Options,
		InitialState: initial,
		Resume:       resume,
		LLM:          s.rt.llm,
		Gate:         s.rt.gate,
		Env:          s.rt.env,
		Services:     s.rt.services,
		Logger:       s.rt.logger,
		Tracer:       s.rt.tracer,
		signals:      s.signals,
		onLLMCall:    func(active bool) { s.llmActive.Store(active) },
	})
	stream.Start(streamCtx)

	stopHB := s.startHeartbeat(streamCtx)
	defer stopHB()

	fd := s.rt.feedFor(s.run.ID)
	for e := range stream.Events() {
		seq, err := s.rt.store.AppendEvent(ctx, s.run.ID, e)
		if err != nil {
			s.rt.logger.Error("event append failed", "run", s.run.ID, "type", e.Type, "error", err)
			cancel()
			// Drain so the generator can observe cancellation and return.
			for range stream.Events() {
			}
			break
		}
		e.Seq = seq
		s.observe(e)
		fd.publish(e)
	}

	s.finish(ctx, stream)
}

// observe tracks whether an agent sub-loop is in flight, which gates
// USER_MESSAGE legality.
func (s *supervisor) observe(e Event) {
	switch e.Type {
	case EventAgentStart, EventAgentIteration:
		s.agentActive.Store(true)
	case EventAgentComplete, EventAgentAssistantMessage,
		EventAgentTokenLimit, EventAgentIterationLimit,
		EventStepComplete, EventError, EventPaused, EventKilled, EventWebhook:
		s.agentActive.Store(false)
	}
}

// startHeartbeat multicasts HEARTBEAT to live subscribers while an LLM call
// is in flight. Heartbeats are never persisted.
func (s *supervisor) startHeartbeat(ctx context.Context) func() {
	interval := s.rt.heartbeat
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				if s.llmActive.Load() {
					s.rt.feedFor(s.run.ID).publish(Event{
						Type: EventHeartbeat, RunID: s.run.ID, At: time.Now().UnixMilli(),
					})
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// finish maps the stream outcome onto the run record and the wait tables.
func (s *supervisor) finish(ctx context.Context, stream *Stream) {
	ctx = context.WithoutCancel(ctx)
	switch stream.Outcome() {
	case OutcomeComplete:
		s.setStatus(ctx, RunComplete, NowUnix())
		s.rt.closeFeed(s.run.ID)
	case OutcomeError:
		s.setStatus(ctx, RunError, NowUnix())
		s.rt.closeFeed(s.run.ID)
	case OutcomeKilled:
		s.setStatus(ctx, RunKilled, NowUnix())
		s.rt.closeFeed(s.run.ID)
	case OutcomePaused:
		s.setStatus(ctx, RunPaused, 0)
	case OutcomeWaiting:
		if err := s.rt.store.PutWebhookWait(ctx, s.run.ID, stream.WaitFor()); err != nil {
			s.rt.logger.Error("webhook wait record failed", "run", s.run.ID, "error", err)
		}
		s.setStatus(ctx, RunWaiting, 0)
		s.rt.armWebhookTimeout(s.run.ID, stream.WaitFor())
	case OutcomeAborted:
		// Host shutdown or append failure: leave RUNNING for recovery to
		// pick the run back up from the log.
		s.rt.logger.Warn("stream aborted", "run", s.run.ID)
	}
}

func (s *supervisor) setStatus(ctx context.Context, status RunStatus, completedAt int64) {
	if err := s.rt.store.UpdateRunStatus(ctx, s.run.ID, status, completedAt); err != nil {
		s.rt.logger.Error("run status update failed", "run", s.run.ID, "status", status, "error", err)
	}
}
