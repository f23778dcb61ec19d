package brains

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func counterBrain() *Brain {
	return NewBrain("Counter",
		WithStep("Increment", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			next := NormalizeState(sc.State)
			next["count"] = next["count"].(float64) + 1
			return StepResult{State: next}, nil
		}),
	)
}

func TestStreamCounterEventOrder(t *testing.T) {
	s := NewStream(StreamConfig{
		Brain:        counterBrain(),
		RunID:        "run-1",
		InitialState: State{"count": 0},
	})
	events := drainStream(t, s)

	want := []EventType{
		EventStart,
		EventStepStatus,
		EventStepStart,
		EventStepStatus,
		EventStepComplete,
		EventStepStatus,
		EventComplete,
	}
	if !reflect.DeepEqual(eventTypes(events), want) {
		t.Fatalf("event order = %v, want %v", eventTypes(events), want)
	}

	complete := firstOfType(t, events, EventStepComplete)
	wantPatch := Patch{{Op: "replace", Path: "/count", Value: float64(1)}}
	if !reflect.DeepEqual(complete.Patch, wantPatch) {
		t.Errorf("patch = %+v, want %+v", complete.Patch, wantPatch)
	}
	if s.Outcome() != OutcomeComplete {
		t.Errorf("outcome = %s, want %s", s.Outcome(), OutcomeComplete)
	}
	if s.FinalState()["count"] != float64(1) {
		t.Errorf("final count = %v, want 1", s.FinalState()["count"])
	}
	for _, e := range events {
		if e.RunID != "run-1" {
			t.Errorf("event %s runId = %q, want run-1", e.Type, e.RunID)
		}
	}
}

func TestStreamTwoStepsOrderedPatches(t *testing.T) {
	b := NewBrain("UppercaseThenCount",
		WithStep("Uppercase String", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			next := NormalizeState(sc.State)
			next["value"] = strings.ToUpper(next["value"].(string))
			return StepResult{State: next}, nil
		}),
		WithStep("Increment Counter", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			next := NormalizeState(sc.State)
			next["count"] = next["count"].(float64) + 1
			return StepResult{State: next}, nil
		}),
	)
	s := NewStream(StreamConfig{
		Brain:        b,
		RunID:        "run-two",
		InitialState: State{"value": "test", "count": 0},
	})
	events := drainStream(t, s)

	var patches []Patch
	for _, e := range events {
		if e.Type == EventStepComplete {
			patches = append(patches, e.Patch)
		}
	}
	want := []Patch{
		{{Op: "replace", Path: "/value", Value: "TEST"}},
		{{Op: "replace", Path: "/count", Value: float64(1)}},
	}
	if !reflect.DeepEqual(patches, want) {
		t.Errorf("patches = %+v, want %+v", patches, want)
	}
	final := s.FinalState()
	if final["value"] != "TEST" || final["count"] != float64(1) {
		t.Errorf("final state = %v, want value=TEST count=1", final)
	}
	// Replaying the log reproduces the final state.
	folded, err := FoldState(events)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if !reflect.DeepEqual(folded, final) {
		t.Errorf("folded state = %v, final = %v", folded, final)
	}
}

func TestStreamStepErrorAfterRetry(t *testing.T) {
	calls := 0
	b := NewBrain("AlwaysFails",
		WithStep("Explode", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			calls++
			return StepResult{}, fmt.Errorf("Test error")
		}),
	)
	s := NewStream(StreamConfig{Brain: b, RunID: "run-err"})
	events := drainStream(t, s)

	if calls != 2 {
		t.Errorf("step calls = %d, want 2 (one retry)", calls)
	}
	if countOfType(events, EventStepRetry) != 1 {
		t.Errorf("STEP_RETRY count = %d, want 1", countOfType(events, EventStepRetry))
	}
	errEvent := firstOfType(t, events, EventError)
	if errEvent.Error == nil || errEvent.Error.Name != "Error" || errEvent.Error.Message != "Test error" {
		t.Errorf("error = %+v, want {Error, Test error}", errEvent.Error)
	}
	if countOfType(events, EventStepComplete) != 0 {
		t.Error("failed step must not emit STEP_COMPLETE")
	}
	// Last STEP_STATUS shows the step in ERROR.
	var lastStatus Event
	for _, e := range events {
		if e.Type == EventStepStatus {
			lastStatus = e
		}
	}
	if lastStatus.Steps[0].Status != StepError {
		t.Errorf("final step status = %s, want %s", lastStatus.Steps[0].Status, StepError)
	}
	if s.Outcome() != OutcomeError {
		t.Errorf("outcome = %s, want %s", s.Outcome(), OutcomeError)
	}
}

func TestStreamRetrySucceedsSecondAttempt(t *testing.T) {
	calls := 0
	b := NewBrain("FlakyOnce",
		WithStep("Flaky", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			calls++
			if calls == 1 {
				return StepResult{}, fmt.Errorf("transient")
			}
			return StepResult{State: State{"ok": true}}, nil
		}),
	)
	s := NewStream(StreamConfig{Brain: b, RunID: "run-flaky"})
	events := drainStream(t, s)

	if countOfType(events, EventStepRetry) != 1 {
		t.Errorf("STEP_RETRY count = %d, want 1", countOfType(events, EventStepRetry))
	}
	if countOfType(events, EventError) != 0 {
		t.Error("recovered step must not emit ERROR")
	}
	if s.Outcome() != OutcomeComplete {
		t.Errorf("outcome = %s, want %s", s.Outcome(), OutcomeComplete)
	}
}

func TestStreamStepPanicBecomesError(t *testing.T) {
	b := NewBrain("Panics",
		WithStep("Boom", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			panic("kaboom")
		}),
	)
	s := NewStream(StreamConfig{Brain: b, RunID: "run-panic"})
	events := drainStream(t, s)

	errEvent := firstOfType(t, events, EventError)
	if errEvent.Error.Message != "step panic: kaboom" {
		t.Errorf("message = %q, want %q", errEvent.Error.Message, "step panic: kaboom")
	}
	if s.Outcome() != OutcomeError {
		t.Errorf("outcome = %s, want %s", s.Outcome(), OutcomeError)
	}
}

func TestStreamGuardClosesRun(t *testing.T) {
	ran := false
	b := NewBrain("Guarded",
		WithGuard("OnlyWhenEnabled", func(state State, options State) bool {
			return options["enabled"] == true
		}),
		WithStep("Never", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			ran = true
			return StepResult{State: sc.State}, nil
		}),
	)
	s := NewStream(StreamConfig{Brain: b, RunID: "run-guard", Options: State{"enabled": false}})
	events := drainStream(t, s)

	if ran {
		t.Error("guarded step ran")
	}
	guardComplete := firstOfType(t, events, EventStepComplete)
	if len(guardComplete.Patch) != 0 {
		t.Errorf("guard patch = %+v, want none", guardComplete.Patch)
	}
	var lastStatus Event
	for _, e := range events {
		if e.Type == EventStepStatus {
			lastStatus = e
		}
	}
	if lastStatus.Steps[1].Status != StepSkipped {
		t.Errorf("skipped step status = %s, want %s", lastStatus.Steps[1].Status, StepSkipped)
	}
	if s.Outcome() != OutcomeComplete {
		t.Errorf("outcome = %s, want %s", s.Outcome(), OutcomeComplete)
	}
}

func TestStreamGuardOpenContinues(t *testing.T) {
	b := NewBrain("GuardOpen",
		WithGuard("Always", func(state State, options State) bool { return true }),
		WithStep("After", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			return StepResult{State: State{"after": true}}, nil
		}),
	)
	s := NewStream(StreamConfig{Brain: b, RunID: "run-guard-open"})
	drainStream(t, s)
	if s.FinalState()["after"] != true {
		t.Errorf("final state = %v, want after=true", s.FinalState())
	}
}

func TestStreamWebhookSuspension(t *testing.T) {
	regs := []WebhookRegistration{{Slug: "approvals", Identifier: "req-1", TimeoutSeconds: 60}}
	b := NewBrain("WaitsForApproval",
		WithStep("Request", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			next := NormalizeState(sc.State)
			next["requested"] = true
			return StepResult{State: next, WaitFor: regs}, nil
		}),
		WithStep("AfterApproval", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			return StepResult{State: sc.State}, nil
		}),
	)
	s := NewStream(StreamConfig{Brain: b, RunID: "run-wait"})
	events := drainStream(t, s)

	// The state delta lands before the suspension.
	complete := firstOfType(t, events, EventStepComplete)
	if len(complete.Patch) == 0 {
		t.Error("suspending step recorded no patch")
	}
	webhook := firstOfType(t, events, EventWebhook)
	if !reflect.DeepEqual(webhook.WaitFor, regs) {
		t.Errorf("waitFor = %+v, want %+v", webhook.WaitFor, regs)
	}
	if s.Outcome() != OutcomeWaiting {
		t.Errorf("outcome = %s, want %s", s.Outcome(), OutcomeWaiting)
	}
	if !reflect.DeepEqual(s.WaitFor(), regs) {
		t.Errorf("stream WaitFor = %+v, want %+v", s.WaitFor(), regs)
	}
	// The second step never started.
	if got := countOfType(events, EventStepStart); got != 1 {
		t.Errorf("STEP_START count = %d, want 1", got)
	}
}

func TestStreamNestedBrainEvents(t *testing.T) {
	inner := NewBrain("Inner",
		WithStep("Double", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			next := NormalizeState(sc.State)
			next["value"] = next["value"].(float64) * 2
			return StepResult{State: next}, nil
		}),
	)
	outer := NewBrain("Outer",
		WithBrain("RunInner", inner,
			func(outerState State) State { return State{"value": outerState["seed"]} },
			func(outerState, innerState State) State {
				next := NormalizeState(outerState)
				next["doubled"] = innerState["value"]
				return next
			},
		),
	)

	s := NewStream(StreamConfig{Brain: outer, RunID: "run-nested", InitialState: State{"seed": 21}})
	events := drainStream(t, s)

	if s.Outcome() != OutcomeComplete {
		t.Fatalf("outcome = %s, err = %v", s.Outcome(), s.Err())
	}
	if s.FinalState()["doubled"] != float64(42) {
		t.Errorf("doubled = %v, want 42", s.FinalState()["doubled"])
	}

	// Exactly one inner START and one inner COMPLETE, both carrying the
	// nested step's id as the path.
	var innerStarts, innerCompletes int
	var innerPath []string
	for _, e := range events {
		if len(e.BrainPath) == 1 {
			switch e.Type {
			case EventStart:
				innerStarts++
				innerPath = e.BrainPath
				if e.BrainTitle != "Inner" {
					t.Errorf("inner START brainTitle = %q, want Inner", e.BrainTitle)
				}
			case EventComplete:
				innerCompletes++
			}
		}
	}
	if innerStarts != 1 || innerCompletes != 1 {
		t.Errorf("inner START/COMPLETE = %d/%d, want 1/1", innerStarts, innerCompletes)
	}

	// The path element is the outer step's id.
	var outerStatus Event
	for _, e := range events {
		if e.Type == EventStepStatus && len(e.BrainPath) == 0 {
			outerStatus = e
			break
		}
	}
	if len(innerPath) != 1 || innerPath[0] != outerStatus.Steps[0].ID {
		t.Errorf("inner path = %v, want [%s]", innerPath, outerStatus.Steps[0].ID)
	}
}

func TestStreamPauseBetweenBlocks(t *testing.T) {
	q := newSignalQueue()
	b := NewBrain("Pausable",
		WithStep("First", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			// Queued mid-step; honoured at the next block boundary.
			q.push(Signal{Type: SignalPause})
			return StepResult{State: State{"first": true}}, nil
		}),
		WithStep("Second", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			return StepResult{State: sc.State}, nil
		}),
	)
	s := NewStream(StreamConfig{Brain: b, RunID: "run-pause", signals: q})
	events := drainStream(t, s)

	firstOfType(t, events, EventPaused)
	if s.Outcome() != OutcomePaused {
		t.Errorf("outcome = %s, want %s", s.Outcome(), OutcomePaused)
	}
	if got := countOfType(events, EventStepStart); got != 1 {
		t.Errorf("STEP_START count = %d, want 1 (second step must not start)", got)
	}
}

func TestStreamKillBetweenBlocks(t *testing.T) {
	q := newSignalQueue()
	q.push(Signal{Type: SignalKill})
	s := NewStream(StreamConfig{Brain: counterBrain(), RunID: "run-kill", InitialState: State{"count": 0}, signals: q})
	events := drainStream(t, s)

	firstOfType(t, events, EventKilled)
	if s.Outcome() != OutcomeKilled {
		t.Errorf("outcome = %s, want %s", s.Outcome(), OutcomeKilled)
	}
	if countOfType(events, EventStepStart) != 0 {
		t.Error("killed before the first block, no step may start")
	}
}

func TestStreamBatchStep(t *testing.T) {
	var mu sync.Mutex
	seen := map[float64]bool{}
	b := NewBrain("BatchSquares",
		WithBatchStep("Square", BatchConfig{
			Key:  "squares",
			Over: func(state State) []any { return state["items"].([]any) },
			Item: func(ctx context.Context, sc *StepContext, item any) (any, error) {
				n := item.(float64)
				mu.Lock()
				seen[n] = true
				mu.Unlock()
				return n * n, nil
			},
			Concurrency: 2,
			ChunkSize:   2,
		}),
	)
	s := NewStream(StreamConfig{Brain: b, RunID: "run-batch", InitialState: State{"items": []any{1, 2, 3}}})
	events := drainStream(t, s)

	if s.Outcome() != OutcomeComplete {
		t.Fatalf("outcome = %s, err = %v", s.Outcome(), s.Err())
	}
	if len(seen) != 3 {
		t.Errorf("processed %d items, want 3", len(seen))
	}
	pairs := s.FinalState()["squares"].([]any)
	if len(pairs) != 3 {
		t.Fatalf("pairs = %v, want 3 entries", pairs)
	}
	// Ordered [item, output] pairs.
	first := pairs[0].([]any)
	if first[0] != float64(1) || first[1] != float64(1) {
		t.Errorf("pairs[0] = %v, want [1 1]", first)
	}
	last := pairs[2].([]any)
	if last[0] != float64(3) || last[1] != float64(9) {
		t.Errorf("pairs[2] = %v, want [3 9]", last)
	}

	// Batch progress surfaced through step snapshots.
	var sawProgress bool
	for _, e := range events {
		if e.Type == EventStepStatus && len(e.Steps) > 0 && e.Steps[0].Batch != nil {
			if e.Steps[0].Batch.Total == 3 {
				sawProgress = true
			}
		}
	}
	if !sawProgress {
		t.Error("no STEP_STATUS carried batch progress")
	}
}

func TestStreamBatchItemFallback(t *testing.T) {
	b := NewBrain("BatchFallback",
		WithBatchStep("Process", BatchConfig{
			Key:  "results",
			Over: func(state State) []any { return []any{"good", "bad"} },
			Item: func(ctx context.Context, sc *StepContext, item any) (any, error) {
				if item == "bad" {
					return nil, fmt.Errorf("no good")
				}
				return "ok", nil
			},
			OnError: func(item any, err error) (any, bool) {
				return "fallback", true
			},
		}),
	)
	s := NewStream(StreamConfig{Brain: b, RunID: "run-batch-fb"})
	drainStream(t, s)

	if s.Outcome() != OutcomeComplete {
		t.Fatalf("outcome = %s, err = %v", s.Outcome(), s.Err())
	}
	pairs := s.FinalState()["results"].([]any)
	bad := pairs[1].([]any)
	if bad[1] != "fallback" {
		t.Errorf("failed item output = %v, want fallback", bad[1])
	}
}

func TestStreamStateNormalizedOnEmission(t *testing.T) {
	b := NewBrain("IntState",
		WithStep("SetInt", func(ctx context.Context, sc *StepContext) (StepResult, error) {
			return StepResult{State: State{"n": 7}}, nil
		}),
	)
	s := NewStream(StreamConfig{Brain: b, RunID: "run-norm"})
	events := drainStream(t, s)

	complete := firstOfType(t, events, EventStepComplete)
	raw, err := json.Marshal(complete.Patch)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `[{"op":"add","path":"/n","value":7}]` {
		t.Errorf("patch JSON = %s", raw)
	}
}
