package brains

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame is one level of the reconstructed execution stack: the next block
// index to run, the folded state at that depth, and the harvested step
// snapshots (so ids and statuses survive process restarts). Frames are
// ordered outermost first.
type Frame struct {
	StepIndex int
	State     State
	Steps     []StepSnapshot
}

// AgentResume is the reconstructed conversation of an agent block that was
// active when the run suspended. A non-empty PendingToolCallID marks a
// webhook-bound tool call awaiting its payload.
type AgentResume struct {
	Messages          []AgentMessage
	PendingToolCallID string
	PendingToolName   string
	Iteration         int
	TotalTokens       int
}

// ResumeContext positions a stream mid-run. It is derived entirely from the
// persisted event log: the log is the only durable record, so whatever is
// not reconstructible from it does not survive a process restart.
type ResumeContext struct {
	State     State
	Frames    []Frame
	Agent     *AgentResume
	Response  json.RawMessage
	Restarted bool
}

// pathAgg accumulates one nesting depth's view of the log.
type pathAgg struct {
	path        []string
	state       State
	steps       []StepSnapshot
	nextIndex   int
	activeIndex int // block with STEP_START but no STEP_COMPLETE; -1 if none
	activeID    string
}

func pathKey(p []string) string { return strings.Join(p, "/") }

// Reconstruct rebuilds the resume position from a run's full event log.
// State folds each depth's STEP_COMPLETE patches over that depth's last
// START/RESTART initial state; the stack is the set of depths opened but
// not yet closed by a COMPLETE.
func Reconstruct(events []Event) (*ResumeContext, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("reconstruct: empty event log")
	}

	aggs := make(map[string]*pathAgg)
	var stack []string

	lastRestart := -1
	for i, e := range events {
		if e.Type == EventRestart && len(e.BrainPath) == 0 {
			lastRestart = i
		}
	}

	for _, e := range events {
		key := pathKey(e.BrainPath)
		switch e.Type {
		case EventStart, EventRestart:
			agg := aggs[key]
			if agg == nil || e.Type == EventStart {
				agg = &pathAgg{path: e.BrainPath, activeIndex: -1}
				aggs[key] = agg
			}
			agg.state = NormalizeState(e.InitialState)
			agg.activeIndex = -1
			if len(e.BrainPath) == 0 {
				stack = stack[:0]
			}
			stack = append(stack, key)
		case EventStepStatus:
			if agg := aggs[key]; agg != nil {
				agg.steps = e.Steps
			}
		case EventStepStart:
			if agg := aggs[key]; agg != nil {
				agg.activeIndex = e.StepIndex
				agg.activeID = e.StepID
			}
		case EventStepComplete:
			agg := aggs[key]
			if agg == nil {
				continue
			}
			next, err := ApplyPatch(agg.state, e.Patch)
			if err != nil {
				return nil, fmt.Errorf("reconstruct: fold patch for step %q: %w", e.StepTitle, err)
			}
			agg.state = next
			agg.nextIndex = e.StepIndex + 1
			if e.StepID == agg.activeID {
				agg.activeIndex = -1
				agg.activeID = ""
			}
		case EventComplete:
			// A nested brain closed; its frame pops. The top-level COMPLETE
			// is terminal and no reconstruction follows it.
			if len(e.BrainPath) > 0 && len(stack) > 0 && stack[len(stack)-1] == key {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if len(stack) == 0 {
		return nil, fmt.Errorf("reconstruct: no open frames (run never started?)")
	}

	rc := &ResumeContext{Restarted: true}
	for _, key := range stack {
		agg := aggs[key]
		idx := agg.nextIndex
		if agg.activeIndex >= 0 {
			idx = agg.activeIndex
		}
		rc.Frames = append(rc.Frames, Frame{
			StepIndex: idx,
			State:     agg.state,
			Steps:     agg.steps,
		})
	}
	rc.State = rc.Frames[0].State

	// Agent context applies when the innermost open frame sits on an agent
	// block that started but did not complete.
	deepest := aggs[stack[len(stack)-1]]
	if deepest.activeIndex >= 0 && deepest.activeIndex < len(deepest.steps) &&
		deepest.steps[deepest.activeIndex].Kind == KindAgent {
		rc.Agent = reconstructAgent(events, deepest.activeID, lastRestart)
	}

	// A trailing WEBHOOK_RESPONSE that no RESTART has consumed yet is the
	// payload the resumed stream must deliver.
	for i := len(events) - 1; i > lastRestart; i-- {
		if events[i].Type == EventWebhookResponse {
			rc.Response = events[i].Response
			break
		}
	}

	return rc, nil
}

// reconstructAgent rebuilds the conversation of the active agent step from
// its events: the prompt as the opening user turn, assistant messages, tool
// results as tool turns, and the last webhook-bound tool call held pending.
// A WEBHOOK_RESPONSE already consumed by an earlier restart folds into the
// conversation as the pending call's tool message; an unconsumed one is
// left pending for the resuming loop to append.
func reconstructAgent(events []Event, stepID string, lastRestart int) *AgentResume {
	ar := &AgentResume{}
	for i, e := range events {
		if e.Type == EventWebhookResponse {
			if ar.PendingToolCallID != "" && i < lastRestart {
				ar.Messages = append(ar.Messages, AgentMessage{
					Role:       "tool",
					ToolCallID: ar.PendingToolCallID,
					ToolName:   ar.PendingToolName,
					Content:    string(e.Response),
				})
				ar.PendingToolCallID = ""
				ar.PendingToolName = ""
			}
			continue
		}
		if e.StepID != stepID {
			continue
		}
		switch e.Type {
		case EventAgentStart:
			ar.Messages = []AgentMessage{{Role: "user", Content: e.Prompt}}
		case EventAgentAssistantMessage:
			if e.Message != nil {
				ar.Messages = append(ar.Messages, *e.Message)
			}
		case EventAgentToolResult:
			ar.Messages = append(ar.Messages, AgentMessage{
				Role:       "tool",
				ToolCallID: e.ToolCallID,
				ToolName:   e.ToolName,
				Content:    string(e.ToolResult),
			})
		case EventAgentWebhook:
			ar.PendingToolCallID = e.ToolCallID
			ar.PendingToolName = e.ToolName
		case EventAgentIteration:
			ar.Iteration = e.Iteration
			ar.TotalTokens = e.TotalTokens
		}
	}
	return ar
}

// FoldState replays a log's top-level patches into the final state. It is
// the reader-side counterpart of the patch-integrity invariant: the state
// any consumer derives from the log alone must match what the runtime held.
func FoldState(events []Event) (State, error) {
	state := State{}
	for _, e := range events {
		if len(e.BrainPath) != 0 {
			continue
		}
		switch e.Type {
		case EventStart, EventRestart:
			state = NormalizeState(e.InitialState)
		case EventStepComplete:
			next, err := ApplyPatch(state, e.Patch)
			if err != nil {
				return nil, fmt.Errorf("fold state at seq %d: %w", e.Seq, err)
			}
			state = next
		}
	}
	return state, nil
}
