package brains

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

// agentBrain builds a single-agent brain around the given config.
func agentBrain(title string, cfg AgentConfig) *Brain {
	return NewBrain(title,
		WithAgent("Agent", func(ctx context.Context, sc *StepContext) (AgentConfig, error) {
			return cfg, nil
		}),
	)
}

func TestAgentTerminalTool(t *testing.T) {
	llm := &scriptedLLM{responses: []GenerateTextResponse{
		toolTurn("call-1", "finish", `{"answer":42}`, 10),
	}}
	b := agentBrain("AgentTerminal", AgentConfig{
		Prompt: "Answer the question.",
		Tools:  []AgentTool{{Name: "finish", Description: "final answer", Terminal: true}},
	})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent", LLM: llm})
	events := drainStream(t, s)

	if s.Outcome() != OutcomeComplete {
		t.Fatalf("outcome = %s, err = %v", s.Outcome(), s.Err())
	}

	start := firstOfType(t, events, EventAgentStart)
	if start.Prompt != "Answer the question." {
		t.Errorf("prompt = %q", start.Prompt)
	}
	if len(start.Tools) != 1 || start.Tools[0].Name != "finish" {
		t.Errorf("tools = %+v", start.Tools)
	}

	iter := firstOfType(t, events, EventAgentIteration)
	if iter.Iteration != 1 || iter.TotalTokens != 10 {
		t.Errorf("iteration event = %+v", iter)
	}

	call := firstOfType(t, events, EventAgentToolCall)
	if call.ToolName != "finish" {
		t.Errorf("tool call = %+v", call)
	}

	complete := firstOfType(t, events, EventAgentComplete)
	if complete.TerminalToolName != "finish" || complete.TotalTokens != 10 {
		t.Errorf("AGENT_COMPLETE = %+v", complete)
	}

	// Terminal args spread at the state root (no output schema declared).
	stepComplete := firstOfType(t, events, EventStepComplete)
	wantPatch := Patch{{Op: "add", Path: "/answer", Value: float64(42)}}
	if !reflect.DeepEqual(stepComplete.Patch, wantPatch) {
		t.Errorf("patch = %+v, want %+v", stepComplete.Patch, wantPatch)
	}
	if s.FinalState()["answer"] != float64(42) {
		t.Errorf("final answer = %v", s.FinalState()["answer"])
	}
}

func TestAgentOutputSchemaDoneTool(t *testing.T) {
	llm := &scriptedLLM{responses: []GenerateTextResponse{
		toolTurn("call-1", "done", `{"verdict":"approve"}`, 5),
	}}
	b := agentBrain("AgentSchema", AgentConfig{
		Prompt: "Review.",
		OutputSchema: &OutputSchema{
			Name:   "review",
			Schema: json.RawMessage(`{"type":"object","properties":{"verdict":{"type":"string"}}}`),
		},
	})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent-schema", LLM: llm})
	events := drainStream(t, s)

	if s.Outcome() != OutcomeComplete {
		t.Fatalf("outcome = %s, err = %v", s.Outcome(), s.Err())
	}
	// The synthetic terminal tool is offered to the model.
	start := firstOfType(t, events, EventAgentStart)
	if len(start.Tools) != 1 || start.Tools[0].Name != "done" {
		t.Errorf("tools = %+v, want the synthetic done tool", start.Tools)
	}
	// The result is patched under the schema name, not spread.
	review, ok := s.FinalState()["review"].(map[string]any)
	if !ok || review["verdict"] != "approve" {
		t.Errorf("review = %v, want map with verdict=approve", s.FinalState()["review"])
	}
}

func TestAgentPlainTextExit(t *testing.T) {
	llm := &scriptedLLM{responses: []GenerateTextResponse{
		textTurn("Nothing to do here.", 7),
	}}
	b := agentBrain("AgentChat", AgentConfig{Prompt: "Say something."})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent-text", LLM: llm, InitialState: State{"kept": 1}})
	events := drainStream(t, s)

	if s.Outcome() != OutcomeComplete {
		t.Fatalf("outcome = %s, err = %v", s.Outcome(), s.Err())
	}
	msg := firstOfType(t, events, EventAgentAssistantMessage)
	if msg.Message == nil || msg.Message.Content != "Nothing to do here." {
		t.Errorf("assistant message = %+v", msg.Message)
	}
	// No terminal tool: no AGENT_COMPLETE and no state change.
	if countOfType(events, EventAgentComplete) != 0 {
		t.Error("plain text exit must not emit AGENT_COMPLETE")
	}
	stepComplete := firstOfType(t, events, EventStepComplete)
	if len(stepComplete.Patch) != 0 {
		t.Errorf("patch = %+v, want empty", stepComplete.Patch)
	}
	if s.FinalState()["kept"] != float64(1) {
		t.Errorf("state changed: %v", s.FinalState())
	}
}

func TestAgentToolRoundTrip(t *testing.T) {
	llm := &scriptedLLM{responses: []GenerateTextResponse{
		toolTurn("call-1", "lookup", `{"key":"x"}`, 3),
		textTurn("Found it.", 4),
	}}
	var gotArgs string
	b := agentBrain("AgentTools", AgentConfig{
		Prompt: "Look up x.",
		Tools: []AgentTool{{
			Name: "lookup",
			Execute: func(ctx context.Context, args json.RawMessage, sc *StepContext) (ToolOutcome, error) {
				gotArgs = string(args)
				return ToolOutcome{Result: json.RawMessage(`{"value":"found"}`)}, nil
			},
		}},
	})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent-tools", LLM: llm})
	events := drainStream(t, s)

	if s.Outcome() != OutcomeComplete {
		t.Fatalf("outcome = %s, err = %v", s.Outcome(), s.Err())
	}
	if gotArgs != `{"key":"x"}` {
		t.Errorf("tool args = %q", gotArgs)
	}
	result := firstOfType(t, events, EventAgentToolResult)
	if string(result.ToolResult) != `{"value":"found"}` {
		t.Errorf("tool result = %s", result.ToolResult)
	}
	// Second LLM call saw the tool message.
	second := llm.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.Content != `{"value":"found"}` {
		t.Errorf("last message = %+v, want the tool result", last)
	}
	if countOfType(events, EventAgentIteration) != 2 {
		t.Errorf("AGENT_ITERATION count = %d, want 2", countOfType(events, EventAgentIteration))
	}
}

func TestAgentUnknownToolBecomesErrorResult(t *testing.T) {
	llm := &scriptedLLM{responses: []GenerateTextResponse{
		toolTurn("call-1", "nonsense", `{}`, 1),
		textTurn("Giving up.", 1),
	}}
	b := agentBrain("AgentUnknownTool", AgentConfig{Prompt: "Try."})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent-unknown", LLM: llm})
	events := drainStream(t, s)

	if s.Outcome() != OutcomeComplete {
		t.Fatalf("outcome = %s, err = %v", s.Outcome(), s.Err())
	}
	result := firstOfType(t, events, EventAgentToolResult)
	if !strings.Contains(string(result.ToolResult), "unknown tool") {
		t.Errorf("tool result = %s, want unknown-tool error", result.ToolResult)
	}
}

func TestAgentIterationLimit(t *testing.T) {
	// Three looping turns; the cap stops the fourth call.
	llm := &scriptedLLM{responses: []GenerateTextResponse{
		toolTurn("c1", "noop", `{}`, 1),
		toolTurn("c2", "noop", `{}`, 1),
		toolTurn("c3", "noop", `{}`, 1),
	}}
	b := agentBrain("AgentIterCap", AgentConfig{
		Prompt:        "Loop.",
		MaxIterations: 3,
		Tools: []AgentTool{{
			Name: "noop",
			Execute: func(ctx context.Context, args json.RawMessage, sc *StepContext) (ToolOutcome, error) {
				return ToolOutcome{Result: json.RawMessage(`{}`)}, nil
			},
		}},
	})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent-itercap", LLM: llm})
	events := drainStream(t, s)

	if countOfType(events, EventAgentIteration) != 3 {
		t.Errorf("AGENT_ITERATION count = %d, want 3", countOfType(events, EventAgentIteration))
	}
	limit := firstOfType(t, events, EventAgentIterationLimit)
	if limit.Iteration != 3 || limit.MaxIterations != 3 {
		t.Errorf("AGENT_ITERATION_LIMIT = %+v", limit)
	}
	// The cap ends the agent, not the run.
	firstOfType(t, events, EventComplete)
	if s.Outcome() != OutcomeComplete {
		t.Errorf("outcome = %s, want %s", s.Outcome(), OutcomeComplete)
	}
}

func TestAgentTokenLimit(t *testing.T) {
	llm := &scriptedLLM{responses: []GenerateTextResponse{
		toolTurn("c1", "noop", `{}`, 80),
	}}
	b := agentBrain("AgentTokenCap", AgentConfig{
		Prompt:    "Loop.",
		MaxTokens: 50,
		Tools: []AgentTool{{
			Name: "noop",
			Execute: func(ctx context.Context, args json.RawMessage, sc *StepContext) (ToolOutcome, error) {
				return ToolOutcome{Result: json.RawMessage(`{}`)}, nil
			},
		}},
	})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent-tokencap", LLM: llm})
	events := drainStream(t, s)

	limit := firstOfType(t, events, EventAgentTokenLimit)
	if limit.TotalTokens != 80 || limit.MaxTokens != 50 {
		t.Errorf("AGENT_TOKEN_LIMIT = %+v", limit)
	}
	if s.Outcome() != OutcomeComplete {
		t.Errorf("outcome = %s, want %s", s.Outcome(), OutcomeComplete)
	}
}

func TestAgentWebhookSuspension(t *testing.T) {
	regs := []WebhookRegistration{{Slug: "human", Identifier: "q-1"}}
	llm := &scriptedLLM{responses: []GenerateTextResponse{
		toolTurn("call-ask", "ask_human", `{"question":"proceed?"}`, 2),
	}}
	b := agentBrain("AgentAsks", AgentConfig{
		Prompt: "Ask before acting.",
		Tools: []AgentTool{{
			Name: "ask_human",
			Execute: func(ctx context.Context, args json.RawMessage, sc *StepContext) (ToolOutcome, error) {
				return ToolOutcome{WaitFor: regs}, nil
			},
		}},
	})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent-webhook", LLM: llm})
	events := drainStream(t, s)

	if s.Outcome() != OutcomeWaiting {
		t.Fatalf("outcome = %s, want %s", s.Outcome(), OutcomeWaiting)
	}
	aw := firstOfType(t, events, EventAgentWebhook)
	if aw.ToolCallID != "call-ask" || aw.ToolName != "ask_human" {
		t.Errorf("AGENT_WEBHOOK = %+v", aw)
	}
	wh := firstOfType(t, events, EventWebhook)
	if !reflect.DeepEqual(wh.WaitFor, regs) {
		t.Errorf("WEBHOOK waitFor = %+v", wh.WaitFor)
	}
	// Suspension is not completion: no STEP_COMPLETE for the agent step.
	if countOfType(events, EventStepComplete) != 0 {
		t.Error("suspended agent step must not complete")
	}
}

func TestAgentCapabilityError(t *testing.T) {
	b := agentBrain("AgentNoText", AgentConfig{Prompt: "Hi."})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent-nocap", LLM: objectOnlyLLM{}})
	events := drainStream(t, s)

	if s.Outcome() != OutcomeError {
		t.Fatalf("outcome = %s, want %s", s.Outcome(), OutcomeError)
	}
	errEvent := firstOfType(t, events, EventError)
	if !strings.Contains(errEvent.Error.Message, "generateText") {
		t.Errorf("error = %+v, want missing-capability message", errEvent.Error)
	}
}

func TestAgentUserMessageBetweenIterations(t *testing.T) {
	q := newSignalQueue()
	llm := &scriptedLLM{responses: []GenerateTextResponse{
		toolTurn("c1", "noop", `{}`, 1),
		textTurn("Done.", 1),
	}}
	b := agentBrain("AgentListens", AgentConfig{
		Prompt: "Work.",
		Tools: []AgentTool{{
			Name: "noop",
			Execute: func(ctx context.Context, args json.RawMessage, sc *StepContext) (ToolOutcome, error) {
				q.push(Signal{Type: SignalUserMessage, Payload: json.RawMessage(`{"content":"hurry up"}`)})
				return ToolOutcome{Result: json.RawMessage(`{}`)}, nil
			},
		}},
	})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent-usermsg", LLM: llm, signals: q})
	drainStream(t, s)

	if s.Outcome() != OutcomeComplete {
		t.Fatalf("outcome = %s, err = %v", s.Outcome(), s.Err())
	}
	// The queued message joined the conversation before the second call.
	second := llm.requests[1]
	var sawUser bool
	for _, m := range second.Messages {
		if m.Role == "user" && m.Content == "hurry up" {
			sawUser = true
		}
	}
	if !sawUser {
		t.Errorf("user message missing from second request: %+v", second.Messages)
	}
}

func TestAgentSystemPreamble(t *testing.T) {
	llm := &scriptedLLM{responses: []GenerateTextResponse{textTurn("ok", 1)}}
	b := agentBrain("AgentSystem", AgentConfig{Prompt: "Go.", System: "Be brief."})
	s := NewStream(StreamConfig{Brain: b, RunID: "run-agent-system", LLM: llm})
	drainStream(t, s)

	req := llm.requests[0]
	if !strings.Contains(req.System, "Be brief.") {
		t.Errorf("system = %q, want author text included", req.System)
	}
	if !strings.HasSuffix(req.System, "Be brief.") || req.System == "Be brief." {
		t.Errorf("system = %q, want preamble before author text", req.System)
	}
}
