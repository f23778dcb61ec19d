package brains

import (
	"context"
	"encoding/json"
	"fmt"
)

// DefaultMaxIterations bounds an agent loop that never reaches a terminal
// tool.
const DefaultMaxIterations = 100

// doneToolName is the synthetic terminal tool registered when an agent
// declares an output schema.
const doneToolName = "done"

// defaultSystemPreamble is prepended to every agent system prompt. The
// author's system text follows it.
const defaultSystemPreamble = "You are an autonomous agent inside a workflow runtime. " +
	"Use the provided tools to make progress. When a terminal tool is available, " +
	"call it exactly once when the task is finished, with complete arguments."

// agentExit says how the agent sub-loop returned.
type agentExit int

const (
	agentDone agentExit = iota // terminal tool, plain assistant text, or a cap
	agentSuspended
	agentPaused
	agentKilled
	agentFailed
	agentAborted
)

// agentOutcome carries the sub-loop's result back to the enclosing level.
type agentOutcome struct {
	exit         agentExit
	terminalTool string
	terminalArgs json.RawMessage
	waitFor      []WebhookRegistration
	err          error
}

// runAgentBlock executes an agent block: build the config, drive the
// sub-loop, translate the terminal result into a state patch.
func (l *level) runAgentBlock(ctx context.Context, i int, blk Block, snap *StepSnapshot) levelExit {
	sc := l.stepContext()
	// Webhook payloads reach agents as tool messages, never via Response.
	sc.Response = nil

	cfg, err := blk.Agent(ctx, sc)
	if err != nil {
		return l.failStep(ctx, i, blk, snap, err)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}

	tools := cfg.Tools
	if cfg.OutputSchema != nil {
		tools = append(append([]AgentTool{}, tools...), AgentTool{
			Name:        doneToolName,
			Description: "Report the final result. Call exactly once, when finished.",
			InputSchema: cfg.OutputSchema.Schema,
			Terminal:    true,
		})
	}

	tg, ok := l.stream.cfg.LLM.(TextGenerator)
	if !ok {
		return l.failStep(ctx, i, blk, snap, &CapabilityError{Capability: "generateText"})
	}

	out := l.runAgentLoop(ctx, snap, sc, cfg, tools, tg)
	switch out.exit {
	case agentAborted:
		return exitAborted
	case agentPaused:
		return exitPaused
	case agentKilled:
		return exitKilled
	case agentFailed:
		return l.failStep(ctx, i, blk, snap, out.err)
	case agentSuspended:
		if !l.emit(ctx, Event{Type: EventWebhook, WaitFor: out.waitFor}) {
			return exitAborted
		}
		l.waitFor = out.waitFor
		return exitWaiting
	}

	// agentDone: compute the step's state effect.
	pre := l.state
	post, err := agentPostState(pre, cfg, out)
	if err != nil {
		return l.failStep(ctx, i, blk, snap, err)
	}
	patch := Diff(pre, post)
	applied, err := ApplyPatch(pre, patch)
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

// agentPostState applies the agent's terminal result to the state. No
// terminal means no state change.
func agentPostState(pre State, cfg AgentConfig, out agentOutcome) (State, error) {
	if out.terminalTool == "" {
		return pre, nil
	}
	post := NormalizeState(pre)
	if cfg.OutputSchema != nil {
		var v any
		if err := json.Unmarshal(out.terminalArgs, &v); err != nil {
			return nil, fmt.Errorf("terminal tool args: %w", err)
		}
		post[cfg.OutputSchema.Name] = v
		return post, nil
	}
	// No declared schema: spread the terminal args at the root.
	var fields map[string]any
	if err := json.Unmarshal(out.terminalArgs, &fields); err != nil {
		return nil, fmt.Errorf("terminal tool args: %w", err)
	}
	for k, v := range fields {
		post[k] = v
	}
	return post, nil
}

// runAgentLoop is the iterative LLM + tool loop. On fresh entry it emits
// AGENT_START and seeds the conversation with the prompt; on resumption it
// re-enters at the LLM call with the reconstructed conversation (plus the
// webhook payload as a tool message, when one is pending).
func (l *level) runAgentLoop(ctx context.Context, snap *StepSnapshot, sc *StepContext, cfg AgentConfig, tools []AgentTool, tg TextGenerator) agentOutcome {
	descriptors := make([]ToolDescriptor, len(tools))
	byName := make(map[string]*AgentTool, len(tools))
	for i := range tools {
		descriptors[i] = ToolDescriptor{
			Name:        tools[i].Name,
			Description: tools[i].Description,
			InputSchema: tools[i].InputSchema,
		}
		byName[tools[i].Name] = &tools[i]
	}
	system := defaultSystemPreamble
	if cfg.System != "" {
		system += "\n\n" + cfg.System
	}

	var messages []AgentMessage
	iteration := 0
	totalTokens := 0

	if ar := l.agent; ar != nil {
		messages = append(messages, ar.Messages...)
		iteration = ar.Iteration
		totalTokens = ar.TotalTokens
		if ar.PendingToolCallID != "" && len(l.response) > 0 {
			messages = append(messages, AgentMessage{
				Role:       "tool",
				ToolCallID: ar.PendingToolCallID,
				ToolName:   ar.PendingToolName,
				Content:    string(l.response),
			})
		}
	} else {
		if !l.emit(ctx, Event{
			Type: EventAgentStart, StepID: snap.ID, StepTitle: snap.Title,
			Prompt: cfg.Prompt, System: system, Tools: descriptors,
			MaxIterations: cfg.MaxIterations, MaxTokens: cfg.MaxTokens,
		}) {
			return agentOutcome{exit: agentAborted}
		}
		messages = append(messages, AgentMessage{Role: "user", Content: cfg.Prompt})
	}

	for {
		// Safe point: between iterations. USER_MESSAGE lands here.
		if out, stop := l.agentSignals(ctx, &messages); stop {
			return out
		}
		if cfg.MaxTokens > 0 && totalTokens >= cfg.MaxTokens {
			if !l.emit(ctx, Event{Type: EventAgentTokenLimit, StepID: snap.ID, TotalTokens: totalTokens, MaxTokens: cfg.MaxTokens}) {
				return agentOutcome{exit: agentAborted}
			}
			return agentOutcome{exit: agentDone}
		}
		if iteration >= cfg.MaxIterations {
			if !l.emit(ctx, Event{Type: EventAgentIterationLimit, StepID: snap.ID, Iteration: iteration, MaxIterations: cfg.MaxIterations, TotalTokens: totalTokens}) {
				return agentOutcome{exit: agentAborted}
			}
			return agentOutcome{exit: agentDone}
		}

		resp, err := l.stream.generateText(ctx, tg, GenerateTextRequest{
			Messages: messages, System: system, Tools: descriptors,
		})
		if err != nil {
			return agentOutcome{exit: agentFailed, err: err}
		}
		iteration++
		totalTokens += resp.Usage.TotalTokens

		for i := range resp.ResponseMessages {
			m := resp.ResponseMessages[i]
			if !l.emit(ctx, Event{Type: EventAgentRawResponseMessage, StepID: snap.ID, Message: &m}) {
				return agentOutcome{exit: agentAborted}
			}
		}
		if !l.emit(ctx, Event{
			Type: EventAgentIteration, StepID: snap.ID,
			Iteration: iteration, TokensThisIteration: resp.Usage.TotalTokens, TotalTokens: totalTokens,
		}) {
			return agentOutcome{exit: agentAborted}
		}
		messages = append(messages, resp.ResponseMessages...)

		if len(resp.ToolCalls) == 0 {
			msg := AgentMessage{Role: "assistant", Content: resp.Text}
			if !l.emit(ctx, Event{Type: EventAgentAssistantMessage, StepID: snap.ID, Message: &msg}) {
				return agentOutcome{exit: agentAborted}
			}
			return agentOutcome{exit: agentDone}
		}

		for _, call := range resp.ToolCalls {
			if !l.emit(ctx, Event{
				Type: EventAgentToolCall, StepID: snap.ID,
				ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolInput: call.Args,
			}) {
				return agentOutcome{exit: agentAborted}
			}

			tool, known := byName[call.ToolName]
			if !known {
				result := json.RawMessage(fmt.Sprintf(`{"error":"unknown tool %q"}`, call.ToolName))
				if !l.emit(ctx, Event{Type: EventAgentToolResult, StepID: snap.ID, ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolResult: result}) {
					return agentOutcome{exit: agentAborted}
				}
				messages = append(messages, AgentMessage{Role: "tool", ToolCallID: call.ToolCallID, ToolName: call.ToolName, Content: string(result)})
				continue
			}

			if tool.Terminal {
				if !l.emit(ctx, Event{
					Type: EventAgentComplete, StepID: snap.ID,
					TerminalToolName: tool.Name, Result: call.Args, TotalTokens: totalTokens,
				}) {
					return agentOutcome{exit: agentAborted}
				}
				return agentOutcome{exit: agentDone, terminalTool: tool.Name, terminalArgs: call.Args}
			}

			outcome, err := callTool(ctx, tool, call.Args, sc)
			if err != nil {
				return agentOutcome{exit: agentFailed, err: err}
			}
			if len(outcome.WaitFor) > 0 {
				if !l.emit(ctx, Event{
					Type: EventAgentWebhook, StepID: snap.ID,
					ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolInput: call.Args,
				}) {
					return agentOutcome{exit: agentAborted}
				}
				return agentOutcome{exit: agentSuspended, waitFor: outcome.WaitFor}
			}
			if !l.emit(ctx, Event{
				Type: EventAgentToolResult, StepID: snap.ID,
				ToolCallID: call.ToolCallID, ToolName: call.ToolName, ToolResult: outcome.Result,
			}) {
				return agentOutcome{exit: agentAborted}
			}
			messages = append(messages, AgentMessage{
				Role: "tool", ToolCallID: call.ToolCallID, ToolName: call.ToolName,
				Content: string(outcome.Result),
			})
		}
	}
}

// agentSignals services the queue between iterations. USER_MESSAGE appends
// to the conversation; PAUSE/KILL end the loop.
func (l *level) agentSignals(ctx context.Context, messages *[]AgentMessage) (agentOutcome, bool) {
	q := l.stream.cfg.signals
	if q == nil {
		return agentOutcome{}, false
	}
	for {
		sig, ok := q.poll()
		if !ok {
			return agentOutcome{}, false
		}
		switch sig.Type {
		case SignalPause:
			if !l.emit(ctx, Event{Type: EventPaused}) {
				return agentOutcome{exit: agentAborted}, true
			}
			return agentOutcome{exit: agentPaused}, true
		case SignalKill:
			if !l.emit(ctx, Event{Type: EventKilled}) {
				return agentOutcome{exit: agentAborted}, true
			}
			return agentOutcome{exit: agentKilled}, true
		case SignalUserMessage:
			var body struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal(sig.Payload, &body); err != nil || body.Content == "" {
				l.stream.logger.Warn("user message dropped", "run", l.stream.cfg.RunID, "error", err)
				continue
			}
			*messages = append(*messages, AgentMessage{Role: "user", Content: body.Content})
		default:
			l.stream.logger.Warn("signal ignored between agent iterations",
				"run", l.stream.cfg.RunID, "signal", sig.Type)
		}
	}
}

// callTool runs a tool's Execute with panic containment.
func callTool(ctx context.Context, tool *AgentTool, args json.RawMessage, sc *StepContext) (out ToolOutcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewError("Error", "tool panic: "+stringify(p))
		}
	}()
	if tool.Execute == nil {
		return ToolOutcome{Result: json.RawMessage(`{}`)}, nil
	}
	return tool.Execute(ctx, args, sc)
}

// generateText runs one gated LLM call, flagging the supervisor so it can
// heartbeat live subscribers while the call is in flight.
func (s *Stream) generateText(ctx context.Context, tg TextGenerator, req GenerateTextRequest) (GenerateTextResponse, error) {
	if err := s.cfg.Gate.Acquire(ctx); err != nil {
		return GenerateTextResponse{}, err
	}
	defer s.cfg.Gate.Release()
	if s.cfg.onLLMCall != nil {
		s.cfg.onLLMCall(true)
		defer s.cfg.onLLMCall(false)
	}
	var span Span
	if s.cfg.Tracer != nil {
		ctx, span = s.cfg.Tracer.Start(ctx, "llm.generate_text",
			IntAttr("llm.messages", len(req.Messages)))
		defer span.End()
	}
	resp, err := tg.GenerateText(ctx, req)
	if err != nil && span != nil {
		span.Error(err)
	}
	return resp, err
}
