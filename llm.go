package brains

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/semaphore"
)

// ToolDescriptor is the provider-facing description of one agent tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// LLMToolCall is one tool invocation requested by the model.
type LLMToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

// Usage reports token consumption of one LLM call.
type Usage struct {
	TotalTokens int `json:"totalTokens"`
}

// GenerateTextRequest is the input to a tool-capable chat call.
type GenerateTextRequest struct {
	Messages []AgentMessage   `json:"messages"`
	System   string           `json:"system,omitempty"`
	Tools    []ToolDescriptor `json:"tools,omitempty"`
}

// GenerateTextResponse is one model turn: free text, requested tool calls,
// usage, and the raw provider messages for audit.
type GenerateTextResponse struct {
	Text             string         `json:"text,omitempty"`
	ToolCalls        []LLMToolCall  `json:"toolCalls,omitempty"`
	Usage            Usage          `json:"usage"`
	ResponseMessages []AgentMessage `json:"responseMessages,omitempty"`
}

// GenerateObjectRequest asks the model for a single object conforming to a
// JSON schema.
type GenerateObjectRequest struct {
	Schema     json.RawMessage `json:"schema"`
	SchemaName string          `json:"schemaName,omitempty"`
	Prompt     string          `json:"prompt"`
}

// LLMClient is the minimum contract a provider adapter satisfies. Step
// functions receive it for ad-hoc structured generation.
type LLMClient interface {
	// GenerateObject returns a parsed object conforming to the schema.
	GenerateObject(ctx context.Context, req GenerateObjectRequest) (json.RawMessage, error)
}

// TextGenerator is the extended contract agent blocks require. A client
// that implements only LLMClient causes agent blocks to fail with a
// CapabilityError rather than a generic failure.
type TextGenerator interface {
	LLMClient
	GenerateText(ctx context.Context, req GenerateTextRequest) (GenerateTextResponse, error)
}

// LLMGate bounds concurrent LLM calls across all runs in the process.
// A nil gate admits everything.
type LLMGate struct {
	sem *semaphore.Weighted
}

// NewLLMGate creates a gate admitting at most n concurrent calls.
func NewLLMGate(n int64) *LLMGate {
	if n <= 0 {
		return nil
	}
	return &LLMGate{sem: semaphore.NewWeighted(n)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (g *LLMGate) Acquire(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.sem.Acquire(ctx, 1)
}

// Release returns a slot.
func (g *LLMGate) Release() {
	if g == nil {
		return
	}
	g.sem.Release(1)
}
