package brains

import "encoding/json"

// EventType tags one entry in a run's durable log. The set is closed;
// readers MUST tolerate unknown fields within an event (older logs may
// carry extras) but never unknown types from this runtime.
type EventType string

const (
	// Run lifecycle.
	EventStart           EventType = "START"
	EventRestart         EventType = "RESTART"
	EventComplete        EventType = "COMPLETE"
	EventError           EventType = "ERROR"
	EventPaused          EventType = "PAUSED"
	EventResumed         EventType = "RESUMED"
	EventKilled          EventType = "KILLED"
	EventWebhook         EventType = "WEBHOOK"
	EventWebhookResponse EventType = "WEBHOOK_RESPONSE"
	EventHeartbeat       EventType = "HEARTBEAT"

	// Step lifecycle.
	EventStepStatus   EventType = "STEP_STATUS"
	EventStepStart    EventType = "STEP_START"
	EventStepComplete EventType = "STEP_COMPLETE"
	EventStepRetry    EventType = "STEP_RETRY"

	// Agent lifecycle.
	EventAgentStart              EventType = "AGENT_START"
	EventAgentIteration          EventType = "AGENT_ITERATION"
	EventAgentRawResponseMessage EventType = "AGENT_RAW_RESPONSE_MESSAGE"
	EventAgentAssistantMessage   EventType = "AGENT_ASSISTANT_MESSAGE"
	EventAgentToolCall           EventType = "AGENT_TOOL_CALL"
	EventAgentToolResult         EventType = "AGENT_TOOL_RESULT"
	EventAgentWebhook            EventType = "AGENT_WEBHOOK"
	EventAgentComplete           EventType = "AGENT_COMPLETE"
	EventAgentTokenLimit         EventType = "AGENT_TOKEN_LIMIT"
	EventAgentIterationLimit     EventType = "AGENT_ITERATION_LIMIT"
)

// RunStatus is the lifecycle state of one run.
type RunStatus string

const (
	RunRunning  RunStatus = "RUNNING"
	RunPaused   RunStatus = "PAUSED"
	RunWaiting  RunStatus = "WAITING"
	RunComplete RunStatus = "COMPLETE"
	RunError    RunStatus = "ERROR"
	RunKilled   RunStatus = "KILLED"
)

// Terminal reports whether no further events may be appended for a run in
// this status.
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunError || s == RunKilled
}

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepPending  StepStatus = "PENDING"
	StepRunning  StepStatus = "RUNNING"
	StepComplete StepStatus = "COMPLETE"
	StepError    StepStatus = "ERROR"
	StepSkipped  StepStatus = "SKIPPED"
)

// BlockKind discriminates the block variants of a step graph.
type BlockKind string

const (
	KindStep  BlockKind = "step"
	KindAgent BlockKind = "agent"
	KindBrain BlockKind = "brain"
	KindGuard BlockKind = "guard"
)

// BatchStatus is the per-item progress of a batch step, carried on the
// step snapshot so item completions survive restarts.
type BatchStatus struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// StepSnapshot is one step's observable state inside a STEP_STATUS event.
// IDs are generated on first observation and preserved across resumes.
type StepSnapshot struct {
	ID     string       `json:"id"`
	Title  string       `json:"title"`
	Kind   BlockKind    `json:"kind"`
	Status StepStatus   `json:"status"`
	Patch  Patch        `json:"patch,omitempty"`
	Batch  *BatchStatus `json:"batch,omitempty"`
}

// WebhookRegistration keys a waiting run. Delivery requires an exact
// (slug, identifier) match. TimeoutSeconds, when positive, sets a deadline
// after which the supervisor injects a synthetic timeout response.
type WebhookRegistration struct {
	Slug           string          `json:"slug"`
	Identifier     string          `json:"identifier"`
	PayloadSchema  json.RawMessage `json:"payloadSchema,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`
}

// WebhookTimeoutSentinel is the payload of the synthetic WEBHOOK_RESPONSE a
// supervisor injects when a registration's deadline expires.
const WebhookTimeoutSentinel = `{"timedOut":true}`

// AgentMessage is one turn of an agent conversation. Role is "user",
// "assistant", "system", or "tool".
type AgentMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  []LLMToolCall   `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Event is one tagged record in a run's append-only log. Every event is a
// self-describing JSON object carrying at minimum type, runId, and options;
// the per-type payload fields below are set only where they apply and are
// omitted otherwise. Consumers replaying old logs tolerate unknown fields.
type Event struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"runId"`
	Options State     `json:"options,omitempty"`
	Seq     int64     `json:"seq,omitempty"`
	At      int64     `json:"at,omitempty"` // unix millis

	// BrainPath is the chain of enclosing nested-brain step ids, outermost
	// first. Empty for top-level events. The resumption walker derives the
	// execution stack from it.
	BrainPath []string `json:"brainPath,omitempty"`

	// START / RESTART.
	BrainTitle   string `json:"brainTitle,omitempty"`
	InitialState State  `json:"initialState,omitempty"`

	// STEP_STATUS.
	Steps []StepSnapshot `json:"steps,omitempty"`

	// Step lifecycle (STEP_START, STEP_COMPLETE, STEP_RETRY).
	StepID    string `json:"stepId,omitempty"`
	StepTitle string `json:"stepTitle,omitempty"`
	StepIndex int    `json:"stepIndex,omitempty"`
	Patch     Patch  `json:"patch,omitempty"`

	// ERROR and STEP_RETRY.
	Error *ErrorValue `json:"error,omitempty"`

	// WEBHOOK / WEBHOOK_RESPONSE.
	WaitFor  []WebhookRegistration `json:"waitFor,omitempty"`
	Response json.RawMessage       `json:"response,omitempty"`

	// Agent lifecycle.
	Prompt              string           `json:"prompt,omitempty"`
	System              string           `json:"system,omitempty"`
	Tools               []ToolDescriptor `json:"tools,omitempty"`
	Iteration           int              `json:"iteration,omitempty"`
	TokensThisIteration int              `json:"tokensThisIteration,omitempty"`
	TotalTokens         int              `json:"totalTokens,omitempty"`
	Message             *AgentMessage    `json:"message,omitempty"`
	ToolCallID          string           `json:"toolCallId,omitempty"`
	ToolName            string           `json:"toolName,omitempty"`
	ToolInput           json.RawMessage  `json:"toolInput,omitempty"`
	ToolResult          json.RawMessage  `json:"toolResult,omitempty"`
	TerminalToolName    string           `json:"terminalToolName,omitempty"`
	Result              json.RawMessage  `json:"result,omitempty"`
	MaxIterations       int              `json:"maxIterations,omitempty"`
	MaxTokens           int              `json:"maxTokens,omitempty"`
}

// Run is the identity record of one execution of one brain.
type Run struct {
	ID          string    `json:"id"`
	BrainTitle  string    `json:"brainTitle"`
	Status      RunStatus `json:"status"`
	Options     State     `json:"options,omitempty"`
	CreatedAt   int64     `json:"createdAt"`
	CompletedAt int64     `json:"completedAt,omitempty"`
}
