package brains

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// Services is the bag of host facilities a step can reach: resource blobs,
// secrets, pages, and the base URL used when emitting page links. All
// fields are optional; a nil Services is valid for pure computations.
type Services struct {
	Resources ResourceReader
	Secrets   SecretReader
	Pages     PageWriter
	BaseURL   string
}

// StepContext carries everything a step function receives. State is the
// current run state (treat as read-only: the only state effect of a step is
// its returned value). Response is the webhook payload when the step is
// being re-entered after a WEBHOOK_RESPONSE, nil otherwise.
type StepContext struct {
	State    State
	Options  State
	LLM      LLMClient
	Env      map[string]string
	Services *Services
	Response json.RawMessage
	Page     PageWriter
}

// StepResult is what a step function returns: the full next state, plus an
// optional set of webhook registrations. A non-empty WaitFor suspends the
// run in WAITING after the state delta is recorded.
type StepResult struct {
	State   State
	WaitFor []WebhookRegistration
}

// StepFunc is the action of a plain step block.
type StepFunc func(ctx context.Context, sc *StepContext) (StepResult, error)

// ToolOutcome is what an agent tool's Execute returns. A non-empty WaitFor
// suspends the agent loop until the matching webhook arrives.
type ToolOutcome struct {
	Result  json.RawMessage
	WaitFor []WebhookRegistration
}

// AgentTool is one capability offered to an agent's LLM. A Terminal tool
// ends the loop with its arguments as the agent result. A tool without
// Execute exists solely to carry arguments (terminal or webhook-bound).
type AgentTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Terminal    bool
	Execute     func(ctx context.Context, args json.RawMessage, sc *StepContext) (ToolOutcome, error)
}

// OutputSchema names and constrains an agent's structured result. When set,
// a synthetic terminal tool "done" is registered whose input schema is this
// schema, and the terminal arguments are patched into state under Name.
type OutputSchema struct {
	Name   string
	Schema json.RawMessage
}

// AgentConfig is the product of an agent block's config function.
type AgentConfig struct {
	Prompt        string
	System        string
	Tools         []AgentTool
	MaxTokens     int
	MaxIterations int
	OutputSchema  *OutputSchema
}

// AgentConfigFunc builds the agent configuration from the step context.
// It is re-invoked on resumption; Response is never populated for agent
// blocks — webhook payloads enter the conversation as tool messages.
type AgentConfigFunc func(ctx context.Context, sc *StepContext) (AgentConfig, error)

// BatchConfig turns a step into a chunked, concurrency-limited map over a
// collection derived from state. The final result is recorded under Key as
// an ordered list of [item, output] pairs.
type BatchConfig struct {
	// Key names the state key receiving the [item, output] pairs.
	Key string
	// Over derives the items from the pre-step state.
	Over func(state State) []any
	// Item processes one element.
	Item func(ctx context.Context, sc *StepContext, item any) (any, error)
	// Concurrency bounds parallel items per chunk. Default 10.
	Concurrency int
	// ChunkSize partitions items; chunk boundaries are the restart and
	// signal safe points. Default: one chunk.
	ChunkSize int
	// MaxRetries bounds per-item retries. Default 0 (single attempt).
	MaxRetries int
	// OnError maps a failed item to a fallback output. Returning ok=false
	// fails the whole step.
	OnError func(item any, err error) (fallback any, ok bool)
}

// GuardFunc is the predicate of a guard block. On false, all remaining
// blocks are marked SKIPPED and the run completes.
type GuardFunc func(state State, options State) bool

// Block is one entry in a brain's step graph — a discriminated record, not
// an inheritance chain. Exactly the fields for its Kind are set.
type Block struct {
	Kind  BlockKind
	Title string

	// KindStep.
	Step  StepFunc
	Batch *BatchConfig

	// KindAgent.
	Agent AgentConfigFunc

	// KindBrain.
	Inner      *Brain
	InnerState func(outer State) State
	Reduce     func(outer, inner State) State

	// KindGuard.
	Guard GuardFunc
}

// Brain is a named, linear composition of blocks. Invoking the same brain
// many times produces identical shapes; all run-time variance lives in
// state and options.
type Brain struct {
	Title         string
	Description   string
	OptionsSchema json.RawMessage
	Blocks        []Block
}

// BrainOption appends blocks or sets metadata during NewBrain.
type BrainOption func(*Brain)

// WithDescription sets the brain's human description.
func WithDescription(d string) BrainOption {
	return func(b *Brain) { b.Description = d }
}

// WithOptionsSchema sets the JSON schema run options are validated against
// when a run is created.
func WithOptionsSchema(schema json.RawMessage) BrainOption {
	return func(b *Brain) { b.OptionsSchema = schema }
}

// WithStep appends a plain step block.
func WithStep(title string, fn StepFunc) BrainOption {
	return func(b *Brain) {
		b.Blocks = append(b.Blocks, Block{Kind: KindStep, Title: title, Step: fn})
	}
}

// WithBatchStep appends a step block with batch semantics.
func WithBatchStep(title string, cfg BatchConfig) BrainOption {
	return func(b *Brain) {
		c := cfg
		b.Blocks = append(b.Blocks, Block{Kind: KindStep, Title: title, Batch: &c})
	}
}

// WithAgent appends an agent block.
func WithAgent(title string, cfg AgentConfigFunc) BrainOption {
	return func(b *Brain) {
		b.Blocks = append(b.Blocks, Block{Kind: KindAgent, Title: title, Agent: cfg})
	}
}

// WithBrain appends a nested brain block. project derives the inner initial
// state from the outer state; reduce folds the inner final state back in.
func WithBrain(title string, inner *Brain, project func(outer State) State, reduce func(outer, inner State) State) BrainOption {
	return func(b *Brain) {
		b.Blocks = append(b.Blocks, Block{
			Kind: KindBrain, Title: title,
			Inner: inner, InnerState: project, Reduce: reduce,
		})
	}
}

// WithGuard appends a guard block.
func WithGuard(title string, pred GuardFunc) BrainOption {
	return func(b *Brain) {
		b.Blocks = append(b.Blocks, Block{Kind: KindGuard, Title: title, Guard: pred})
	}
}

// --- unique title registry ---

var (
	titleMu       sync.Mutex
	titles        = make(map[string]bool)
	titlesEnabled = true
)

// DisableTitleRegistry turns off the process-local unique-title check.
// Intended for tests that construct the same brain repeatedly.
func DisableTitleRegistry() {
	titleMu.Lock()
	defer titleMu.Unlock()
	titlesEnabled = false
	titles = make(map[string]bool)
}

// EnableTitleRegistry re-enables the unique-title check.
func EnableTitleRegistry() {
	titleMu.Lock()
	defer titleMu.Unlock()
	titlesEnabled = true
}

func registerTitle(title string) error {
	titleMu.Lock()
	defer titleMu.Unlock()
	if !titlesEnabled {
		return nil
	}
	if titles[title] {
		return fmt.Errorf("brain title %q already registered", title)
	}
	titles[title] = true
	return nil
}

// NewBrain constructs a brain from options. Duplicate titles panic unless
// the registry is disabled: a duplicate is always an authoring bug, and
// construction happens at program init where an error return would be
// discarded.
func NewBrain(title string, opts ...BrainOption) *Brain {
	b := &Brain{Title: title}
	for _, opt := range opts {
		opt(b)
	}
	if err := registerTitle(title); err != nil {
		panic(err)
	}
	return b
}

// Fingerprint hashes the sequence of (kind, title) tuples. It identifies
// the brain's structure, not its behaviour; it is informative only and not
// required to match across resumes.
func (b *Brain) Fingerprint() string {
	h := sha256.New()
	for _, blk := range b.Blocks {
		fmt.Fprintf(h, "%s\x00%s\x00", blk.Kind, blk.Title)
	}
	return hex.EncodeToString(h.Sum(nil))
}
