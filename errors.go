package brains

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"time"
)

// ErrorValue is the serialisable form of an error recorded on a run's event
// log. Stack is advisory and may be empty.
type ErrorValue struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *ErrorValue) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// NewError creates an ErrorValue with the given name and message.
// Use it in step functions when the error name matters to consumers of the
// event log; plain errors are recorded with name "Error".
func NewError(name, message string) *ErrorValue {
	return &ErrorValue{Name: name, Message: message}
}

// toErrorValue converts any error into its log representation. ErrorValue
// passes through unchanged; everything else gets name "Error" and a stack
// captured at the conversion site.
func toErrorValue(err error) *ErrorValue {
	if ev, ok := err.(*ErrorValue); ok {
		return ev
	}
	return &ErrorValue{Name: "Error", Message: err.Error(), Stack: string(debug.Stack())}
}

// CapabilityError indicates the configured LLM client lacks a capability a
// block requires (e.g. an agent block on a client without text generation).
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("llm client missing capability %q", e.Capability)
}

// SignalError is returned when a signal is rejected at the signal boundary:
// the run exists but is not in a state where the signal is legal. Maps to
// HTTP 409.
type SignalError struct {
	Signal SignalType
	Status RunStatus
	Reason string
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("signal %s rejected (run %s): %s", e.Signal, e.Status, e.Reason)
}

// NotFoundError indicates an unknown brain title, run id, schedule id, or
// webhook slug. Maps to HTTP 404. No side effects occur.
type NotFoundError struct {
	Kind string // "brain", "run", "schedule", "webhook", ...
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// LLMError wraps a provider-side failure: malformed request, unparseable
// response, transport failure.
type LLMError struct {
	Provider string
	Message  string
}

func (e *LLMError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// HTTPError is a non-2xx response from an LLM provider. RetryAfter is zero
// when the provider gave no hint.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value holding delay seconds.
// HTTP-date forms and garbage both yield zero.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
