package brains

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
)

// UIFormSlug is the reserved webhook slug page form submissions arrive on.
const UIFormSlug = "system/ui-form"

// WebhookActionType discriminates what a webhook handler asks the router
// to do with an inbound request.
type WebhookActionType string

const (
	// ActionWebhook delivers a response to the waiting run matching
	// (slug, identifier).
	ActionWebhook WebhookActionType = "webhook"
	// ActionVerification answers a provider URL-verification handshake with
	// the challenge verbatim.
	ActionVerification WebhookActionType = "verification"
	// ActionStart creates a new run of a brain.
	ActionStart WebhookActionType = "start"
)

// WebhookAction is a handler's decision for one inbound request.
type WebhookAction struct {
	Type WebhookActionType

	// ActionWebhook.
	Identifier string
	Response   json.RawMessage

	// ActionVerification.
	Challenge string

	// ActionStart.
	BrainTitle string
	Options    State
}

// WebhookHandler interprets an inbound payload for one slug. The query
// carries the request's parameters (identifiers often travel there).
type WebhookHandler func(ctx context.Context, payload json.RawMessage, query url.Values) (WebhookAction, error)

// WebhookResult is the router's answer for one inbound request.
type WebhookResult struct {
	Received  bool   `json:"received"`
	Action    string `json:"action,omitempty"` // resumed | started | no-match
	Challenge string `json:"challenge,omitempty"`
	RunID     string `json:"brainRunId,omitempty"`
}

// RegisterWebhook registers a handler for a slug.
func (rt *Runtime) RegisterWebhook(slug string, h WebhookHandler) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.webhooks[slug]; ok {
		return fmt.Errorf("webhook slug %q already registered", slug)
	}
	rt.webhooks[slug] = h
	return nil
}

// Webhooks lists registered slugs sorted.
func (rt *Runtime) Webhooks() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, 0, len(rt.webhooks))
	for slug := range rt.webhooks {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// HandleWebhook routes one inbound (slug, payload) through the slug's
// handler. Delivery with no matching waiting run is accepted idempotently
// with action "no-match"; nothing is recorded on any run.
func (rt *Runtime) HandleWebhook(ctx context.Context, slug string, payload json.RawMessage, query url.Values) (WebhookResult, error) {
	rt.mu.Lock()
	handler, ok := rt.webhooks[slug]
	rt.mu.Unlock()
	if !ok {
		return WebhookResult{}, &NotFoundError{Kind: "webhook", Key: slug}
	}

	act, err := handler(ctx, payload, query)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("webhook %s: %w", slug, err)
	}

	switch act.Type {
	case ActionVerification:
		return WebhookResult{Received: true, Challenge: act.Challenge}, nil

	case ActionStart:
		run, err := rt.StartRun(ctx, act.BrainTitle, act.Options)
		if err != nil {
			return WebhookResult{}, err
		}
		return WebhookResult{Received: true, Action: "started", RunID: run.ID}, nil

	case ActionWebhook:
		return rt.DeliverToSlug(ctx, slug, act.Identifier, act.Response)

	default:
		return WebhookResult{}, fmt.Errorf("webhook %s: handler returned unknown action %q", slug, act.Type)
	}
}

// DeliverToSlug finds the waiting run whose outstanding registration is
// exactly (slug, identifier) and resumes it with the payload. The first
// match wins; the run's remaining registrations are cleared with the wait.
func (rt *Runtime) DeliverToSlug(ctx context.Context, slug, identifier string, payload json.RawMessage) (WebhookResult, error) {
	runID, reg, err := rt.store.FindWaitingRun(ctx, slug, identifier)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return WebhookResult{Received: true, Action: "no-match"}, nil
		}
		return WebhookResult{}, err
	}

	if len(reg.PayloadSchema) > 0 {
		var decoded any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return WebhookResult{}, fmt.Errorf("webhook payload: %w", err)
		}
		if err := ValidateSchema(reg.PayloadSchema, decoded); err != nil {
			return WebhookResult{}, fmt.Errorf("webhook payload: %w", err)
		}
	}

	if err := rt.DeliverWebhookResponse(ctx, runID, payload); err != nil {
		// The run left WAITING between lookup and delivery; treat like no
		// match rather than failing the caller.
		var se *SignalError
		if errors.As(err, &se) {
			return WebhookResult{Received: true, Action: "no-match"}, nil
		}
		return WebhookResult{}, err
	}
	return WebhookResult{Received: true, Action: "resumed", RunID: runID}, nil
}
