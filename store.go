package brains

import (
	"context"
	"encoding/json"
)

// --- domain records ---

// Schedule is one cron registration creating runs of a brain.
type Schedule struct {
	ID             string `json:"id"`
	BrainTitle     string `json:"brainTitle"`
	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone,omitempty"`
	Enabled        bool   `json:"enabled"`
	CreatedAt      int64  `json:"createdAt"`
}

// ScheduledRun records one firing of a schedule.
type ScheduledRun struct {
	ID         string `json:"id"`
	ScheduleID string `json:"scheduleId"`
	BrainTitle string `json:"brainTitle"`
	RunAt      int64  `json:"runAt"`
	Status     string `json:"status"` // "triggered" or "failed"
	BrainRunID string `json:"brainRunId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Resource is one blob in the object store. Data is omitted from listings.
type Resource struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// PresignedLink grants temporary unauthenticated access to a resource.
type PresignedLink struct {
	Token     string `json:"token"`
	Key       string `json:"key"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Page is a slugged markdown document the runtime can serve, optionally
// carrying a form schema whose submissions are delivered as webhooks.
type Page struct {
	Slug       string          `json:"slug"`
	Title      string          `json:"title,omitempty"`
	Body       string          `json:"body"`
	FormSchema json.RawMessage `json:"formSchema,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// User is an operator identity with registered public keys.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// UserKey is one public key registered for a user.
type UserKey struct {
	UserID      string `json:"userId"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"publicKey"`
	CreatedAt   int64  `json:"createdAt"`
}

// RootPublicKeyName is the reserved secret holding the deployment's root
// public key. It is write/delete-protected over HTTP and filtered from
// list responses.
const RootPublicKeyName = "ROOT_PUBLIC_KEY"

// --- narrow read interfaces handed to steps ---

// ResourceReader is the step-facing view of the blob store.
type ResourceReader interface {
	GetResource(ctx context.Context, key string) (Resource, error)
}

// SecretReader is the step-facing view of the secret store.
type SecretReader interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// PageWriter lets steps publish or update pages.
type PageWriter interface {
	PutPage(ctx context.Context, p Page) error
	GetPage(ctx context.Context, slug string) (Page, error)
}

// --- persistence contract ---

// Store is the durable backend for the runtime: the append-only event log,
// run records, schedules, resources, secrets, pages, and users.
// store/sqlite and store/postgres implement it.
type Store interface {
	// Runs.
	CreateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, brainTitle string, limit int) ([]Run, error)
	ListRunsByStatus(ctx context.Context, status RunStatus) ([]Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, completedAt int64) error

	// Event log. AppendEvent assigns the next sequence number atomically and
	// MUST reject appends for runs whose status is terminal.
	AppendEvent(ctx context.Context, runID string, e Event) (seq int64, err error)
	ListEvents(ctx context.Context, runID string) ([]Event, error)

	// Advisory single-writer ownership. AcquireRunOwner succeeds for at most
	// one live token per run; ReleaseRunOwner frees it.
	AcquireRunOwner(ctx context.Context, runID, token string) (bool, error)
	ReleaseRunOwner(ctx context.Context, runID, token string) error

	// Webhook registrations outstanding for WAITING runs.
	PutWebhookWait(ctx context.Context, runID string, regs []WebhookRegistration) error
	GetWebhookWait(ctx context.Context, runID string) ([]WebhookRegistration, error)
	ClearWebhookWait(ctx context.Context, runID string) error
	FindWaitingRun(ctx context.Context, slug, identifier string) (runID string, reg WebhookRegistration, err error)

	// Schedules.
	CreateSchedule(ctx context.Context, s Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	RecordScheduledRun(ctx context.Context, sr ScheduledRun) error
	ListScheduledRuns(ctx context.Context, limit int) ([]ScheduledRun, error)

	// Key-value config (scheduler timezone, presigned tokens, ...).
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	// Resources.
	PutResource(ctx context.Context, r Resource) error
	GetResource(ctx context.Context, key string) (Resource, error)
	ListResources(ctx context.Context) ([]Resource, error)
	DeleteResource(ctx context.Context, key string) error

	// Secrets.
	PutSecret(ctx context.Context, name, value string) error
	GetSecret(ctx context.Context, name string) (string, error)
	ListSecretNames(ctx context.Context) ([]string, error)
	DeleteSecret(ctx context.Context, name string) error

	// Pages.
	PutPage(ctx context.Context, p Page) error
	GetPage(ctx context.Context, slug string) (Page, error)
	ListPages(ctx context.Context) ([]Page, error)
	DeletePage(ctx context.Context, slug string) error

	// Users and keys.
	CreateUser(ctx context.Context, u User) error
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id string) error
	AddUserKey(ctx context.Context, k UserKey) error
	ListUserKeys(ctx context.Context, userID string) ([]UserKey, error)
	DeleteUserKey(ctx context.Context, userID, fingerprint string) error

	// Lifecycle.
	Init(ctx context.Context) error
	Close() error
}
