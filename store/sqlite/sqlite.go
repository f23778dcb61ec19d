// Package sqlite implements brains.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumenlabs/brains"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for writes including timing. If not set, no logs are
// emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements brains.Store backed by a local SQLite file. The event
// log is a plain table keyed (run_id, seq); sequence numbers are assigned
// inside a transaction so appends are atomic and strictly ordered.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ brains.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			brain_title TEXT NOT NULL,
			status TEXT NOT NULL,
			options TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS run_owners (
			run_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			acquired_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_waits (
			run_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			slug TEXT NOT NULL,
			identifier TEXT NOT NULL,
			payload_schema TEXT,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			brain_title TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			timezone TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_runs (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			brain_title TEXT NOT NULL,
			run_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			brain_run_id TEXT,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS resources (
			key TEXT PRIMARY KEY,
			content_type TEXT,
			size INTEGER NOT NULL,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pages (
			slug TEXT PRIMARY KEY,
			title TEXT,
			body TEXT NOT NULL,
			form_schema TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_keys (
			user_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			public_key TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, fingerprint)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_brain ON runs(brain_title, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_waits_slug ON webhook_waits(slug, identifier)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- runs ---

// CreateRun inserts a new run record.
func (s *Store) CreateRun(ctx context.Context, r brains.Run) error {
	options, err := json.Marshal(r.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, brain_title, status, options, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.BrainTitle, string(r.Status), string(options), r.CreatedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	s.logger.Debug("sqlite: run created", "run", r.ID, "brain", r.BrainTitle)
	return nil
}

func scanRun(scan func(dest ...any) error) (brains.Run, error) {
	var r brains.Run
	var status string
	var options sql.NullString
	var completedAt sql.NullInt64
	if err := scan(&r.ID, &r.BrainTitle, &status, &options, &r.CreatedAt, &completedAt); err != nil {
		return brains.Run{}, err
	}
	r.Status = brains.RunStatus(status)
	if options.Valid && options.String != "" {
		_ = json.Unmarshal([]byte(options.String), &r.Options)
	}
	if completedAt.Valid {
		r.CompletedAt = completedAt.Int64
	}
	return r, nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (brains.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, brain_title, status, options, created_at, completed_at FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return brains.Run{}, &brains.NotFoundError{Kind: "run", Key: runID}
	}
	if err != nil {
		return brains.Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a brain's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, brainTitle string, limit int) ([]brains.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, brain_title, status, options, created_at, completed_at
		 FROM runs WHERE brain_title = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		brainTitle, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRunsByStatus returns all runs in a status, oldest first.
func (s *Store) ListRunsByStatus(ctx context.Context, status brains.RunStatus) ([]brains.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, brain_title, status, options, created_at, completed_at
		 FROM runs WHERE status = ? ORDER BY created_at ASC, id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]brains.Run, error) {
	var runs []brains.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// UpdateRunStatus sets a run's status (and completion time for terminal
// statuses).
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status brains.RunStatus, completedAt int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), completedAt, runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &brains.NotFoundError{Kind: "run", Key: runID}
	}
	s.logger.Debug("sqlite: run status updated", "run", runID, "status", status)
	return nil
}

// --- event log ---

// AppendEvent appends one event, assigning the next sequence number inside
// a transaction. Appends to terminal runs are rejected; the log is never
// truncated or rewritten.
func (s *Store) AppendEvent(ctx context.Context, runID string, e brains.Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append event: begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return 0, &brains.NotFoundError{Kind: "run", Key: runID}
	}
	if err != nil {
		return 0, fmt.Errorf("append event: run status: %w", err)
	}
	if brains.RunStatus(status).Terminal() {
		return 0, fmt.Errorf("append event: run %s is %s", runID, status)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append event: next seq: %w", err)
	}

	e.Seq = seq
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("append event: marshal: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, seq, type, payload) VALUES (?, ?, ?, ?)`,
		runID, seq, string(e.Type), string(payload))
	if err != nil {
		return 0, fmt.Errorf("append event: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append event: commit: %w", err)
	}
	return seq, nil
}

// ListEvents returns a run's full log in sequence order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]brains.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []brains.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e brains.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// --- advisory run ownership ---

// AcquireRunOwner succeeds for at most one live token per run. Re-acquiring
// with the same token also succeeds (idempotent).
func (s *Store) AcquireRunOwner(ctx context.Context, runID, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_owners (run_id, token, acquired_at) VALUES (?, ?, ?)
		 ON CONFLICT (run_id) DO NOTHING`,
		runID, token, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("acquire run owner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT token FROM run_owners WHERE run_id = ?`, runID).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("acquire run owner: %w", err)
	}
	return existing == token, nil
}

// ReleaseRunOwner frees the run's ownership if held by token.
func (s *Store) ReleaseRunOwner(ctx context.Context, runID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_owners WHERE run_id = ? AND token = ?`, runID, token)
	if err != nil {
		return fmt.Errorf("release run owner: %w", err)
	}
	return nil
}

// --- webhook waits ---

// PutWebhookWait replaces a run's outstanding registrations.
func (s *Store) PutWebhookWait(ctx context.Context, runID string, regs []brains.WebhookRegistration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put webhook wait: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_waits WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("put webhook wait: clear: %w", err)
	}
	for i, reg := range regs {
		var schema *string
		if len(reg.PayloadSchema) > 0 {
			v := string(reg.PayloadSchema)
			schema = &v
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO webhook_waits (run_id, position, slug, identifier, payload_schema, timeout_seconds)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, i, reg.Slug, reg.Identifier, schema, reg.TimeoutSeconds)
		if err != nil {
			return fmt.Errorf("put webhook wait: insert: %w", err)
		}
	}
	return tx.Commit()
}

// GetWebhookWait returns a run's outstanding registrations in order.
func (s *Store) GetWebhookWait(ctx context.Context, runID string) ([]brains.WebhookRegistration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slug, identifier, payload_schema, timeout_seconds
		 FROM webhook_waits WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get webhook wait: %w", err)
	}
	defer rows.Close()

	var regs []brains.WebhookRegistration
	for rows.Next() {
		var reg brains.WebhookRegistration
		var schema sql.NullString
		if err := rows.Scan(&reg.Slug, &reg.Identifier, &schema, &reg.TimeoutSeconds); err != nil {
			return nil, fmt.Errorf("scan webhook wait: %w", err)
		}
		if schema.Valid {
			reg.PayloadSchema = json.RawMessage(schema.String)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// ClearWebhookWait removes all of a run's registrations.
func (s *Store) ClearWebhookWait(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_waits WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("clear webhook wait: %w", err)
	}
	return nil
}

// FindWaitingRun returns the first WAITING run with an outstanding
// registration exactly matching (slug, identifier).
func (s *Store) FindWaitingRun(ctx context.Context, slug, identifier string) (string, brains.WebhookRegistration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT w.run_id, w.slug, w.identifier, w.payload_schema, w.timeout_seconds
		 FROM webhook_waits w
		 JOIN runs r ON r.id = w.run_id
		 WHERE w.slug = ? AND w.identifier = ? AND r.status = ?
		 ORDER BY r.created_at ASC, w.position ASC
		 LIMIT 1`,
		slug, identifier, string(brains.RunWaiting))

	var runID string
	var reg brains.WebhookRegistration
	var schema sql.NullString
	err := row.Scan(&runID, &reg.Slug, &reg.Identifier, &schema, &reg.TimeoutSeconds)
	if err == sql.ErrNoRows {
		return "", brains.WebhookRegistration{}, &brains.NotFoundError{Kind: "webhook wait", Key: slug + "/" + identifier}
	}
	if err != nil {
		return "", brains.WebhookRegistration{}, fmt.Errorf("find waiting run: %w", err)
	}
	if schema.Valid {
		reg.PayloadSchema = json.RawMessage(schema.String)
	}
	return runID, reg, nil
}

// --- schedules ---

// CreateSchedule inserts a cron registration.
func (s *Store) CreateSchedule(ctx context.Context, sc brains.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, brain_title, cron_expression, timezone, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.BrainTitle, sc.CronExpression, sc.Timezone, boolToInt(sc.Enabled), sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// GetSchedule fetches one registration.
func (s *Store) GetSchedule(ctx context.Context, id string) (brains.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, brain_title, cron_expression, timezone, enabled, created_at
		 FROM schedules WHERE id = ?`, id)
	var sc brains.Schedule
	var enabled int
	var tz sql.NullString
	err := row.Scan(&sc.ID, &sc.BrainTitle, &sc.CronExpression, &tz, &enabled, &sc.CreatedAt)
	if err == sql.ErrNoRows {
		return brains.Schedule{}, &brains.NotFoundError{Kind: "schedule", Key: id}
	}
	if err != nil {
		return brains.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	sc.Timezone = tz.String
	sc.Enabled = enabled != 0
	return sc, nil
}

// ListSchedules returns all registrations, oldest first.
func (s *Store) ListSchedules(ctx context.Context) ([]brains.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, brain_title, cron_expression, timezone, enabled, created_at
		 FROM schedules ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []brains.Schedule
	for rows.Next() {
		var sc brains.Schedule
		var enabled int
		var tz sql.NullString
		if err := rows.Scan(&sc.ID, &sc.BrainTitle, &sc.CronExpression, &tz, &enabled, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Timezone = tz.String
		sc.Enabled = enabled != 0
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a registration.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// RecordScheduledRun inserts one firing record.
func (s *Store) RecordScheduledRun(ctx context.Context, sr brains.ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, schedule_id, brain_title, run_at, status, brain_run_id, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.ScheduleID, sr.BrainTitle, sr.RunAt, sr.Status, sr.BrainRunID, sr.Error)
	if err != nil {
		return fmt.Errorf("record scheduled run: %w", err)
	}
	return nil
}

// ListScheduledRuns returns firings, newest first.
func (s *Store) ListScheduledRuns(ctx context.Context, limit int) ([]brains.ScheduledRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, brain_title, run_at, status, brain_run_id, error
		 FROM scheduled_runs ORDER BY run_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scheduled runs: %w", err)
	}
	defer rows.Close()

	var out []brains.ScheduledRun
	for rows.Next() {
		var sr brains.ScheduledRun
		var runID, errMsg sql.NullString
		if err := rows.Scan(&sr.ID, &sr.ScheduleID, &sr.BrainTitle, &sr.RunAt, &sr.Status, &runID, &errMsg); err != nil {
			return nil, fmt.Errorf("scan scheduled run: %w", err)
		}
		sr.BrainRunID = runID.String
		sr.Error = errMsg.String
		out = append(out, sr)
	}
	return out, rows.Err()
}

// --- config ---

// GetConfig returns a config value, or "" when unset.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config: %w", err)
	}
	return value, nil
}

// SetConfig upserts a config value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

// --- resources ---

// PutResource upserts a blob.
func (s *Store) PutResource(ctx context.Context, r brains.Resource) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO resources (key, content_type, size, data, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.Key, r.ContentType, int64(len(r.Data)), r.Data, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put resource: %w", err)
	}
	s.logger.Debug("sqlite: resource stored", "key", r.Key, "size", len(r.Data))
	return nil
}

// GetResource fetches a blob with its data.
func (s *Store) GetResource(ctx context.Context, key string) (brains.Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, content_type, size, data, updated_at FROM resources WHERE key = ?`, key)
	var r brains.Resource
	var ct sql.NullString
	err := row.Scan(&r.Key, &ct, &r.Size, &r.Data, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return brains.Resource{}, &brains.NotFoundError{Kind: "resource", Key: key}
	}
	if err != nil {
		return brains.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	r.ContentType = ct.String
	return r, nil
}

// ListResources returns resource metadata (no data), sorted by key.
func (s *Store) ListResources(ctx context.Context) ([]brains.Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, content_type, size, updated_at FROM resources ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []brains.Resource
	for rows.Next() {
		var r brains.Resource
		var ct sql.NullString
		if err := rows.Scan(&r.Key, &ct, &r.Size, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		r.ContentType = ct.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteResource removes a blob.
func (s *Store) DeleteResource(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	return nil
}

// --- secrets ---

// PutSecret upserts a secret value.
func (s *Store) PutSecret(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO secrets (name, value) VALUES (?, ?)`, name, value)
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

// GetSecret fetches a secret value.
func (s *Store) GetSecret(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", &brains.NotFoundError{Kind: "secret", Key: name}
	}
	if err != nil {
		return "", fmt.Errorf("get secret: %w", err)
	}
	return value, nil
}

// ListSecretNames returns all secret names sorted.
func (s *Store) ListSecretNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteSecret removes a secret.
func (s *Store) DeleteSecret(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// --- pages ---

// PutPage upserts a page, preserving the original creation time.
func (s *Store) PutPage(ctx context.Context, p brains.Page) error {
	var schema *string
	if len(p.FormSchema) > 0 {
		v := string(p.FormSchema)
		schema = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (slug, title, body, form_schema, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (slug) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			form_schema = excluded.form_schema,
			updated_at = excluded.updated_at`,
		p.Slug, p.Title, p.Body, schema, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put page: %w", err)
	}
	return nil
}

// GetPage fetches one page.
func (s *Store) GetPage(ctx context.Context, slug string) (brains.Page, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT slug, title, body, form_schema, created_at, updated_at FROM pages WHERE slug = ?`, slug)
	var p brains.Page
	var title, schema sql.NullString
	err := row.Scan(&p.Slug, &title, &p.Body, &schema, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return brains.Page{}, &brains.NotFoundError{Kind: "page", Key: slug}
	}
	if err != nil {
		return brains.Page{}, fmt.Errorf("get page: %w", err)
	}
	p.Title = title.String
	if schema.Valid {
		p.FormSchema = json.RawMessage(schema.String)
	}
	return p, nil
}

// ListPages returns all pages sorted by slug.
func (s *Store) ListPages(ctx context.Context) ([]brains.Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slug, title, body, form_schema, created_at, updated_at FROM pages ORDER BY slug ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var out []brains.Page
	for rows.Next() {
		var p brains.Page
		var title, schema sql.NullString
		if err := rows.Scan(&p.Slug, &title, &p.Body, &schema, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.Title = title.String
		if schema.Valid {
			p.FormSchema = json.RawMessage(schema.String)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePage removes a page.
func (s *Store) DeletePage(ctx context.Context, slug string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE slug = ?`, slug)
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	return nil
}

// --- users and keys ---

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u brains.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Name, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// ListUsers returns all users, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]brains.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM users ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []brains.User
	for rows.Next() {
		var u brains.User
		if err := rows.Scan(&u.ID, &u.Name, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUser removes a user and their keys.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete user: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_keys WHERE user_id = ?`, id); err != nil {
		return fmt.Errorf("delete user keys: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return tx.Commit()
}

// AddUserKey registers a public key for a user.
func (s *Store) AddUserKey(ctx context.Context, k brains.UserKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO user_keys (user_id, fingerprint, public_key, created_at)
		 VALUES (?, ?, ?, ?)`,
		k.UserID, k.Fingerprint, k.PublicKey, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("add user key: %w", err)
	}
	return nil
}

// ListUserKeys returns a user's keys, oldest first.
func (s *Store) ListUserKeys(ctx context.Context, userID string) ([]brains.UserKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, fingerprint, public_key, created_at
		 FROM user_keys WHERE user_id = ? ORDER BY created_at ASC, fingerprint ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user keys: %w", err)
	}
	defer rows.Close()

	var out []brains.UserKey
	for rows.Next() {
		var k brains.UserKey
		if err := rows.Scan(&k.UserID, &k.Fingerprint, &k.PublicKey, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeleteUserKey removes one key.
func (s *Store) DeleteUserKey(ctx context.Context, userID, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_keys WHERE user_id = ? AND fingerprint = ?`, userID, fingerprint)
	if err != nil {
		return fmt.Errorf("delete user key: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
