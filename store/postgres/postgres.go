// Package postgres implements brains.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Run ownership uses a
// plain owner table rather than session advisory locks so a token survives
// connection churn in the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenlabs/brains"
)

// Store implements brains.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ brains.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			brain_title TEXT NOT NULL,
			status TEXT NOT NULL,
			options JSONB,
			created_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS run_owners (
			run_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			acquired_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_waits (
			run_id TEXT NOT NULL,
			position INT NOT NULL,
			slug TEXT NOT NULL,
			identifier TEXT NOT NULL,
			payload_schema JSONB,
			timeout_seconds INT NOT NULL DEFAULT 0,
			PRIMARY KEY (run_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			brain_title TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_runs (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			brain_title TEXT NOT NULL,
			run_at BIGINT NOT NULL,
			status TEXT NOT NULL,
			brain_run_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS resources (
			key TEXT PRIMARY KEY,
			content_type TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL,
			data BYTEA NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pages (
			slug TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			form_schema JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_keys (
			user_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			public_key TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (user_id, fingerprint)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_brain ON runs(brain_title, created_at)`)
	_, _ = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`)
	_, _ = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_waits_slug ON webhook_waits(slug, identifier)`)
	return nil
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error { return nil }

// --- runs ---

func (s *Store) CreateRun(ctx context.Context, r brains.Run) error {
	options, err := json.Marshal(r.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, brain_title, status, options, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.BrainTitle, string(r.Status), options, r.CreatedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (brains.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, brain_title, status, options, created_at, completed_at FROM runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return brains.Run{}, &brains.NotFoundError{Kind: "run", Key: runID}
	}
	if err != nil {
		return brains.Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (brains.Run, error) {
	var r brains.Run
	var status string
	var options []byte
	if err := row.Scan(&r.ID, &r.BrainTitle, &status, &options, &r.CreatedAt, &r.CompletedAt); err != nil {
		return brains.Run{}, err
	}
	r.Status = brains.RunStatus(status)
	if len(options) > 0 {
		_ = json.Unmarshal(options, &r.Options)
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, brainTitle string, limit int) ([]brains.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, brain_title, status, options, created_at, completed_at
		 FROM runs WHERE brain_title = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		brainTitle, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *Store) ListRunsByStatus(ctx context.Context, status brains.RunStatus) ([]brains.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, brain_title, status, options, created_at, completed_at
		 FROM runs WHERE status = $1 ORDER BY created_at ASC, id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]brains.Run, error) {
	var runs []brains.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status brains.RunStatus, completedAt int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = $2 WHERE id = $3`,
		string(status), completedAt, runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &brains.NotFoundError{Kind: "run", Key: runID}
	}
	return nil
}

// --- event log ---

// AppendEvent assigns the next sequence number inside a transaction, with
// the run row locked so concurrent appenders serialize. Terminal runs
// reject appends.
func (s *Store) AppendEvent(ctx context.Context, runID string, e brains.Event) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("append event: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &brains.NotFoundError{Kind: "run", Key: runID}
	}
	if err != nil {
		return 0, fmt.Errorf("append event: run status: %w", err)
	}
	if brains.RunStatus(status).Terminal() {
		return 0, fmt.Errorf("append event: run %s is %s", runID, status)
	}

	var seq int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = $1`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append event: next seq: %w", err)
	}

	e.Seq = seq
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("append event: marshal: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO events (run_id, seq, type, payload) VALUES ($1, $2, $3, $4)`,
		runID, seq, string(e.Type), payload)
	if err != nil {
		return 0, fmt.Errorf("append event: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("append event: commit: %w", err)
	}
	return seq, nil
}

func (s *Store) ListEvents(ctx context.Context, runID string) ([]brains.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM events WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []brains.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e brains.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- advisory run ownership ---

func (s *Store) AcquireRunOwner(ctx context.Context, runID, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO run_owners (run_id, token, acquired_at) VALUES ($1, $2, $3)
		 ON CONFLICT (run_id) DO NOTHING`,
		runID, token, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("acquire run owner: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var existing string
	err = s.pool.QueryRow(ctx, `SELECT token FROM run_owners WHERE run_id = $1`, runID).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("acquire run owner: %w", err)
	}
	return existing == token, nil
}

func (s *Store) ReleaseRunOwner(ctx context.Context, runID, token string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM run_owners WHERE run_id = $1 AND token = $2`, runID, token)
	if err != nil {
		return fmt.Errorf("release run owner: %w", err)
	}
	return nil
}

// --- webhook waits ---

func (s *Store) PutWebhookWait(ctx context.Context, runID string, regs []brains.WebhookRegistration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("put webhook wait: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM webhook_waits WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("put webhook wait: clear: %w", err)
	}
	for i, reg := range regs {
		var schema []byte
		if len(reg.PayloadSchema) > 0 {
			schema = reg.PayloadSchema
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO webhook_waits (run_id, position, slug, identifier, payload_schema, timeout_seconds)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			runID, i, reg.Slug, reg.Identifier, schema, reg.TimeoutSeconds)
		if err != nil {
			return fmt.Errorf("put webhook wait: insert: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetWebhookWait(ctx context.Context, runID string) ([]brains.WebhookRegistration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT slug, identifier, payload_schema, timeout_seconds
		 FROM webhook_waits WHERE run_id = $1 ORDER BY position ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get webhook wait: %w", err)
	}
	defer rows.Close()

	var regs []brains.WebhookRegistration
	for rows.Next() {
		var reg brains.WebhookRegistration
		var schema []byte
		if err := rows.Scan(&reg.Slug, &reg.Identifier, &schema, &reg.TimeoutSeconds); err != nil {
			return nil, fmt.Errorf("scan webhook wait: %w", err)
		}
		if len(schema) > 0 {
			reg.PayloadSchema = json.RawMessage(schema)
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func (s *Store) ClearWebhookWait(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM webhook_waits WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("clear webhook wait: %w", err)
	}
	return nil
}

func (s *Store) FindWaitingRun(ctx context.Context, slug, identifier string) (string, brains.WebhookRegistration, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT w.run_id, w.slug, w.identifier, w.payload_schema, w.timeout_seconds
		 FROM webhook_waits w
		 JOIN runs r ON r.id = w.run_id
		 WHERE w.slug = $1 AND w.identifier = $2 AND r.status = $3
		 ORDER BY r.created_at ASC, w.position ASC
		 LIMIT 1`,
		slug, identifier, string(brains.RunWaiting))

	var runID string
	var reg brains.WebhookRegistration
	var schema []byte
	err := row.Scan(&runID, &reg.Slug, &reg.Identifier, &schema, &reg.TimeoutSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", brains.WebhookRegistration{}, &brains.NotFoundError{Kind: "webhook wait", Key: slug + "/" + identifier}
	}
	if err != nil {
		return "", brains.WebhookRegistration{}, fmt.Errorf("find waiting run: %w", err)
	}
	if len(schema) > 0 {
		reg.PayloadSchema = json.RawMessage(schema)
	}
	return runID, reg, nil
}

// --- schedules ---

func (s *Store) CreateSchedule(ctx context.Context, sc brains.Schedule) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO schedules (id, brain_title, cron_expression, timezone, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sc.ID, sc.BrainTitle, sc.CronExpression, sc.Timezone, sc.Enabled, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (brains.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, brain_title, cron_expression, timezone, enabled, created_at
		 FROM schedules WHERE id = $1`, id)
	var sc brains.Schedule
	err := row.Scan(&sc.ID, &sc.BrainTitle, &sc.CronExpression, &sc.Timezone, &sc.Enabled, &sc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return brains.Schedule{}, &brains.NotFoundError{Kind: "schedule", Key: id}
	}
	if err != nil {
		return brains.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]brains.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, brain_title, cron_expression, timezone, enabled, created_at
		 FROM schedules ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []brains.Schedule
	for rows.Next() {
		var sc brains.Schedule
		if err := rows.Scan(&sc.ID, &sc.BrainTitle, &sc.CronExpression, &sc.Timezone, &sc.Enabled, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (s *Store) RecordScheduledRun(ctx context.Context, sr brains.ScheduledRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_runs (id, schedule_id, brain_title, run_at, status, brain_run_id, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sr.ID, sr.ScheduleID, sr.BrainTitle, sr.RunAt, sr.Status, sr.BrainRunID, sr.Error)
	if err != nil {
		return fmt.Errorf("record scheduled run: %w", err)
	}
	return nil
}

func (s *Store) ListScheduledRuns(ctx context.Context, limit int) ([]brains.ScheduledRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, schedule_id, brain_title, run_at, status, brain_run_id, error
		 FROM scheduled_runs ORDER BY run_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scheduled runs: %w", err)
	}
	defer rows.Close()

	var out []brains.ScheduledRun
	for rows.Next() {
		var sr brains.ScheduledRun
		if err := rows.Scan(&sr.ID, &sr.ScheduleID, &sr.BrainTitle, &sr.RunAt, &sr.Status, &sr.BrainRunID, &sr.Error); err != nil {
			return nil, fmt.Errorf("scan scheduled run: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// --- config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get config: %w", err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

// --- resources ---

func (s *Store) PutResource(ctx context.Context, r brains.Resource) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO resources (key, content_type, size, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET
			content_type = excluded.content_type,
			size = excluded.size,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		r.Key, r.ContentType, int64(len(r.Data)), r.Data, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put resource: %w", err)
	}
	return nil
}

func (s *Store) GetResource(ctx context.Context, key string) (brains.Resource, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, content_type, size, data, updated_at FROM resources WHERE key = $1`, key)
	var r brains.Resource
	err := row.Scan(&r.Key, &r.ContentType, &r.Size, &r.Data, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return brains.Resource{}, &brains.NotFoundError{Kind: "resource", Key: key}
	}
	if err != nil {
		return brains.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	return r, nil
}

func (s *Store) ListResources(ctx context.Context) ([]brains.Resource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, content_type, size, updated_at FROM resources ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []brains.Resource
	for rows.Next() {
		var r brains.Resource
		if err := rows.Scan(&r.Key, &r.ContentType, &r.Size, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteResource(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM resources WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	return nil
}

// --- secrets ---

func (s *Store) PutSecret(ctx context.Context, name, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO secrets (name, value) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecret(ctx context.Context, name string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM secrets WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &brains.NotFoundError{Kind: "secret", Key: name}
	}
	if err != nil {
		return "", fmt.Errorf("get secret: %w", err)
	}
	return value, nil
}

func (s *Store) ListSecretNames(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM secrets ORDER BY name ASC`)
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

func (s *Store) DeleteSecret(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM secrets WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// --- pages ---

func (s *Store) PutPage(ctx context.Context, p brains.Page) error {
	var schema []byte
	if len(p.FormSchema) > 0 {
		schema = p.FormSchema
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pages (slug, title, body, form_schema, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
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

func (s *Store) GetPage(ctx context.Context, slug string) (brains.Page, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT slug, title, body, form_schema, created_at, updated_at FROM pages WHERE slug = $1`, slug)
	var p brains.Page
	var schema []byte
	err := row.Scan(&p.Slug, &p.Title, &p.Body, &schema, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return brains.Page{}, &brains.NotFoundError{Kind: "page", Key: slug}
	}
	if err != nil {
		return brains.Page{}, fmt.Errorf("get page: %w", err)
	}
	if len(schema) > 0 {
		p.FormSchema = json.RawMessage(schema)
	}
	return p, nil
}

func (s *Store) ListPages(ctx context.Context) ([]brains.Page, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT slug, title, body, form_schema, created_at, updated_at FROM pages ORDER BY slug ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var out []brains.Page
	for rows.Next() {
		var p brains.Page
		var schema []byte
		if err := rows.Scan(&p.Slug, &p.Title, &p.Body, &schema, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		if len(schema) > 0 {
			p.FormSchema = json.RawMessage(schema)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePage(ctx context.Context, slug string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pages WHERE slug = $1`, slug)
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	return nil
}

// --- users and keys ---

func (s *Store) CreateUser(ctx context.Context, u brains.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, created_at) VALUES ($1, $2, $3)`,
		u.ID, u.Name, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]brains.User, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete user: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM user_keys WHERE user_id = $1`, id); err != nil {
		return fmt.Errorf("delete user keys: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) AddUserKey(ctx context.Context, k brains.UserKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_keys (user_id, fingerprint, public_key, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, fingerprint) DO UPDATE SET public_key = excluded.public_key`,
		k.UserID, k.Fingerprint, k.PublicKey, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("add user key: %w", err)
	}
	return nil
}

func (s *Store) ListUserKeys(ctx context.Context, userID string) ([]brains.UserKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, fingerprint, public_key, created_at
		 FROM user_keys WHERE user_id = $1 ORDER BY created_at ASC, fingerprint ASC`, userID)
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

func (s *Store) DeleteUserKey(ctx context.Context, userID, fingerprint string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM user_keys WHERE user_id = $1 AND fingerprint = $2`, userID, fingerprint)
	if err != nil {
		return fmt.Errorf("delete user key: %w", err)
	}
	return nil
}
