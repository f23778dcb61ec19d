package brains

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// timezoneConfigKey stores the scheduler's default timezone in the config
// table. Schedules without their own timezone use it; empty means UTC.
const timezoneConfigKey = "scheduler.timezone"

// schedulerConfig holds options accumulated by SchedulerOption calls.
type schedulerConfig struct {
	interval time.Duration
	logger   *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerConfig)

// WithSchedulerInterval sets the polling interval. Default: 1 minute.
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) { c.interval = d }
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(c *schedulerConfig) { c.logger = l }
}

// Scheduler polls the store for cron registrations and creates runs of the
// registered brains when their expressions fire. Each firing is recorded as
// a scheduled-run entry, success or failure.
type Scheduler struct {
	rt       *Runtime
	interval time.Duration
	logger   *slog.Logger
	last     time.Time
}

// NewScheduler creates a Scheduler over a runtime.
func NewScheduler(rt *Runtime, opts ...SchedulerOption) *Scheduler {
	cfg := schedulerConfig{
		interval: time.Minute,
		logger:   rt.logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{rt: rt, interval: cfg.interval, logger: cfg.logger}
}

// CreateSchedule validates and persists one cron registration. The brain
// must be registered and the expression must parse.
func (s *Scheduler) CreateSchedule(ctx context.Context, brainTitle, cronExpr, timezone string) (Schedule, error) {
	if _, err := s.rt.GetBrain(brainTitle); err != nil {
		return Schedule{}, err
	}
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return Schedule{}, fmt.Errorf("cron expression: %w", err)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return Schedule{}, fmt.Errorf("timezone: %w", err)
		}
	}
	sched := Schedule{
		ID:             NewID(),
		BrainTitle:     brainTitle,
		CronExpression: cronExpr,
		Timezone:       timezone,
		Enabled:        true,
		CreatedAt:      NowUnix(),
	}
	if err := s.rt.store.CreateSchedule(ctx, sched); err != nil {
		return Schedule{}, err
	}
	s.logger.Info("schedule created", "schedule", sched.ID, "brain", brainTitle, "cron", cronExpr)
	return sched, nil
}

// ListSchedules returns all registrations.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.rt.store.ListSchedules(ctx)
}

// GetSchedule returns one registration.
func (s *Scheduler) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	return s.rt.store.GetSchedule(ctx, id)
}

// DeleteSchedule removes a registration. Past scheduled-run entries stay.
func (s *Scheduler) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := s.rt.store.GetSchedule(ctx, id); err != nil {
		return err
	}
	return s.rt.store.DeleteSchedule(ctx, id)
}

// ListScheduledRuns returns past firings, newest first.
func (s *Scheduler) ListScheduledRuns(ctx context.Context, limit int) ([]ScheduledRun, error) {
	return s.rt.store.ListScheduledRuns(ctx, limit)
}

// Timezone returns the default timezone name; empty means UTC.
func (s *Scheduler) Timezone(ctx context.Context) (string, error) {
	tz, err := s.rt.store.GetConfig(ctx, timezoneConfigKey)
	if err != nil {
		return "", err
	}
	return tz, nil
}

// SetTimezone sets the default timezone for schedules without their own.
func (s *Scheduler) SetTimezone(ctx context.Context, tz string) error {
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return s.rt.store.SetConfig(ctx, timezoneConfigKey, tz)
}

// Start begins the polling loop. Blocks until ctx is cancelled; returns nil
// on clean shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.last = time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
		s.tick(ctx, time.Now())
	}
}

// tick fires every enabled schedule whose next boundary after the previous
// tick has passed. A slow tick fires at most once per schedule; skipped
// boundaries are not replayed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	schedules, err := s.rt.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("schedule list failed", "error", err)
		return
	}
	defaultTZ, err := s.Timezone(ctx)
	if err != nil {
		s.logger.Warn("timezone config read failed", "error", err)
	}

	for _, sched := range schedules {
		if ctx.Err() != nil {
			return
		}
		if !sched.Enabled {
			continue
		}
		due, at, err := s.due(sched, defaultTZ, s.last, now)
		if err != nil {
			s.logger.Error("schedule evaluation failed", "schedule", sched.ID, "error", err)
			continue
		}
		if due {
			s.fire(ctx, sched, at)
		}
	}
	s.last = now
}

// due reports whether the schedule's next boundary after `from` has passed
// by `to`, evaluated in the schedule's timezone.
func (s *Scheduler) due(sched Schedule, defaultTZ string, from, to time.Time) (bool, time.Time, error) {
	expr, err := cron.ParseStandard(sched.CronExpression)
	if err != nil {
		return false, time.Time{}, err
	}
	tz := sched.Timezone
	if tz == "" {
		tz = defaultTZ
	}
	loc := time.UTC
	if tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return false, time.Time{}, err
		}
	}
	next := expr.Next(from.In(loc))
	if !next.After(to) {
		return true, next, nil
	}
	return false, time.Time{}, nil
}

// fire creates one run and records the firing.
func (s *Scheduler) fire(ctx context.Context, sched Schedule, at time.Time) {
	entry := ScheduledRun{
		ID:         NewID(),
		ScheduleID: sched.ID,
		BrainTitle: sched.BrainTitle,
		RunAt:      at.Unix(),
		Status:     "triggered",
	}
	run, err := s.rt.StartRun(ctx, sched.BrainTitle, nil)
	if err != nil {
		entry.Status = "failed"
		entry.Error = err.Error()
		s.logger.Error("scheduled run failed to start", "schedule", sched.ID, "brain", sched.BrainTitle, "error", err)
	} else {
		entry.BrainRunID = run.ID
		s.logger.Info("scheduled run started", "schedule", sched.ID, "run", run.ID)
	}
	if err := s.rt.store.RecordScheduledRun(ctx, entry); err != nil {
		s.logger.Error("scheduled run record failed", "schedule", sched.ID, "error", err)
	}
}
