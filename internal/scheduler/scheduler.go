package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/queue"
)

// Defaults for the tick loop.
const (
	DefaultTickInterval = time.Second
	DefaultMisfireGrace = time.Minute
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTickInterval sets how often due registrations are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMisfireGrace sets how late a tick may fire. Ticks overdue by more are
// skipped.
func WithMisfireGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// Scheduler enqueues recurring jobs when their cron ticks come due.
type Scheduler struct {
	store    Store
	queue    queue.Client
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	grace    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler.
func New(store Store, client queue.Client, logger *slog.Logger, opts ...Option) *Scheduler {
	if store == nil {
		panic("schedule store cannot be nil")
	}
	if client == nil {
		panic("queue client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		store:    store,
		queue:    client,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		interval: DefaultTickInterval,
		grace:    DefaultMisfireGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers tmpl to fire on expr. Registering an existing id
// replaces it and restarts its timing from now.
func (s *Scheduler) Schedule(ctx context.Context, id string, tmpl job.Template, expr string) (Registration, error) {
	if id == "" {
		return Registration{}, fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if err := tmpl.Stamp(id).Validate(); err != nil {
		return Registration{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	sched, err := ParseCron(expr)
	if err != nil {
		return Registration{}, err
	}

	now := s.now().UTC()
	tmpl.Options.Cron = ""
	tmpl.Options.DedupeID = ""
	reg := Registration{
		ID:        id,
		Template:  tmpl,
		Cron:      expr,
		NextRunAt: sched.Next(now).UTC(),
		UpdatedAt: now,
	}
	if err := s.store.Save(ctx, reg); err != nil {
		return Registration{}, fmt.Errorf("save schedule %s: %w", id, err)
	}

	s.logger.Info("schedule registered",
		"schedule_id", id,
		"job_type", string(tmpl.Type),
		"cron", expr,
		"next_run_at", reg.NextRunAt)
	return reg, nil
}

// ScheduleEnvelope registers env as a template using its Options.Cron.
func (s *Scheduler) ScheduleEnvelope(ctx context.Context, id string, env job.Envelope) (Registration, error) {
	if env.Options.Cron == "" {
		return Registration{}, fmt.Errorf("%w: envelope has no cron expression", ErrInvalid)
	}
	tmpl := job.Template{
		Queue:   env.Queue,
		Type:    env.Type,
		Payload: env.Payload,
		Options: env.Options,
	}
	return s.Schedule(ctx, id, tmpl, env.Options.Cron)
}

// Unschedule removes a registration.
func (s *Scheduler) Unschedule(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	s.logger.Info("schedule removed", "schedule_id", id)
	return nil
}

// List returns all registrations.
func (s *Scheduler) List(ctx context.Context) ([]Registration, error) {
	return s.store.List(ctx)
}

// Tick fires every due registration once and returns how many jobs it
// enqueued. Failures of one registration do not stop the others.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	regs, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}

	now := s.now().UTC()
	fired := 0
	for _, reg := range regs {
		if reg.NextRunAt.After(now) {
			continue
		}
		ok, err := s.fire(ctx, reg, now)
		if err != nil {
			s.logger.Error("failed to fire schedule", "schedule_id", reg.ID, "error", err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, reg Registration, now time.Time) (bool, error) {
	sched, err := ParseCron(reg.Cron)
	if err != nil {
		return false, err
	}

	due := reg.NextRunAt
	next := sched.Next(now).UTC()
	log := s.logger.With("schedule_id", reg.ID, "tick", due)

	if late := now.Sub(due); late > s.grace {
		log.Warn("missed tick skipped", "late_by", late.String(), "next_run_at", next)
		_, err := s.store.Advance(ctx, reg.ID, due, reg.LastRunAt, next)
		return false, err
	}

	claimed, err := s.store.ClaimTick(ctx, reg.ID, due, s.grace+time.Minute)
	if err != nil {
		return false, fmt.Errorf("claim tick: %w", err)
	}

	if !claimed {
		// Another instance owns this tick and advances the registration.
		return false, nil
	}

	env := reg.Template.Stamp(DedupeID(reg.ID, due))
	h, err := s.queue.Enqueue(ctx, env)
	if err != nil {
		if relErr := s.store.ReleaseTick(ctx, reg.ID, due); relErr != nil {
			log.Warn("failed to release tick claim", "error", relErr)
		}
		return false, fmt.Errorf("enqueue: %w", err)
	}
	log.Info("schedule fired", "job_id", h.JobID, "duplicate", h.Duplicate)

	if _, err := s.store.Advance(ctx, reg.ID, due, &due, next); err != nil {
		return true, fmt.Errorf("advance: %w", err)
	}
	return true, nil
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("scheduler already running")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)
	s.logger.Info("scheduler started", "interval", s.interval.String(), "misfire_grace", s.grace.String())
	return nil
}

// Stop ends the tick loop and waits for the current tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}
