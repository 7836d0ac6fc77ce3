// Package scheduler fires recurring jobs. Registrations pair a job template
// with a cron expression; every due tick enqueues exactly one job, even with
// several scheduler instances running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/store"
)

var (
	// ErrNotFound is returned for unknown registration ids.
	ErrNotFound = store.ErrScheduleNotFound

	// ErrInvalid wraps rejected registrations.
	ErrInvalid = errors.New("invalid schedule")

	// ErrUnavailable wraps transport failures of the schedule store.
	ErrUnavailable = errors.New("schedule store unavailable")
)

// Registration is a recurring job.
type Registration struct {
	ID        string       `json:"id"`
	Template  job.Template `json:"template"`
	Cron      string       `json:"cron"`
	NextRunAt time.Time    `json:"next_run_at"`
	LastRunAt *time.Time   `json:"last_run_at,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Store persists registrations and the per-tick claims that keep concurrent
// schedulers from firing the same tick twice.
type Store interface {
	// Save inserts or replaces the registration with the same ID.
	Save(ctx context.Context, reg Registration) error
	Get(ctx context.Context, id string) (Registration, error)
	Delete(ctx context.Context, id string) error

	// List returns every registration ordered by ID.
	List(ctx context.Context) ([]Registration, error)

	// Advance moves a registration to its next tick, but only while its
	// NextRunAt still equals expected. It reports whether it did.
	Advance(ctx context.Context, id string, expected time.Time, lastRun *time.Time, next time.Time) (bool, error)

	// ClaimTick takes the firing right for one tick. Only the first caller
	// within ttl gets true.
	ClaimTick(ctx context.Context, id string, tick time.Time, ttl time.Duration) (bool, error)
	ReleaseTick(ctx context.Context, id string, tick time.Time) error
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a five-field expression or a descriptor such as @hourly.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %w", ErrInvalid, expr, err)
	}
	return sched, nil
}

// DedupeID is the dedupe id of the job fired for tick.
func DedupeID(id string, tick time.Time) string {
	return fmt.Sprintf("%s@%d", id, tick.Unix())
}
