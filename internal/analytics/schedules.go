package analytics

import (
	"context"
	"fmt"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/scheduler"
)

// Schedule is a recurring refresh registered at startup.
type Schedule struct {
	ID      string
	Cron    string
	Payload job.Payload
}

// DefaultSchedules are the cluster-wide refreshes. Their payloads carry no
// user, so each firing covers every active user.
func DefaultSchedules() []Schedule {
	return []Schedule{
		{ID: "realtime-analytics-cron", Cron: "* * * * *", Payload: job.RealTimeAnalyticsPayload{}},
		{ID: "home-analytics-cron", Cron: "*/5 * * * *", Payload: job.HomeAnalyticsPayload{}},
		{ID: "performance-analytics-cron", Cron: "*/10 * * * *", Payload: job.ShipmentPerformancePayload{}},
		{ID: "predictive-analytics-cron", Cron: "*/30 * * * *", Payload: job.PredictiveAnalyticsPayload{}},
	}
}

// Registrar persists recurring registrations.
type Registrar interface {
	Schedule(ctx context.Context, id string, tmpl job.Template, expr string) (scheduler.Registration, error)
}

// RegisterSchedules registers each schedule, replacing any earlier entry of
// the same id.
func RegisterSchedules(ctx context.Context, r Registrar, schedules []Schedule) error {
	for _, s := range schedules {
		tmpl, err := job.TemplateOf(s.Payload)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", s.ID, err)
		}
		if _, err := r.Schedule(ctx, s.ID, tmpl, s.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", s.ID, err)
		}
	}
	return nil
}
