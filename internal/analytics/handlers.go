package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parcelhub/jobcore/internal/cache"
	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/queue"
	"github.com/parcelhub/jobcore/internal/worker"
)

// DefaultFanOut bounds concurrent per-user refreshes of one job.
const DefaultFanOut = 4

// Handlers recompute snapshots and write them to the cache.
type Handlers struct {
	port   Port
	cache  cache.Cache
	fanOut int
	logger *slog.Logger
}

// NewHandlers creates the analytics handler set. A fanOut below one means
// DefaultFanOut.
func NewHandlers(port Port, c cache.Cache, fanOut int, logger *slog.Logger) *Handlers {
	if port == nil {
		panic("analytics port cannot be nil")
	}
	if c == nil {
		panic("cache cannot be nil")
	}
	if fanOut < 1 {
		fanOut = DefaultFanOut
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		port:   port,
		cache:  c,
		fanOut: fanOut,
		logger: logger.With("component", "analytics_handlers"),
	}
}

// Register installs the handlers of the analytics queue.
func (h *Handlers) Register(reg *worker.Registry) {
	worker.Handle(reg, func(ctx context.Context, d *queue.Delivery, p job.HomeAnalyticsPayload) error {
		return h.refresh(ctx, d, cache.ScopeHome, p.AnalyticsRequest)
	})
	worker.Handle(reg, func(ctx context.Context, d *queue.Delivery, p job.ShipmentPerformancePayload) error {
		return h.refresh(ctx, d, cache.ScopePerformance, p.AnalyticsRequest)
	})
	worker.Handle(reg, func(ctx context.Context, d *queue.Delivery, p job.RealTimeAnalyticsPayload) error {
		return h.refresh(ctx, d, cache.ScopeRealTime, p.AnalyticsRequest)
	})
	worker.Handle(reg, func(ctx context.Context, d *queue.Delivery, p job.PredictiveAnalyticsPayload) error {
		return h.refresh(ctx, d, cache.ScopePredictive, p.AnalyticsRequest)
	})
}

// refresh recomputes scope for the requested user, or for every active user
// when the request names none.
func (h *Handlers) refresh(ctx context.Context, d *queue.Delivery, scope cache.Scope, req job.AnalyticsRequest) error {
	log := logger.FromContextOrDefault(ctx, h.logger).With(
		"job_id", d.Envelope.ID,
		"scope", scope,
	)

	if req.UserID != uuid.Nil {
		return h.refreshUser(ctx, log, scope, req.UserID, req.Params)
	}

	users, err := h.port.ListActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.fanOut)
	for _, userID := range users {
		g.Go(func() error {
			if err := h.refreshUser(gctx, log, scope, userID, req.Params); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				log.Warn("analytics refresh failed", "user_id", userID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("refresh %s: %d of %d users failed", scope, n, len(users))
	}
	log.Info("analytics refreshed", "users", len(users))
	return nil
}

func (h *Handlers) refreshUser(ctx context.Context, log *slog.Logger, scope cache.Scope, userID uuid.UUID, params map[string]string) error {
	snap, err := h.port.Compute(ctx, scope, userID, params)
	if err != nil {
		return fmt.Errorf("compute %s for %s: %w", scope, userID, err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return job.Permanent(fmt.Errorf("encode %s snapshot: %w", scope, err))
	}

	k := key(scope, userID, params).String()
	if err := h.cache.Set(ctx, k, raw, cache.TTLFor(scope)); err != nil {
		log.Warn("analytics cache write failed", "key", k, "error", err)
	}
	return nil
}
