package analytics

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/cache"
)

// Service serves snapshots to request handlers, computing on a cache miss.
type Service struct {
	port   Port
	cache  cache.Cache
	loader *cache.Loader
}

// NewService creates a Service.
func NewService(port Port, c cache.Cache, logger *slog.Logger) *Service {
	if port == nil {
		panic("analytics port cannot be nil")
	}
	if c == nil {
		panic("cache cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		port:   port,
		cache:  c,
		loader: cache.NewLoader(c, logger.With("component", "analytics_service")),
	}
}

// Get returns the snapshot of scope for userID.
func (s *Service) Get(ctx context.Context, scope cache.Scope, userID uuid.UUID, params map[string]string) (Snapshot, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return Snapshot{}, err
	}
	return cache.LoadJSON(ctx, s.loader, key(scope, userID, params), cache.TTLFor(scope),
		func(ctx context.Context) (Snapshot, error) {
			return s.port.Compute(ctx, scope, userID, params)
		})
}

// Clear drops every cached snapshot of userID and reports how many keys
// were removed.
func (s *Service) Clear(ctx context.Context, userID uuid.UUID) (int64, error) {
	return cache.ClearUser(ctx, s.cache, userID)
}
