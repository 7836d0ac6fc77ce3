// Package analytics refreshes per-user analytics snapshots in the cache and
// serves them back to request handlers.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/cache"
	"github.com/parcelhub/jobcore/internal/job"
)

// ErrUnknownScope is returned for scopes no analytics job computes.
var ErrUnknownScope = errors.New("unknown analytics scope")

// Snapshot is one computed analytics view.
type Snapshot struct {
	Scope       cache.Scope        `json:"scope"`
	UserID      uuid.UUID          `json:"user_id"`
	Metrics     map[string]float64 `json:"metrics"`
	Params      map[string]string  `json:"params,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Port computes snapshots from the platform's order and shipment data.
type Port interface {
	Compute(ctx context.Context, scope cache.Scope, userID uuid.UUID, params map[string]string) (Snapshot, error)
	ListActiveUsers(ctx context.Context) ([]uuid.UUID, error)
}

// ParseScope validates a scope name taken from a request.
func ParseScope(name string) (cache.Scope, error) {
	for _, s := range cache.AnalyticsScopes() {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScope, name)
}

// ScopeOf maps an analytics job type to the scope it refreshes.
func ScopeOf(t job.Type) (cache.Scope, bool) {
	switch t {
	case job.TypeProcessHomeAnalytics:
		return cache.ScopeHome, true
	case job.TypeProcessShipmentPerformance:
		return cache.ScopePerformance, true
	case job.TypeProcessRealTimeAnalytics:
		return cache.ScopeRealTime, true
	case job.TypeProcessPredictiveAnalytics:
		return cache.ScopePredictive, true
	}
	return "", false
}

func key(scope cache.Scope, userID uuid.UUID, params map[string]string) cache.Key {
	return cache.Key{
		Subject: cache.SubjectAnalytics,
		Scope:   scope,
		UserID:  userID,
		Params:  params,
	}
}
