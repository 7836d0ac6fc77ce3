package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/analytics"
	"github.com/parcelhub/jobcore/internal/api/shared"
	"github.com/parcelhub/jobcore/internal/cache"
)

// AnalyticsReader serves and invalidates cached analytics.
type AnalyticsReader interface {
	Get(ctx context.Context, scope cache.Scope, userID uuid.UUID, params map[string]string) (analytics.Snapshot, error)
	Clear(ctx context.Context, userID uuid.UUID) (int64, error)
}

// AnalyticsHandler serves /api/analytics.
type AnalyticsHandler struct {
	analytics AnalyticsReader
}

// NewAnalyticsHandler creates an AnalyticsHandler.
func NewAnalyticsHandler(reader AnalyticsReader) *AnalyticsHandler {
	if reader == nil {
		panic("analytics reader cannot be nil")
	}
	return &AnalyticsHandler{analytics: reader}
}

// Get handles GET /api/analytics/{scope}. Query parameters select the
// variant and become part of the cache key.
func (h *AnalyticsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	scope, err := analytics.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	var params map[string]string
	if q := r.URL.Query(); len(q) > 0 {
		params = make(map[string]string, len(q))
		for k := range q {
			params[k] = q.Get(k)
		}
	}

	snap, err := h.analytics.Get(r.Context(), scope, userID, params)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load analytics")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, snap)
}

// Clear handles DELETE /api/analytics/cache.
func (h *AnalyticsHandler) Clear(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.analytics.Clear(r.Context(), userID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to clear analytics cache")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ClearCacheResponse{Cleared: n})
}
