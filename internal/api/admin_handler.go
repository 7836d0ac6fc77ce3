package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/api/shared"
	"github.com/parcelhub/jobcore/internal/service"
)

// AdminHandler serves /api/admin: queue statistics, dead letters and
// recurring schedules.
type AdminHandler struct {
	jobs   service.JobService
	admins map[uuid.UUID]struct{}
}

// NewAdminHandler creates an AdminHandler. Only users in admins pass
// RequireAdmin.
func NewAdminHandler(jobs service.JobService, admins []uuid.UUID) *AdminHandler {
	if jobs == nil {
		panic("job service cannot be nil")
	}
	set := make(map[uuid.UUID]struct{}, len(admins))
	for _, id := range admins {
		set[id] = struct{}{}
	}
	return &AdminHandler{jobs: jobs, admins: set}
}

// RequireAdmin rejects authenticated users that are not administrators.
func (h *AdminHandler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}
		if _, ok := h.admins[userID]; !ok {
			shared.RespondWithErrorAndLog(w, r, http.StatusForbidden, GetSafeErrorMessage(ErrForbidden),
				ErrForbidden, shared.WithElevatedLogLevel())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stats handles GET /api/admin/queues/{queue}/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	q, err := getPathQueue(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	stats, err := h.jobs.QueueStats(r.Context(), q)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load queue statistics")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// DeadLetters handles GET /api/admin/queues/{queue}/dead-letters.
func (h *AdminHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	q, err := getPathQueue(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	limit, err := getLimit(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	dead, err := h.jobs.DeadLetters(r.Context(), q, limit)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list dead letters")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, DeadLetterListResponse{Queue: string(q), DeadLetters: dead})
}

// Requeue handles POST /api/admin/queues/{queue}/dead-letters/{jobID}/requeue.
func (h *AdminHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	q, err := getPathQueue(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := h.jobs.Requeue(r.Context(), q, chi.URLParam(r, "jobID")); err != nil {
		HandleAPIError(w, r, err, "Failed to requeue job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Purge handles DELETE /api/admin/queues/{queue}/dead-letters. The optional
// older_than parameter is a Go duration; without it every dead job goes.
func (h *AdminHandler) Purge(w http.ResponseWriter, r *http.Request) {
	q, err := getPathQueue(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	var age time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		age, err = time.ParseDuration(raw)
		if err != nil || age < 0 {
			HandleAPIError(w, r, fmt.Errorf("%w: older_than must be a non-negative duration", ErrBadRequest), "")
			return
		}
	}
	n, err := h.jobs.PurgeDeadLetters(r.Context(), q, age)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to purge dead letters")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, PurgeResponse{Purged: n})
}

// Schedules handles GET /api/admin/schedules.
func (h *AdminHandler) Schedules(w http.ResponseWriter, r *http.Request) {
	regs, err := h.jobs.Schedules(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list schedules")
		return
	}
	out := make([]ScheduleResponse, 0, len(regs))
	for _, reg := range regs {
		out = append(out, scheduleToResponse(reg))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, out)
}

// Unschedule handles DELETE /api/admin/schedules/{id}.
func (h *AdminHandler) Unschedule(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Unschedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		HandleAPIError(w, r, err, "Failed to remove schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
