package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/api/shared"
	"github.com/parcelhub/jobcore/internal/job"
)

// Default and maximum page sizes of list endpoints.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// requireUser returns the authenticated user or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := shared.UserID(r.Context())
	if !ok {
		HandleAPIError(w, r, ErrUnauthorized, "")
		return uuid.Nil, false
	}
	return userID, true
}

// getPathUUID parses a UUID path parameter.
func getPathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", ErrBadRequest, name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", ErrBadRequest, name)
	}
	return id, nil
}

// getPathQueue parses the {queue} path parameter.
func getPathQueue(r *http.Request) (job.Queue, error) {
	q := job.Queue(chi.URLParam(r, "queue"))
	if !q.Valid() {
		return "", fmt.Errorf("%w: unknown queue %q", ErrBadRequest, q)
	}
	return q, nil
}

// getLimit reads the "limit" query parameter, clamped to MaxPageSize.
func getLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest)
	}
	return min(n, MaxPageSize), nil
}
