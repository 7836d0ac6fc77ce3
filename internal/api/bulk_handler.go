package api

import (
	"fmt"
	"net/http"

	"github.com/parcelhub/jobcore/internal/api/shared"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/service"
)

// BulkHandler serves /api/bulk-operations.
type BulkHandler struct {
	jobs service.JobService
}

// NewBulkHandler creates a BulkHandler.
func NewBulkHandler(jobs service.JobService) *BulkHandler {
	if jobs == nil {
		panic("job service cannot be nil")
	}
	return &BulkHandler{jobs: jobs}
}

// Submit handles POST /api/bulk-operations. The operation is created and
// queued; processing happens asynchronously, hence 202.
func (h *BulkHandler) Submit(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req service.BulkRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	sub, err := h.jobs.Submit(r.Context(), userID, req)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit bulk operation")
		return
	}

	logger.FromContext(r.Context()).Info("bulk operation accepted",
		"operation_id", sub.Operation.ID,
		"type", sub.Operation.Type,
		"user_id", userID)

	w.Header().Set("Location", fmt.Sprintf("/api/bulk-operations/%s", sub.Operation.ID))
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitResponse{
		Operation: operationToResponse(*sub.Operation),
		JobID:     sub.Job.JobID,
	})
}

// Get handles GET /api/bulk-operations/{id}.
func (h *BulkHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	op, err := h.jobs.Operation(r.Context(), id, userID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load operation")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, operationToResponse(*op))
}

// List handles GET /api/bulk-operations.
func (h *BulkHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, err := getLimit(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	ops, err := h.jobs.Operations(r.Context(), userID, limit)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list operations")
		return
	}

	resp := OperationListResponse{Operations: make([]OperationResponse, 0, len(ops))}
	for _, op := range ops {
		resp.Operations = append(resp.Operations, operationToResponse(op))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
