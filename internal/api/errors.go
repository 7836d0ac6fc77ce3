package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/parcelhub/jobcore/internal/analytics"
	"github.com/parcelhub/jobcore/internal/api/shared"
	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/queue"
	"github.com/parcelhub/jobcore/internal/scheduler"
	"github.com/parcelhub/jobcore/internal/service"
	"github.com/parcelhub/jobcore/internal/service/auth"
	"github.com/parcelhub/jobcore/internal/store"
)

// Errors raised by the API layer itself.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
)

// MapErrorToStatusCode maps internal errors to HTTP status codes. Foreign
// operations map to 404 like missing ones so ids leak nothing about other users.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingUser):
		return http.StatusUnauthorized

	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden

	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, service.ErrRequeueRejected):
		return http.StatusConflict

	case errors.Is(err, ErrBadRequest),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, analytics.ErrUnknownScope),
		errors.Is(err, operation.ErrInvalid),
		errors.Is(err, scheduler.ErrInvalid),
		errors.Is(err, job.ErrInvalidPayload),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, service.ErrEnqueueFailed),
		errors.Is(err, service.ErrSchedulerDisabled),
		errors.Is(err, queue.ErrUnavailable),
		errors.Is(err, scheduler.ErrUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err that reveals
// nothing about internals.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrMissingUser):
		return "Invalid token"
	case errors.Is(err, ErrForbidden):
		return "Not allowed"
	case errors.Is(err, operation.ErrNotFound):
		return "Operation not found"
	case errors.Is(err, scheduler.ErrNotFound):
		return "Schedule not found"
	case errors.Is(err, queue.ErrNotFound):
		return "Job not found"
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	case errors.Is(err, analytics.ErrUnknownScope):
		return "Unknown analytics scope"
	case errors.Is(err, scheduler.ErrInvalid):
		return "Invalid schedule"
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, operation.ErrInvalid),
		errors.Is(err, job.ErrInvalidPayload),
		errors.Is(err, store.ErrInvalidEntity):
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return SanitizeValidationError(verrs)
		}
		return "Invalid request"
	case errors.Is(err, service.ErrEnqueueFailed):
		return "Operation could not be queued, please retry"
	case errors.Is(err, service.ErrSchedulerDisabled):
		return "Recurring jobs are not available"
	case errors.Is(err, service.ErrRequeueRejected):
		return "Job belongs to a finished operation and cannot be requeued"
	case errors.Is(err, queue.ErrUnavailable),
		errors.Is(err, scheduler.ErrUnavailable):
		return "Service temporarily unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError describes the first failed field without echoing
// the rejected value.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}
	fe := verrs[0]
	return fmt.Sprintf("Invalid %s: %s", strings.ToLower(fe.Field()), getValidationTagMessage(fe.Tag()))
}

func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too few items"
	case "max":
		return "too many items"
	case "unique":
		return "duplicate values"
	case "gte", "lte":
		return "out of range"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}

// HandleAPIError writes the status and safe message for err and logs the
// redacted cause.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallbackMessage string) {
	status := MapErrorToStatusCode(err)
	msg := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallbackMessage != "" {
		msg = fallbackMessage
	}
	shared.RespondWithErrorAndLog(w, r, status, msg, err)
}
