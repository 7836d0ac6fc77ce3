package service

import (
	"errors"
	"fmt"

	"github.com/parcelhub/jobcore/internal/operation"
)

// Sentinel errors returned by JobService. The API layer maps them to status
// codes.
var (
	// ErrInvalidRequest indicates a submission that can never be processed:
	// unknown type, missing item references or an unreadable upload.
	ErrInvalidRequest = errors.New("invalid bulk request")

	// ErrEnqueueFailed indicates the operation was recorded but its job could
	// not be enqueued. The operation has been marked FAILED.
	ErrEnqueueFailed = errors.New("enqueue failed")

	// ErrSchedulerDisabled indicates a recurring job was requested from a
	// process without a scheduler.
	ErrSchedulerDisabled = errors.New("scheduler disabled")

	// ErrRequeueRejected indicates a dead job whose operation is already
	// finished or gone; running it again could not change the outcome.
	ErrRequeueRejected = errors.New("job cannot be requeued")
)

// JobServiceError wraps errors from the job service with context.
type JobServiceError struct {
	// Operation is the service method that failed (e.g. "submit", "requeue").
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for JobServiceError.
func (e *JobServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("job service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *JobServiceError) Unwrap() error {
	return e.Err
}

// NewJobServiceError creates a new JobServiceError. Not-found errors are
// returned as operation.ErrNotFound without wrapping.
func NewJobServiceError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, operation.ErrNotFound) {
		return operation.ErrNotFound
	}
	return &JobServiceError{Operation: op, Message: message, Err: err}
}
