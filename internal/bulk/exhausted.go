package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/worker"
)

// OperationFailer marks an operation as failed.
type OperationFailer interface {
	Fail(ctx context.Context, id uuid.UUID, message string) error
}

// FailOperation returns the dead-letter callback that marks the operation
// linked to an exhausted job FAILED with the job's last error.
func FailOperation(ops OperationFailer, logger *slog.Logger) worker.ExhaustedFunc {
	if ops == nil {
		panic("operation failer cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "bulk_exhausted")

	return func(ctx context.Context, env job.Envelope, cause error) {
		if env.OperationID == "" {
			return
		}
		id, err := uuid.Parse(env.OperationID)
		if err != nil {
			log.Error("dead-lettered job carries a malformed operation id",
				"job_id", env.ID, "operation_id", env.OperationID)
			return
		}

		msg := "job failed"
		if cause != nil {
			msg = cause.Error()
		}
		err = ops.Fail(ctx, id, fmt.Sprintf("%s: %s", env.Type, msg))
		switch {
		case err == nil:
			log.Warn("operation failed after exhausting retries",
				"job_id", env.ID, "operation_id", id, "error", msg)
		case errors.Is(err, operation.ErrFinalized), errors.Is(err, operation.ErrNotFound):
			log.Info("exhausted job left operation untouched",
				"job_id", env.ID, "operation_id", id, "reason", err)
		default:
			log.Error("failed to mark operation failed",
				"job_id", env.ID, "operation_id", id, "error", err)
		}
	}
}
