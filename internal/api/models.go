package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/queue"
	"github.com/parcelhub/jobcore/internal/scheduler"
)

// OperationResponse is the read contract of a bulk operation.
type OperationResponse struct {
	ID             uuid.UUID        `json:"id"`
	Code           string           `json:"code"`
	Type           operation.Type   `json:"type"`
	Status         operation.Status `json:"status"`
	TotalCount     int              `json:"total_count"`
	ProcessedCount int              `json:"processed_count"`
	SuccessCount   int              `json:"success_count"`
	FailedCount    int              `json:"failed_count"`
	Progress       int              `json:"progress"`
	ReportPath     string           `json:"report_path,omitempty"`
	FilePath       string           `json:"file_path,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// SubmitResponse is returned when a bulk operation is accepted.
type SubmitResponse struct {
	Operation OperationResponse `json:"operation"`
	JobID     string            `json:"job_id"`
}

// OperationListResponse is a page of the caller's operations.
type OperationListResponse struct {
	Operations []OperationResponse `json:"operations"`
}

// DeadLetterListResponse is a page of dead jobs.
type DeadLetterListResponse struct {
	Queue       string             `json:"queue"`
	DeadLetters []queue.DeadLetter `json:"dead_letters"`
}

// PurgeResponse reports how many dead jobs were deleted.
type PurgeResponse struct {
	Purged int64 `json:"purged"`
}

// ClearCacheResponse reports how many cache entries were removed.
type ClearCacheResponse struct {
	Cleared int64 `json:"cleared"`
}

// ScheduleResponse describes one recurring registration.
type ScheduleResponse struct {
	ID        string     `json:"id"`
	JobType   string     `json:"job_type"`
	Queue     string     `json:"queue"`
	Cron      string     `json:"cron"`
	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

func operationToResponse(op operation.Operation) OperationResponse {
	return OperationResponse{
		ID:             op.ID,
		Code:           op.Code,
		Type:           op.Type,
		Status:         op.Status,
		TotalCount:     op.TotalCount,
		ProcessedCount: op.ProcessedCount,
		SuccessCount:   op.SuccessCount,
		FailedCount:    op.FailedCount,
		Progress:       op.Progress(),
		ReportPath:     op.ReportPath,
		FilePath:       op.FilePath,
		ErrorMessage:   op.ErrorMessage,
		CreatedAt:      op.CreatedAt,
		UpdatedAt:      op.UpdatedAt,
		CompletedAt:    op.CompletedAt,
	}
}

func scheduleToResponse(reg scheduler.Registration) ScheduleResponse {
	return ScheduleResponse{
		ID:        reg.ID,
		JobType:   string(reg.Template.Type),
		Queue:     string(reg.Template.Queue),
		Cron:      reg.Cron,
		NextRunAt: reg.NextRunAt,
		LastRunAt: reg.LastRunAt,
	}
}
