package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/store"
)

// Type is the kind of bulk operation.
type Type string

// Operation types.
const (
	TypeOrderUpload       Type = "ORDER_UPLOAD"
	TypeSchedulePickup    Type = "SCHEDULE_PICKUP"
	TypeCancelShipment    Type = "CANCEL_SHIPMENT"
	TypeDownloadLabel     Type = "DOWNLOAD_LABEL"
	TypeEditPickupAddress Type = "EDIT_PICKUP_ADDRESS"
	TypeEditOrderDetails  Type = "EDIT_ORDER_DETAILS"
	TypeBillingWeightCSV  Type = "BILLING_WEIGHT_CSV"
	TypeDisputeActionsCSV Type = "DISPUTE_ACTIONS_CSV"
)

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	switch t {
	case TypeOrderUpload, TypeSchedulePickup, TypeCancelShipment, TypeDownloadLabel,
		TypeEditPickupAddress, TypeEditOrderDetails, TypeBillingWeightCSV, TypeDisputeActionsCSV:
		return true
	}
	return false
}

// Status is the lifecycle state of an operation.
type Status string

// Statuses. Transitions only move forward:
// PENDING -> PROCESSING -> COMPLETED | FAILED.
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrNotFound is returned for unknown ids and for ids owned by another user.
	ErrNotFound = store.ErrOperationNotFound

	// ErrIncomplete is returned by Complete while items are still unprocessed.
	ErrIncomplete = errors.New("operation has unprocessed items")

	// ErrFinalized is returned when a completed or failed operation is modified.
	ErrFinalized = errors.New("operation already finalized")

	// ErrInvalid wraps validation failures of new operations.
	ErrInvalid = errors.New("invalid operation")
)

// Operation is the progress record of one bulk request.
type Operation struct {
	ID             uuid.UUID  `json:"id"`
	Code           string     `json:"code"`
	Type           Type       `json:"type"`
	UserID         uuid.UUID  `json:"user_id"`
	Status         Status     `json:"status"`
	TotalCount     int        `json:"total_count"`
	ProcessedCount int        `json:"processed_count"`
	SuccessCount   int        `json:"success_count"`
	FailedCount    int        `json:"failed_count"`
	ReportPath     string     `json:"report_path,omitempty"`
	FilePath       string     `json:"file_path,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Progress is the processed share in whole percent, rounded down.
func (o Operation) Progress() int {
	if o.TotalCount <= 0 {
		return 0
	}
	return o.ProcessedCount * 100 / o.TotalCount
}

// ItemResult is the outcome of one sub-unit. A non-empty Key checkpoints the
// item so that a redelivered job does not count it twice.
type ItemResult struct {
	Key     string
	Success bool
	Error   string
}

// Item is a checkpointed sub-unit.
type Item struct {
	Key       string    `json:"key"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifacts are the files an operation produces. Empty fields leave the
// stored value untouched.
type Artifacts struct {
	ReportPath string
	FilePath   string
}

// Store persists operations. Implementations make Increment atomic: the
// counters move only while the operation is not terminal and processed is
// below total, and a checkpointed key is counted at most once.
type Store interface {
	Create(ctx context.Context, op *Operation) error
	Start(ctx context.Context, id uuid.UUID) error
	Increment(ctx context.Context, id uuid.UUID, res ItemResult) (bool, error)
	Complete(ctx context.Context, id uuid.UUID, a Artifacts) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
	AttachArtifacts(ctx context.Context, id uuid.UUID, a Artifacts) error

	// Get returns the operation only if it belongs to userID.
	Get(ctx context.Context, id, userID uuid.UUID) (*Operation, error)

	// Lookup returns the operation regardless of owner. It serves job
	// handlers, never request paths.
	Lookup(ctx context.Context, id uuid.UUID) (*Operation, error)

	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Operation, error)
	Items(ctx context.Context, id uuid.UUID) ([]Item, error)
}

// TransitionError reports a state change refused because of the current
// status.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move operation from %s to %s", e.From, e.To)
}

// Unwrap maps every refused transition onto ErrFinalized.
func (e *TransitionError) Unwrap() error { return ErrFinalized }
