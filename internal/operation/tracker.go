package operation

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/store"
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6

	// maxCodeAttempts bounds the retries on a code collision.
	maxCodeAttempts = 5

	// DefaultListLimit is used when List is called without a limit.
	DefaultListLimit = 50
)

// NewOperation is the input to Tracker.Create.
type NewOperation struct {
	Type       Type      `validate:"required"`
	UserID     uuid.UUID `validate:"required"`
	TotalCount int       `validate:"gte=0"`
	FilePath   string
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock replaces the wall clock used for timestamps and codes.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithCodeGenerator replaces the random code generator.
func WithCodeGenerator(gen func(time.Time) string) TrackerOption {
	return func(t *Tracker) { t.code = gen }
}

// Tracker is the entry point for creating and advancing operations.
type Tracker struct {
	store     Store
	validator *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
	code      func(time.Time) string
}

// NewTracker creates a Tracker over s.
func NewTracker(s Store, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if s == nil {
		panic("operation store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		store:     s,
		validator: validator.New(),
		logger:    logger.With("component", "operation_tracker"),
		now:       time.Now,
		code:      GenerateCode,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create validates in and stores a PENDING operation with a fresh code.
func (t *Tracker) Create(ctx context.Context, in NewOperation) (*Operation, error) {
	if err := t.validator.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, in.Type)
	}

	now := t.now().UTC()
	op := &Operation{
		ID:         uuid.New(),
		Type:       in.Type,
		UserID:     in.UserID,
		Status:     StatusPending,
		TotalCount: in.TotalCount,
		FilePath:   in.FilePath,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var err error
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		op.Code = t.code(now)
		err = t.store.Create(ctx, op)
		if !errors.Is(err, store.ErrOperationCodeExists) {
			break
		}
		t.logger.Warn("operation code collision, regenerating",
			"code", op.Code, "attempt", attempt)
	}
	if err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}

	t.logger.Info("operation created",
		"operation_id", op.ID,
		"code", op.Code,
		"type", string(op.Type),
		"user_id", op.UserID,
		"total_count", op.TotalCount)
	return op, nil
}

// Start moves a PENDING operation to PROCESSING. Starting an operation that
// is already PROCESSING is a no-op.
func (t *Tracker) Start(ctx context.Context, id uuid.UUID) error {
	if err := t.store.Start(ctx, id); err != nil {
		return fmt.Errorf("start operation %s: %w", id, err)
	}
	t.logger.Debug("operation processing", "operation_id", id)
	return nil
}

// Increment records one processed item. It returns false when the item was
// not counted, either because its key was already checkpointed or because
// every item has been accounted for.
func (t *Tracker) Increment(ctx context.Context, id uuid.UUID, res ItemResult) (bool, error) {
	counted, err := t.store.Increment(ctx, id, res)
	if err != nil {
		return false, fmt.Errorf("increment operation %s: %w", id, err)
	}
	if !counted {
		t.logger.Debug("item not counted", "operation_id", id, "item_key", res.Key)
	}
	return counted, nil
}

// Complete marks the operation COMPLETED and records its artifacts.
func (t *Tracker) Complete(ctx context.Context, id uuid.UUID, a Artifacts) error {
	if err := t.store.Complete(ctx, id, a); err != nil {
		return fmt.Errorf("complete operation %s: %w", id, err)
	}
	t.logger.Info("operation completed", "operation_id", id, "report_path", a.ReportPath)
	return nil
}

// Fail marks the operation FAILED. Counts are left as they are.
func (t *Tracker) Fail(ctx context.Context, id uuid.UUID, message string) error {
	if err := t.store.Fail(ctx, id, message); err != nil {
		return fmt.Errorf("fail operation %s: %w", id, err)
	}
	t.logger.Warn("operation failed", "operation_id", id, "reason", message)
	return nil
}

// AttachArtifacts records artifact paths without changing the status.
func (t *Tracker) AttachArtifacts(ctx context.Context, id uuid.UUID, a Artifacts) error {
	if err := t.store.AttachArtifacts(ctx, id, a); err != nil {
		return fmt.Errorf("attach artifacts to operation %s: %w", id, err)
	}
	return nil
}

// Get returns the caller's operation. Unknown ids and ids owned by someone
// else both yield ErrNotFound.
func (t *Tracker) Get(ctx context.Context, id, userID uuid.UUID) (*Operation, error) {
	return t.store.Get(ctx, id, userID)
}

// Lookup returns an operation without an ownership check.
func (t *Tracker) Lookup(ctx context.Context, id uuid.UUID) (*Operation, error) {
	return t.store.Lookup(ctx, id)
}

// List returns the user's most recent operations.
func (t *Tracker) List(ctx context.Context, userID uuid.UUID, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return t.store.ListByUser(ctx, userID, limit)
}

// Items returns the checkpointed items of an operation.
func (t *Tracker) Items(ctx context.Context, id uuid.UUID) ([]Item, error) {
	return t.store.Items(ctx, id)
}

// GenerateCode returns a code of the form BO-YYMMDD-XXXXXX.
func GenerateCode(now time.Time) string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return fmt.Sprintf("BO-%s-%s", now.UTC().Format("060102"), buf)
}
