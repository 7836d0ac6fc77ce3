package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/store"
)

const operationCodeConstraint = "bulk_operations_code_key"

const operationColumns = `id, code, type, user_id, status, total_count, processed_count,
	success_count, failed_count, report_path, file_path, error_message,
	created_at, updated_at, completed_at`

const (
	insertOperationSQL = `
		INSERT INTO bulk_operations (` + operationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	startOperationSQL = `
		UPDATE bulk_operations
		SET status = 'PROCESSING', updated_at = $2
		WHERE id = $1 AND status = 'PENDING'`

	insertItemSQL = `
		INSERT INTO bulk_operation_items (operation_id, item_key, success, error, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (operation_id, item_key) DO NOTHING`

	incrementOperationSQL = `
		UPDATE bulk_operations
		SET status = 'PROCESSING',
		    processed_count = processed_count + 1,
		    success_count = success_count + CASE WHEN $2::boolean THEN 1 ELSE 0 END,
		    failed_count = failed_count + CASE WHEN $2::boolean THEN 0 ELSE 1 END,
		    updated_at = $3
		WHERE id = $1
		  AND status IN ('PENDING', 'PROCESSING')
		  AND processed_count < total_count`

	completeOperationSQL = `
		UPDATE bulk_operations
		SET status = 'COMPLETED',
		    report_path = COALESCE(NULLIF($2, ''), report_path),
		    file_path = COALESCE(NULLIF($3, ''), file_path),
		    updated_at = $4,
		    completed_at = $4
		WHERE id = $1
		  AND status IN ('PENDING', 'PROCESSING')
		  AND processed_count = total_count`

	failOperationSQL = `
		UPDATE bulk_operations
		SET status = 'FAILED', error_message = $2, updated_at = $3, completed_at = $3
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')`

	attachArtifactsSQL = `
		UPDATE bulk_operations
		SET report_path = COALESCE(NULLIF($2, ''), report_path),
		    file_path = COALESCE(NULLIF($3, ''), file_path),
		    updated_at = $4
		WHERE id = $1`

	operationStateSQL = `
		SELECT status, processed_count, total_count
		FROM bulk_operations
		WHERE id = $1`

	getOperationSQL = `
		SELECT ` + operationColumns + `
		FROM bulk_operations
		WHERE id = $1 AND user_id = $2`

	lookupOperationSQL = `
		SELECT ` + operationColumns + `
		FROM bulk_operations
		WHERE id = $1`

	listOperationsSQL = `
		SELECT ` + operationColumns + `
		FROM bulk_operations
		WHERE user_id = $1
		ORDER BY created_at DESC, code DESC
		LIMIT $2`

	listItemsSQL = `
		SELECT item_key, success, error, created_at
		FROM bulk_operation_items
		WHERE operation_id = $1
		ORDER BY created_at, item_key`
)

// errNotCounted rolls back a checkpointed increment that must not count.
var errNotCounted = errors.New("item not counted")

// OperationStore implements operation.Store on PostgreSQL.
type OperationStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ operation.Store = (*OperationStore)(nil)

// NewOperationStore creates an OperationStore. The caller owns db.
func NewOperationStore(db *sql.DB, logger *slog.Logger) *OperationStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OperationStore{
		db:     db,
		logger: logger.With(slog.String("component", "operation_store")),
		now:    time.Now,
	}
}

// Create implements operation.Store. A code collision returns
// store.ErrOperationCodeExists.
func (s *OperationStore) Create(ctx context.Context, op *operation.Operation) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	_, err := s.db.ExecContext(ctx, insertOperationSQL,
		op.ID,
		op.Code,
		op.Type,
		op.UserID,
		op.Status,
		op.TotalCount,
		op.ProcessedCount,
		op.SuccessCount,
		op.FailedCount,
		op.ReportPath,
		op.FilePath,
		op.ErrorMessage,
		op.CreatedAt,
		op.UpdatedAt,
		op.CompletedAt,
	)
	if err != nil {
		if uniqueConstraint(err) == operationCodeConstraint {
			return fmt.Errorf("%w: %s", store.ErrOperationCodeExists, op.Code)
		}
		log.Error("failed to create operation",
			slog.String("error", err.Error()),
			slog.String("operation_id", op.ID.String()))
		return MapError(err)
	}
	return nil
}

// Start implements operation.Store.
func (s *OperationStore) Start(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, startOperationSQL, id, s.now().UTC())
	if err != nil {
		return MapError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	st, err := loadState(ctx, s.db, id)
	if err != nil {
		return err
	}
	if st.status.Terminal() {
		return &operation.TransitionError{From: st.status, To: operation.StatusProcessing}
	}
	return nil
}

// Increment implements operation.Store. With a key, the checkpoint row and
// the counter update commit together.
func (s *OperationStore) Increment(ctx context.Context, id uuid.UUID, res operation.ItemResult) (bool, error) {
	now := s.now().UTC()

	if res.Key == "" {
		err := s.increment(ctx, s.db, id, res.Success, now)
		if errors.Is(err, errNotCounted) {
			return false, nil
		}
		return err == nil, err
	}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, insertItemSQL, id, res.Key, res.Success, res.Error, now)
		if err != nil {
			if IsForeignKeyViolation(err) {
				return operation.ErrNotFound
			}
			return MapError(err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errNotCounted
		}
		return s.increment(ctx, tx, id, res.Success, now)
	})
	if errors.Is(err, errNotCounted) {
		return false, nil
	}
	return err == nil, err
}

func (s *OperationStore) increment(ctx context.Context, db store.DBTX, id uuid.UUID, success bool, now time.Time) error {
	r, err := db.ExecContext(ctx, incrementOperationSQL, id, success, now)
	if err != nil {
		return MapError(err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	st, err := loadState(ctx, db, id)
	if err != nil {
		return err
	}
	if st.status.Terminal() {
		return fmt.Errorf("%w: status %s", operation.ErrFinalized, st.status)
	}
	return errNotCounted
}

// Complete implements operation.Store.
func (s *OperationStore) Complete(ctx context.Context, id uuid.UUID, a operation.Artifacts) error {
	res, err := s.db.ExecContext(ctx, completeOperationSQL, id, a.ReportPath, a.FilePath, s.now().UTC())
	if err != nil {
		return MapError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	st, err := loadState(ctx, s.db, id)
	if err != nil {
		return err
	}
	if st.status.Terminal() {
		return &operation.TransitionError{From: st.status, To: operation.StatusCompleted}
	}
	return fmt.Errorf("%w: %d of %d processed", operation.ErrIncomplete, st.processed, st.total)
}

// Fail implements operation.Store.
func (s *OperationStore) Fail(ctx context.Context, id uuid.UUID, message string) error {
	res, err := s.db.ExecContext(ctx, failOperationSQL, id, message, s.now().UTC())
	if err != nil {
		return MapError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	st, err := loadState(ctx, s.db, id)
	if err != nil {
		return err
	}
	return &operation.TransitionError{From: st.status, To: operation.StatusFailed}
}

// AttachArtifacts implements operation.Store.
func (s *OperationStore) AttachArtifacts(ctx context.Context, id uuid.UUID, a operation.Artifacts) error {
	res, err := s.db.ExecContext(ctx, attachArtifactsSQL, id, a.ReportPath, a.FilePath, s.now().UTC())
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(res, "operation"); err != nil {
		if store.IsNotFoundError(err) {
			return operation.ErrNotFound
		}
		return err
	}
	return nil
}

// Get implements operation.Store.
func (s *OperationStore) Get(ctx context.Context, id, userID uuid.UUID) (*operation.Operation, error) {
	return s.queryOne(ctx, getOperationSQL, id, userID)
}

// Lookup implements operation.Store.
func (s *OperationStore) Lookup(ctx context.Context, id uuid.UUID) (*operation.Operation, error) {
	return s.queryOne(ctx, lookupOperationSQL, id)
}

func (s *OperationStore) queryOne(ctx context.Context, query string, args ...any) (*operation.Operation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, operation.ErrNotFound
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to load operation",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return op, nil
}

// ListByUser implements operation.Store.
func (s *OperationStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]operation.Operation, error) {
	rows, err := s.db.QueryContext(ctx, listOperationsSQL, userID, limit)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var ops []operation.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return ops, nil
}

// Items implements operation.Store.
func (s *OperationStore) Items(ctx context.Context, id uuid.UUID) ([]operation.Item, error) {
	rows, err := s.db.QueryContext(ctx, listItemsSQL, id)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var items []operation.Item
	for rows.Next() {
		var it operation.Item
		if err := rows.Scan(&it.Key, &it.Success, &it.Error, &it.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	if len(items) == 0 {
		if _, err := loadState(ctx, s.db, id); err != nil {
			return nil, err
		}
	}
	return items, nil
}

type operationState struct {
	status    operation.Status
	processed int
	total     int
}

func loadState(ctx context.Context, db store.DBTX, id uuid.UUID) (operationState, error) {
	var st operationState
	err := db.QueryRowContext(ctx, operationStateSQL, id).Scan(&st.status, &st.processed, &st.total)
	if errors.Is(err, sql.ErrNoRows) {
		return st, operation.ErrNotFound
	}
	if err != nil {
		return st, MapError(err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*operation.Operation, error) {
	var (
		op          operation.Operation
		completedAt sql.NullTime
	)
	err := row.Scan(
		&op.ID,
		&op.Code,
		&op.Type,
		&op.UserID,
		&op.Status,
		&op.TotalCount,
		&op.ProcessedCount,
		&op.SuccessCount,
		&op.FailedCount,
		&op.ReportPath,
		&op.FilePath,
		&op.ErrorMessage,
		&op.CreatedAt,
		&op.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		op.CompletedAt = &t
	}
	return &op, nil
}
