package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/store"
)

var testNow = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*OperationStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})

	s := NewOperationStore(db, logger.Discard())
	s.now = func() time.Time { return testNow }
	return s, mock
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

func stateRows(status operation.Status, processed, total int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"status", "processed_count", "total_count"}).
		AddRow(string(status), processed, total)
}

func operationRow(op operation.Operation) *sqlmock.Rows {
	var completed driver.Value
	if op.CompletedAt != nil {
		completed = *op.CompletedAt
	}
	return sqlmock.NewRows([]string{
		"id", "code", "type", "user_id", "status", "total_count", "processed_count",
		"success_count", "failed_count", "report_path", "file_path", "error_message",
		"created_at", "updated_at", "completed_at",
	}).AddRow(
		op.ID.String(), op.Code, string(op.Type), op.UserID.String(), string(op.Status),
		op.TotalCount, op.ProcessedCount, op.SuccessCount, op.FailedCount,
		op.ReportPath, op.FilePath, op.ErrorMessage, op.CreatedAt, op.UpdatedAt, completed,
	)
}

func TestOperationStoreCreate(t *testing.T) {
	t.Parallel()

	op := &operation.Operation{
		ID:         uuid.New(),
		Code:       "BO-260502-ABCDEF",
		Type:       operation.TypeOrderUpload,
		UserID:     uuid.New(),
		Status:     operation.StatusPending,
		TotalCount: 12,
		FilePath:   "uploads/orders.csv",
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}

	t.Run("inserts", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		mock.ExpectExec(q("INSERT INTO bulk_operations")).
			WithArgs(op.ID, op.Code, op.Type, op.UserID, op.Status, 12, 0, 0, 0, "", "uploads/orders.csv", "",
				testNow, testNow, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Create(context.Background(), op))
	})

	t.Run("code collision", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		mock.ExpectExec(q("INSERT INTO bulk_operations")).
			WillReturnError(&pgconn.PgError{Code: uniqueViolationCode, ConstraintName: operationCodeConstraint})

		err := s.Create(context.Background(), op)
		assert.ErrorIs(t, err, store.ErrOperationCodeExists)
	})

	t.Run("other unique violation", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		mock.ExpectExec(q("INSERT INTO bulk_operations")).
			WillReturnError(&pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "bulk_operations_pkey"})

		err := s.Create(context.Background(), op)
		assert.ErrorIs(t, err, store.ErrDuplicate)
		assert.NotErrorIs(t, err, store.ErrOperationCodeExists)
	})
}

func TestOperationStoreStart(t *testing.T) {
	t.Parallel()
	id := uuid.New()

	tests := []struct {
		name    string
		setup   func(sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "pending to processing",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(q(startOperationSQL)).WithArgs(id, testNow).WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "already processing",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(q(startOperationSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectQuery(q(operationStateSQL)).WithArgs(id).WillReturnRows(stateRows(operation.StatusProcessing, 2, 5))
			},
		},
		{
			name: "terminal",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(q(startOperationSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectQuery(q(operationStateSQL)).WillReturnRows(stateRows(operation.StatusCompleted, 5, 5))
			},
			wantErr: operation.ErrFinalized,
		},
		{
			name: "missing",
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(q(startOperationSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectQuery(q(operationStateSQL)).WillReturnRows(sqlmock.NewRows([]string{"status"}))
			},
			wantErr: operation.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, mock := newMockStore(t)
			tt.setup(mock)
			err := s.Start(context.Background(), id)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestOperationStoreIncrement(t *testing.T) {
	t.Parallel()
	id := uuid.New()

	tests := []struct {
		name        string
		res         operation.ItemResult
		setup       func(sqlmock.Sqlmock)
		wantCounted bool
		wantErr     error
	}{
		{
			name: "unkeyed success",
			res:  operation.ItemResult{Success: true},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(q(incrementOperationSQL)).WithArgs(id, true, testNow).
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
			wantCounted: true,
		},
		{
			name: "unkeyed past total",
			res:  operation.ItemResult{Success: false},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(q(incrementOperationSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectQuery(q(operationStateSQL)).WillReturnRows(stateRows(operation.StatusProcessing, 3, 3))
			},
		},
		{
			name: "unkeyed on failed operation",
			res:  operation.ItemResult{Success: true},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(q(incrementOperationSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectQuery(q(operationStateSQL)).WillReturnRows(stateRows(operation.StatusFailed, 1, 3))
			},
			wantErr: operation.ErrFinalized,
		},
		{
			name: "keyed first time",
			res:  operation.ItemResult{Key: "SHP-1", Success: false, Error: "not cancellable"},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(q(insertItemSQL)).WithArgs(id, "SHP-1", false, "not cancellable", testNow).
					WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectExec(q(incrementOperationSQL)).WithArgs(id, false, testNow).
					WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectCommit()
			},
			wantCounted: true,
		},
		{
			name: "keyed duplicate",
			res:  operation.ItemResult{Key: "SHP-1", Success: true},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(q(insertItemSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectRollback()
			},
		},
		{
			name: "keyed past total rolls back checkpoint",
			res:  operation.ItemResult{Key: "SHP-9", Success: true},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(q(insertItemSQL)).WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectExec(q(incrementOperationSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectQuery(q(operationStateSQL)).WillReturnRows(stateRows(operation.StatusProcessing, 4, 4))
				m.ExpectRollback()
			},
		},
		{
			name: "keyed unknown operation",
			res:  operation.ItemResult{Key: "SHP-1", Success: true},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(q(insertItemSQL)).
					WillReturnError(&pgconn.PgError{Code: foreignKeyViolationCode})
				m.ExpectRollback()
			},
			wantErr: operation.ErrNotFound,
		},
		{
			name: "database failure",
			res:  operation.ItemResult{Success: true},
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectExec(q(incrementOperationSQL)).WillReturnError(errors.New("connection reset"))
			},
			wantErr: errors.New("connection reset"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, mock := newMockStore(t)
			tt.setup(mock)

			counted, err := s.Increment(context.Background(), id, tt.res)
			switch {
			case tt.wantErr == nil:
				assert.NoError(t, err)
			case errors.Is(tt.wantErr, operation.ErrFinalized), errors.Is(tt.wantErr, operation.ErrNotFound):
				assert.ErrorIs(t, err, tt.wantErr)
			default:
				assert.EqualError(t, err, tt.wantErr.Error())
			}
			assert.Equal(t, tt.wantCounted, counted)
		})
	}
}

func TestOperationStoreComplete(t *testing.T) {
	t.Parallel()
	id := uuid.New()

	t.Run("completes", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		mock.ExpectExec(q(completeOperationSQL)).WithArgs(id, "reports/x.csv", "", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, s.Complete(context.Background(), id, operation.Artifacts{ReportPath: "reports/x.csv"}))
	})

	t.Run("incomplete", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		mock.ExpectExec(q(completeOperationSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q(operationStateSQL)).WillReturnRows(stateRows(operation.StatusProcessing, 2, 5))

		err := s.Complete(context.Background(), id, operation.Artifacts{})
		assert.ErrorIs(t, err, operation.ErrIncomplete)
		assert.Contains(t, err.Error(), "2 of 5")
	})

	t.Run("already failed", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		mock.ExpectExec(q(completeOperationSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(q(operationStateSQL)).WillReturnRows(stateRows(operation.StatusFailed, 2, 5))

		var te *operation.TransitionError
		err := s.Complete(context.Background(), id, operation.Artifacts{})
		require.ErrorAs(t, err, &te)
		assert.Equal(t, operation.StatusFailed, te.From)
	})
}

func TestOperationStoreFail(t *testing.T) {
	t.Parallel()
	id := uuid.New()

	s, mock := newMockStore(t)
	mock.ExpectExec(q(failOperationSQL)).WithArgs(id, "enqueue failed", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(failOperationSQL)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(operationStateSQL)).WillReturnRows(stateRows(operation.StatusFailed, 0, 3))

	require.NoError(t, s.Fail(context.Background(), id, "enqueue failed"))
	assert.ErrorIs(t, s.Fail(context.Background(), id, "again"), operation.ErrFinalized)
}

func TestOperationStoreAttachArtifacts(t *testing.T) {
	t.Parallel()
	id := uuid.New()

	s, mock := newMockStore(t)
	mock.ExpectExec(q(attachArtifactsSQL)).WithArgs(id, "", "labels/op.zip", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(attachArtifactsSQL)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.AttachArtifacts(context.Background(), id, operation.Artifacts{FilePath: "labels/op.zip"}))
	assert.ErrorIs(t, s.AttachArtifacts(context.Background(), id, operation.Artifacts{}), operation.ErrNotFound)
}

func TestOperationStoreGet(t *testing.T) {
	t.Parallel()

	completed := testNow.Add(time.Minute)
	want := operation.Operation{
		ID:             uuid.New(),
		Code:           "BO-260502-QWERTY",
		Type:           operation.TypeDownloadLabel,
		UserID:         uuid.New(),
		Status:         operation.StatusCompleted,
		TotalCount:     2,
		ProcessedCount: 2,
		SuccessCount:   2,
		FilePath:       "labels/op.zip",
		CreatedAt:      testNow,
		UpdatedAt:      completed,
		CompletedAt:    &completed,
	}

	t.Run("owner", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		mock.ExpectQuery(q(getOperationSQL)).WithArgs(want.ID, want.UserID).WillReturnRows(operationRow(want))

		got, err := s.Get(context.Background(), want.ID, want.UserID)
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("other user", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		other := uuid.New()
		mock.ExpectQuery(q(getOperationSQL)).WithArgs(want.ID, other).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := s.Get(context.Background(), want.ID, other)
		assert.ErrorIs(t, err, operation.ErrNotFound)
	})

	t.Run("lookup ignores owner", func(t *testing.T) {
		t.Parallel()
		s, mock := newMockStore(t)
		mock.ExpectQuery(q(lookupOperationSQL)).WithArgs(want.ID).WillReturnRows(operationRow(want))

		got, err := s.Lookup(context.Background(), want.ID)
		require.NoError(t, err)
		assert.Equal(t, want.Code, got.Code)
	})
}

func TestOperationStoreListAndItems(t *testing.T) {
	t.Parallel()

	user := uuid.New()
	op := operation.Operation{
		ID: uuid.New(), Code: "BO-260502-AAAAAA", Type: operation.TypeCancelShipment,
		UserID: user, Status: operation.StatusProcessing, TotalCount: 1,
		CreatedAt: testNow, UpdatedAt: testNow,
	}

	s, mock := newMockStore(t)
	mock.ExpectQuery(q(listOperationsSQL)).WithArgs(user, 20).WillReturnRows(operationRow(op))
	mock.ExpectQuery(q(listItemsSQL)).WithArgs(op.ID).WillReturnRows(
		sqlmock.NewRows([]string{"item_key", "success", "error", "created_at"}).
			AddRow("SHP-1", true, "", testNow).
			AddRow("SHP-2", false, "already picked up", testNow))
	mock.ExpectQuery(q(listItemsSQL)).WillReturnRows(sqlmock.NewRows([]string{"item_key", "success", "error", "created_at"}))
	mock.ExpectQuery(q(operationStateSQL)).WillReturnRows(sqlmock.NewRows([]string{"status"}))

	ops, err := s.ListByUser(context.Background(), user, 20)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
	assert.Nil(t, ops[0].CompletedAt)

	items, err := s.Items(context.Background(), op.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "already picked up", items[1].Error)

	_, err = s.Items(context.Background(), uuid.New())
	assert.ErrorIs(t, err, operation.ErrNotFound)
}
