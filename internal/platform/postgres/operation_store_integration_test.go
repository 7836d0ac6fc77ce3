//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/platform/postgres"
	"github.com/parcelhub/jobcore/internal/testdb"
)

func newTracker(t *testing.T) *operation.Tracker {
	t.Helper()
	db := testdb.Open(t)
	return operation.NewTracker(postgres.NewOperationStore(db, logger.Discard()), logger.Discard())
}

func TestOperationStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker := newTracker(t)
	user := uuid.New()

	op, err := tracker.Create(ctx, operation.NewOperation{
		Type:       operation.TypeCancelShipment,
		UserID:     user,
		TotalCount: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, operation.StatusPending, op.Status)

	for i, ok := range []bool{true, false, true} {
		applied, err := tracker.Increment(ctx, op.ID, operation.ItemResult{
			Key:     fmt.Sprintf("s-%d", i),
			Success: ok,
		})
		require.NoError(t, err)
		assert.True(t, applied)
	}

	applied, err := tracker.Increment(ctx, op.ID, operation.ItemResult{Key: "s-0", Success: true})
	require.NoError(t, err)
	assert.False(t, applied, "replayed key must not count twice")

	require.NoError(t, tracker.Complete(ctx, op.ID, operation.Artifacts{ReportPath: "reports/x.csv"}))

	got, err := tracker.Get(ctx, op.ID, user)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, "reports/x.csv", got.ReportPath)
	assert.NotNil(t, got.CompletedAt)

	_, err = tracker.Get(ctx, op.ID, uuid.New())
	assert.ErrorIs(t, err, operation.ErrNotFound)

	assert.ErrorIs(t, tracker.Fail(ctx, op.ID, "late"), operation.ErrFinalized)

	items, err := tracker.Items(ctx, op.ID)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestOperationStoreConcurrentIncrements(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tracker := newTracker(t)
	user := uuid.New()

	const total = 40
	op, err := tracker.Create(ctx, operation.NewOperation{
		Type:       operation.TypeSchedulePickup,
		UserID:     user,
		TotalCount: total,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.Increment(ctx, op.ID, operation.ItemResult{Key: fmt.Sprintf("k-%d", i), Success: true})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := tracker.Lookup(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, total, got.ProcessedCount)
	assert.Equal(t, total, got.SuccessCount)
	assert.Equal(t, operation.StatusProcessing, got.Status)

	ops, err := tracker.List(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
}
