package operation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/platform/memory"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTracker(t *testing.T, opts ...operation.TrackerOption) *operation.Tracker {
	t.Helper()
	clock := func() time.Time { return fixedNow }
	opts = append([]operation.TrackerOption{operation.WithClock(clock)}, opts...)
	return operation.NewTracker(memory.NewOperationStore(clock), logger.Discard(), opts...)
}

func create(t *testing.T, tr *operation.Tracker, total int) *operation.Operation {
	t.Helper()
	op, err := tr.Create(context.Background(), operation.NewOperation{
		Type:       operation.TypeCancelShipment,
		UserID:     uuid.New(),
		TotalCount: total,
	})
	require.NoError(t, err)
	return op
}

func TestCreate(t *testing.T) {
	t.Parallel()

	tr := newTracker(t)
	op := create(t, tr, 3)

	assert.Equal(t, operation.StatusPending, op.Status)
	assert.Regexp(t, `^BO-260314-[A-Z2-9]{6}$`, op.Code)
	assert.Equal(t, 3, op.TotalCount)
	assert.Zero(t, op.ProcessedCount)
	assert.Equal(t, fixedNow, op.CreatedAt)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   operation.NewOperation
	}{
		{"missing user", operation.NewOperation{Type: operation.TypeOrderUpload, TotalCount: 1}},
		{"missing type", operation.NewOperation{UserID: uuid.New(), TotalCount: 1}},
		{"unknown type", operation.NewOperation{Type: "REFUND", UserID: uuid.New()}},
		{"negative total", operation.NewOperation{Type: operation.TypeOrderUpload, UserID: uuid.New(), TotalCount: -1}},
	}

	tr := newTracker(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Create(context.Background(), tt.in)
			assert.ErrorIs(t, err, operation.ErrInvalid)
		})
	}
}

func TestCreateRetriesCodeCollision(t *testing.T) {
	t.Parallel()

	codes := []string{"BO-260314-AAAAAA", "BO-260314-AAAAAA", "BO-260314-BBBBBB"}
	var mu sync.Mutex
	gen := func(time.Time) string {
		mu.Lock()
		defer mu.Unlock()
		c := codes[0]
		codes = codes[1:]
		return c
	}

	tr := newTracker(t, operation.WithCodeGenerator(gen))
	first := create(t, tr, 1)
	second := create(t, tr, 1)

	assert.Equal(t, "BO-260314-AAAAAA", first.Code)
	assert.Equal(t, "BO-260314-BBBBBB", second.Code)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tr := newTracker(t)
	op := create(t, tr, 3)

	require.NoError(t, tr.Start(ctx, op.ID))
	require.NoError(t, tr.Start(ctx, op.ID), "restarting a processing operation is a no-op")

	for i, res := range []operation.ItemResult{
		{Key: "SHP-1", Success: true},
		{Key: "SHP-2", Success: false, Error: "already delivered"},
	} {
		counted, err := tr.Increment(ctx, op.ID, res)
		require.NoError(t, err, "item %d", i)
		assert.True(t, counted)
	}

	assert.ErrorIs(t, tr.Complete(ctx, op.ID, operation.Artifacts{}), operation.ErrIncomplete)

	got, err := tr.Get(ctx, op.ID, op.UserID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusProcessing, got.Status)
	assert.Equal(t, 66, got.Progress())

	counted, err := tr.Increment(ctx, op.ID, operation.ItemResult{Key: "SHP-3", Success: true})
	require.NoError(t, err)
	require.True(t, counted)

	require.NoError(t, tr.Complete(ctx, op.ID, operation.Artifacts{ReportPath: "reports/op.csv"}))

	got, err = tr.Get(ctx, op.ID, op.UserID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress())
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, "reports/op.csv", got.ReportPath)
	require.NotNil(t, got.CompletedAt)

	items, err := tr.Items(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "SHP-2", items[1].Key)
	assert.Equal(t, "already delivered", items[1].Error)
}

func TestIncrementCheckpointsKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tr := newTracker(t)
	op := create(t, tr, 2)

	counted, err := tr.Increment(ctx, op.ID, operation.ItemResult{Key: "ORD-1", Success: true})
	require.NoError(t, err)
	assert.True(t, counted)

	counted, err = tr.Increment(ctx, op.ID, operation.ItemResult{Key: "ORD-1", Success: false})
	require.NoError(t, err)
	assert.False(t, counted, "a redelivered item must not be counted twice")

	got, err := tr.Lookup(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusProcessing, got.Status, "the first increment starts the operation")
	assert.Equal(t, 1, got.ProcessedCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Zero(t, got.FailedCount)
}

func TestIncrementNeverExceedsTotal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tr := newTracker(t)
	op := create(t, tr, 10)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Increment(ctx, op.ID, operation.ItemResult{Success: i%2 == 0})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := tr.Lookup(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.ProcessedCount)
	assert.Equal(t, got.ProcessedCount, got.SuccessCount+got.FailedCount)
}

func TestZeroTotalCompletesDirectly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tr := newTracker(t)
	op := create(t, tr, 0)

	require.NoError(t, tr.Complete(ctx, op.ID, operation.Artifacts{}))
	got, err := tr.Lookup(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCompleted, got.Status)
	assert.Zero(t, got.Progress())
}

func TestFailFreezesOperation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tr := newTracker(t)
	op := create(t, tr, 4)

	_, err := tr.Increment(ctx, op.ID, operation.ItemResult{Key: "a", Success: true})
	require.NoError(t, err)
	require.NoError(t, tr.Fail(ctx, op.ID, "courier API down"))

	_, err = tr.Increment(ctx, op.ID, operation.ItemResult{Key: "b", Success: true})
	assert.ErrorIs(t, err, operation.ErrFinalized)
	assert.ErrorIs(t, tr.Fail(ctx, op.ID, "again"), operation.ErrFinalized)
	assert.ErrorIs(t, tr.Complete(ctx, op.ID, operation.Artifacts{}), operation.ErrFinalized)
	assert.ErrorIs(t, tr.Start(ctx, op.ID), operation.ErrFinalized)

	got, err := tr.Lookup(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusFailed, got.Status)
	assert.Equal(t, "courier API down", got.ErrorMessage)
	assert.Equal(t, 1, got.ProcessedCount)
}

func TestGetIsScopedToOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tr := newTracker(t)
	op := create(t, tr, 1)

	_, err := tr.Get(ctx, op.ID, uuid.New())
	assert.ErrorIs(t, err, operation.ErrNotFound)

	_, err = tr.Get(ctx, uuid.New(), op.UserID)
	assert.ErrorIs(t, err, operation.ErrNotFound)

	_, err = tr.Increment(ctx, uuid.New(), operation.ItemResult{})
	assert.ErrorIs(t, err, operation.ErrNotFound)
}

func TestListReturnsOwnOperationsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := fixedNow
	clock := func() time.Time { return now }
	tr := operation.NewTracker(memory.NewOperationStore(clock), logger.Discard(), operation.WithClock(clock))

	user := uuid.New()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		op, err := tr.Create(ctx, operation.NewOperation{
			Type:       operation.TypeDownloadLabel,
			UserID:     user,
			TotalCount: i,
		})
		require.NoError(t, err, fmt.Sprint(i))
		ids = append(ids, op.ID)
		now = now.Add(time.Minute)
	}
	_, err := tr.Create(ctx, operation.NewOperation{Type: operation.TypeDownloadLabel, UserID: uuid.New()})
	require.NoError(t, err)

	ops, err := tr.List(ctx, user, 2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, ids[2], ops[0].ID)
	assert.Equal(t, ids[1], ops[1].ID)
}

func TestProgress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		processed, total, want int
	}{
		{0, 0, 0},
		{0, 5, 0},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 100},
	}
	for _, tt := range tests {
		op := operation.Operation{ProcessedCount: tt.processed, TotalCount: tt.total}
		assert.Equal(t, tt.want, op.Progress(), "%d/%d", tt.processed, tt.total)
	}
}
