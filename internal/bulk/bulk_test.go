package bulk_test

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelhub/jobcore/internal/backoff"
	"github.com/parcelhub/jobcore/internal/bulk"
	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/platform/files"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/platform/memory"
	"github.com/parcelhub/jobcore/internal/queue"
	"github.com/parcelhub/jobcore/internal/worker"
)

var errRejected = errors.New("rejected by courier")

// fakePorts records calls and fails the ids listed in fail.
type fakePorts struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakePorts) record(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return f.fail[id]
}

func (f *fakePorts) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}

func (f *fakePorts) CreateOrder(_ context.Context, _ uuid.UUID, row files.Row) (string, error) {
	if err := f.record(row["reference"]); err != nil {
		return "", err
	}
	return "ORD-" + row["reference"], nil
}

func (f *fakePorts) EditOrder(_ context.Context, _ uuid.UUID, orderID string, _ map[string]string) error {
	return f.record(orderID)
}

func (f *fakePorts) SchedulePickup(_ context.Context, _ uuid.UUID, id, _ string) error {
	return f.record(id)
}

func (f *fakePorts) CancelShipment(_ context.Context, _ uuid.UUID, id string) error {
	return f.record(id)
}

func (f *fakePorts) EditPickupAddress(_ context.Context, _ uuid.UUID, id, _ string) error {
	return f.record(id)
}

func (f *fakePorts) RenderLabel(_ context.Context, _ uuid.UUID, id string) ([]byte, error) {
	if err := f.record(id); err != nil {
		return nil, err
	}
	return []byte("%PDF label " + id), nil
}

func (f *fakePorts) ApplyWeightDiscrepancy(_ context.Context, _ uuid.UUID, row files.Row) error {
	return f.record(row["awb"])
}

func (f *fakePorts) ApplyDisputeAction(_ context.Context, _ uuid.UUID, row files.Row) error {
	return f.record(row["awb"])
}

type fixture struct {
	tracker  *operation.Tracker
	files    *files.Local
	root     string
	ports    *fakePorts
	registry *worker.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC) }
	tracker := operation.NewTracker(memory.NewOperationStore(clock), logger.Discard(),
		operation.WithClock(clock))

	root := t.TempDir()
	local, err := files.NewLocal(root)
	require.NoError(t, err)

	ports := &fakePorts{fail: map[string]error{}}
	h := bulk.NewHandlers(bulk.NewRunner(tracker, local, 2, logger.Discard()), bulk.Ports{
		Orders:    ports,
		Shipments: ports,
		Billing:   ports,
		Files:     local,
	}, logger.Discard())

	reg := worker.NewRegistry()
	h.Register(reg)
	return &fixture{tracker: tracker, files: local, root: root, ports: ports, registry: reg}
}

func (f *fixture) create(t *testing.T, typ operation.Type, total int) *operation.Operation {
	t.Helper()
	op, err := f.tracker.Create(context.Background(), operation.NewOperation{
		Type:       typ,
		UserID:     uuid.New(),
		TotalCount: total,
	})
	require.NoError(t, err)
	return op
}

func (f *fixture) run(t *testing.T, p job.Payload) error {
	t.Helper()
	env, err := job.New(p)
	require.NoError(t, err)
	fn, ok := f.registry.Lookup(env.Type)
	require.True(t, ok)
	return fn(context.Background(), &queue.Delivery{Envelope: env, Attempt: 1})
}

func (f *fixture) lookup(t *testing.T, id uuid.UUID) *operation.Operation {
	t.Helper()
	op, err := f.tracker.Lookup(context.Background(), id)
	require.NoError(t, err)
	return op
}

func (f *fixture) writeUpload(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func (f *fixture) readReport(t *testing.T, name string) [][]string {
	t.Helper()
	r, err := f.files.Open(context.Background(), name)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	records, err := csv.NewReader(r).ReadAll()
	require.NoError(t, err)
	sort.Slice(records[1:], func(i, j int) bool { return records[i+1][0] < records[j+1][0] })
	return records
}

func ref(op *operation.Operation) job.BulkRef {
	return job.BulkRef{OperationID: op.ID, UserID: op.UserID}
}

func TestCancelShipmentCountsItemFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ports.fail["SHP-2"] = errRejected
	op := f.create(t, operation.TypeCancelShipment, 3)

	err := f.run(t, job.CancelShipmentPayload{
		BulkRef:     ref(op),
		ShipmentIDs: []string{"SHP-1", "SHP-2", "SHP-3"},
	})
	require.NoError(t, err)

	got := f.lookup(t, op.ID)
	assert.Equal(t, operation.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ProcessedCount)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, fmt.Sprintf("reports/%s.csv", op.ID), got.ReportPath)
	assert.Empty(t, got.FilePath)

	assert.Equal(t, [][]string{
		{"id", "status", "error"},
		{"SHP-1", "success", ""},
		{"SHP-2", "failed", errRejected.Error()},
		{"SHP-3", "success", ""},
	}, f.readReport(t, got.ReportPath))
}

func TestRunnerSkipsCheckpointedItems(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	op := f.create(t, operation.TypeSchedulePickup, 3)

	ctx := context.Background()
	require.NoError(t, f.tracker.Start(ctx, op.ID))
	_, err := f.tracker.Increment(ctx, op.ID, operation.ItemResult{Key: "SHP-1", Success: true})
	require.NoError(t, err)

	err = f.run(t, job.SchedulePickupPayload{
		BulkRef:     ref(op),
		ShipmentIDs: []string{"SHP-1", "SHP-2", "SHP-3"},
		PickupDate:  "2026-04-03",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"SHP-2", "SHP-3"}, f.ports.called())
	got := f.lookup(t, op.ID)
	assert.Equal(t, operation.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.SuccessCount)
}

func TestTransientItemFailureAbortsForRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ports.fail["ORD-2"] = fmt.Errorf("%w: address service down", bulk.ErrTransient)
	op := f.create(t, operation.TypeEditPickupAddress, 2)
	payload := job.EditPickupAddressPayload{
		BulkRef:         ref(op),
		OrderIDs:        []string{"ORD-1", "ORD-2"},
		PickupAddressID: "ADDR-7",
	}

	err := f.run(t, payload)
	require.ErrorIs(t, err, bulk.ErrTransient)
	assert.False(t, job.IsPermanent(err))
	assert.Equal(t, operation.StatusProcessing, f.lookup(t, op.ID).Status)

	delete(f.ports.fail, "ORD-2")
	require.NoError(t, f.run(t, payload))

	got := f.lookup(t, op.ID)
	assert.Equal(t, operation.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.ProcessedCount)
	assert.Equal(t, 2, got.SuccessCount)
}

func TestEditOrderDetailsKeysByOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	op := f.create(t, operation.TypeEditOrderDetails, 2)

	err := f.run(t, job.EditOrderDetailsPayload{
		BulkRef: ref(op),
		Orders: []job.OrderEdit{
			{OrderID: "ORD-10", Fields: map[string]string{"phone": "555-0100"}},
			{OrderID: "ORD-11", Fields: map[string]string{"weight": "1.2"}},
		},
	})
	require.NoError(t, err)

	items, err := f.tracker.Items(context.Background(), op.ID)
	require.NoError(t, err)
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Key)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"ORD-10", "ORD-11"}, keys)
}

func TestDownloadLabelBundlesSuccessfulLabels(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ports.fail["SHP-B"] = errRejected
	op := f.create(t, operation.TypeDownloadLabel, 3)

	err := f.run(t, job.DownloadLabelPayload{
		BulkRef:     ref(op),
		ShipmentIDs: []string{"SHP-A", "SHP-B", "SHP-C"},
	})
	require.NoError(t, err)

	got := f.lookup(t, op.ID)
	assert.Equal(t, operation.StatusCompleted, got.Status)
	assert.Equal(t, bulk.BundlePath(op.ID), got.FilePath)
	assert.Equal(t, 1, got.FailedCount)

	zr, err := zip.OpenReader(filepath.Join(f.root, filepath.FromSlash(got.FilePath)))
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()

	contents := map[string]string{}
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		contents[zf.Name] = string(b)
	}
	assert.Equal(t, map[string]string{
		"SHP-A.pdf": "%PDF label SHP-A",
		"SHP-C.pdf": "%PDF label SHP-C",
	}, contents)
}

func TestDownloadLabelRerendersMissingLabelFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	op := f.create(t, operation.TypeDownloadLabel, 1)

	ctx := context.Background()
	require.NoError(t, f.tracker.Start(ctx, op.ID))
	_, err := f.tracker.Increment(ctx, op.ID, operation.ItemResult{Key: "SHP-A", Success: true})
	require.NoError(t, err)

	err = f.run(t, job.DownloadLabelPayload{BulkRef: ref(op), ShipmentIDs: []string{"SHP-A"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"SHP-A"}, f.ports.called())
	assert.Equal(t, operation.StatusCompleted, f.lookup(t, op.ID).Status)
}

func TestCSVHandlersProcessEveryRow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		typ     operation.Type
		content string
		payload func(ref job.BulkRef, path string) job.Payload
		want    []string
	}{
		{
			name:    "bulk orders",
			typ:     operation.TypeOrderUpload,
			content: "Reference,Consignee\nR-1,Ann\nR-2,Bo\n",
			payload: func(r job.BulkRef, p string) job.Payload {
				return job.BulkOrdersPayload{BulkRef: r, FilePath: p}
			},
			want: []string{"R-1", "R-2"},
		},
		{
			name:    "weight discrepancies",
			typ:     operation.TypeBillingWeightCSV,
			content: "awb,charged_weight\nAWB1,2.5\n",
			payload: func(r job.BulkRef, p string) job.Payload {
				return job.WeightCSVPayload{BulkRef: r, FilePath: p}
			},
			want: []string{"AWB1"},
		},
		{
			name:    "dispute actions",
			typ:     operation.TypeDisputeActionsCSV,
			content: "awb,action\nAWB1,accept\nAWB2,reject\nAWB3,accept\n",
			payload: func(r job.BulkRef, p string) job.Payload {
				return job.DisputeActionsCSVPayload{BulkRef: r, FilePath: p}
			},
			want: []string{"AWB1", "AWB2", "AWB3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.writeUpload(t, "uploads/in.csv", tt.content)
			op := f.create(t, tt.typ, len(tt.want))

			require.NoError(t, f.run(t, tt.payload(ref(op), "uploads/in.csv")))
			assert.Equal(t, tt.want, f.ports.called())

			got := f.lookup(t, op.ID)
			assert.Equal(t, operation.StatusCompleted, got.Status)
			assert.Equal(t, len(tt.want), got.SuccessCount)

			report := f.readReport(t, got.ReportPath)
			assert.Equal(t, bulk.RowKey(0), report[1][0])
		})
	}
}

func TestHandlerFailuresThatCannotSucceedArePermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	t.Run("missing upload", func(t *testing.T) {
		op := f.create(t, operation.TypeOrderUpload, 1)
		err := f.run(t, job.BulkOrdersPayload{BulkRef: ref(op), FilePath: "uploads/gone.csv"})
		assert.True(t, job.IsPermanent(err))
		assert.ErrorIs(t, err, files.ErrNotFound)
	})

	t.Run("invalid payload", func(t *testing.T) {
		op := f.create(t, operation.TypeCancelShipment, 1)
		err := f.run(t, job.CancelShipmentPayload{BulkRef: ref(op)})
		assert.True(t, job.IsPermanent(err))
		assert.ErrorIs(t, err, job.ErrInvalidPayload)
	})

	t.Run("unknown operation", func(t *testing.T) {
		err := f.run(t, job.CancelShipmentPayload{
			BulkRef:     job.BulkRef{OperationID: uuid.New(), UserID: uuid.New()},
			ShipmentIDs: []string{"SHP-1"},
		})
		assert.True(t, job.IsPermanent(err))
		assert.ErrorIs(t, err, operation.ErrNotFound)
	})

	t.Run("item count mismatch", func(t *testing.T) {
		op := f.create(t, operation.TypeCancelShipment, 5)
		err := f.run(t, job.CancelShipmentPayload{BulkRef: ref(op), ShipmentIDs: []string{"SHP-1"}})
		assert.True(t, job.IsPermanent(err))
	})
}

func TestFinishedOperationsAreNotReprocessed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	completed := f.create(t, operation.TypeCancelShipment, 1)
	payload := job.CancelShipmentPayload{BulkRef: ref(completed), ShipmentIDs: []string{"SHP-1"}}
	require.NoError(t, f.run(t, payload))
	require.NoError(t, f.run(t, payload))

	failed := f.create(t, operation.TypeCancelShipment, 1)
	require.NoError(t, f.tracker.Fail(ctx, failed.ID, "cancelled by operator"))
	require.NoError(t, f.run(t, job.CancelShipmentPayload{BulkRef: ref(failed), ShipmentIDs: []string{"SHP-9"}}))

	assert.Equal(t, []string{"SHP-1"}, f.ports.called())
}

func TestFailOperationMarksLinkedOperation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	op := f.create(t, operation.TypeCancelShipment, 2)
	env, err := job.New(job.CancelShipmentPayload{BulkRef: ref(op), ShipmentIDs: []string{"A", "B"}})
	require.NoError(t, err)

	onExhausted := bulk.FailOperation(f.tracker, logger.Discard())
	onExhausted(context.Background(), env, errors.New("courier api timeout"))

	got := f.lookup(t, op.ID)
	assert.Equal(t, operation.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "courier api timeout")

	// A second exhaustion leaves the first message in place.
	onExhausted(context.Background(), env, errors.New("later"))
	assert.NotContains(t, f.lookup(t, op.ID).ErrorMessage, "later")

	analytics, err := job.New(job.HomeAnalyticsPayload{})
	require.NoError(t, err)
	onExhausted(context.Background(), analytics, errors.New("ignored"))
}

func TestExhaustedBulkJobFailsOperationWithFrozenCounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	courierDown := fmt.Errorf("%w: courier down", bulk.ErrTransient)
	f.ports.fail["SHP-1"] = courierDown
	f.ports.fail["SHP-2"] = courierDown
	op := f.create(t, operation.TypeCancelShipment, 2)

	q := memory.NewQueue(memory.WithPollInterval(5 * time.Millisecond))
	env, err := job.New(job.CancelShipmentPayload{BulkRef: ref(op), ShipmentIDs: []string{"SHP-1", "SHP-2"}})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), env)
	require.NoError(t, err)

	policy := job.Policy{Concurrency: 1, MaxAttempts: 3, Backoff: backoff.Constant{}, Lease: time.Minute}
	pool := worker.NewPool(job.QueueShipments, q, f.registry, policy, logger.Discard(),
		worker.WithExhaustedFunc(bulk.FailOperation(f.tracker, logger.Discard())))
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	require.Eventually(t, func() bool {
		return f.lookup(t, op.ID).Status == operation.StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	got := f.lookup(t, op.ID)
	assert.Equal(t, 0, got.ProcessedCount)
	assert.Equal(t, 0, got.SuccessCount)
	assert.Equal(t, 0, got.FailedCount)
	assert.Contains(t, got.ErrorMessage, string(job.TypeBulkCancelShipment)+": item SHP-")
	assert.Contains(t, got.ErrorMessage, "courier down")

	dead, err := q.DeadLetters(context.Background(), job.QueueShipments, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, env.ID, dead[0].Envelope.ID)
	assert.Equal(t, 3, dead[0].Attempts)
}
