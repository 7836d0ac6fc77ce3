// Package queuetest holds the behavioural suite every queue.Client
// implementation must pass.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/queue"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty client driven by clock.
type Factory func(t *testing.T, clock *Clock) queue.Client

// Run executes the suite against the implementation built by newClient.
func Run(t *testing.T, newClient Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, c queue.Client, clock *Clock)
	}{
		{"EnqueueDequeueAck", testEnqueueDequeueAck},
		{"PriorityThenFIFO", testPriorityThenFIFO},
		{"QueuesAreIsolated", testQueuesAreIsolated},
		{"Dedupe", testDedupe},
		{"DelayedJob", testDelayedJob},
		{"RetryAfterDelay", testRetryAfterDelay},
		{"BuryAndRequeue", testBuryAndRequeue},
		{"PurgeDeadLetters", testPurgeDeadLetters},
		{"ExpiredLeaseIsRedelivered", testExpiredLeaseIsRedelivered},
		{"ExtendKeepsLease", testExtendKeepsLease},
		{"DequeueHonoursContext", testDequeueHonoursContext},
		{"RequeueUnknownJob", testRequeueUnknownJob},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
			tc.fn(t, newClient(t, clock), clock)
		})
	}
}

func envelope(t *testing.T, opts ...job.Option) job.Envelope {
	t.Helper()
	env, err := job.New(job.CancelShipmentPayload{
		BulkRef:     job.BulkRef{OperationID: uuid.New(), UserID: uuid.New()},
		ShipmentIDs: []string{"SHP-1"},
	}, opts...)
	require.NoError(t, err)
	return env
}

func dequeue(t *testing.T, c queue.Client, q job.Queue) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := c.Dequeue(ctx, q, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func assertEmpty(t *testing.T, c queue.Client, q job.Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d, err := c.Dequeue(ctx, q, time.Minute)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func testEnqueueDequeueAck(t *testing.T, c queue.Client, _ *Clock) {
	ctx := context.Background()
	env := envelope(t)

	h, err := c.Enqueue(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, h.JobID)
	assert.Equal(t, job.QueueShipments, h.Queue)
	assert.False(t, h.Duplicate)

	d := dequeue(t, c, job.QueueShipments)
	assert.Equal(t, env.ID, d.Envelope.ID)
	assert.Equal(t, env.OperationID, d.Envelope.OperationID)
	assert.JSONEq(t, string(env.Payload), string(d.Envelope.Payload))
	assert.Equal(t, 1, d.Attempt)

	stats, err := c.Stats(ctx, job.QueueShipments)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(0), stats.Ready)

	require.NoError(t, c.Ack(ctx, d))

	stats, err = c.Stats(ctx, job.QueueShipments)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Queue: job.QueueShipments}, stats)
	assertEmpty(t, c, job.QueueShipments)
}

func testPriorityThenFIFO(t *testing.T, c queue.Client, clock *Clock) {
	ctx := context.Background()
	first := envelope(t, job.WithPriority(5))
	urgent := envelope(t, job.WithPriority(1))
	second := envelope(t, job.WithPriority(5))

	for _, env := range []job.Envelope{first, urgent, second} {
		_, err := c.Enqueue(ctx, env)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	assert.Equal(t, urgent.ID, dequeue(t, c, job.QueueShipments).Envelope.ID)
	assert.Equal(t, first.ID, dequeue(t, c, job.QueueShipments).Envelope.ID)
	assert.Equal(t, second.ID, dequeue(t, c, job.QueueShipments).Envelope.ID)
}

func testQueuesAreIsolated(t *testing.T, c queue.Client, _ *Clock) {
	_, err := c.Enqueue(context.Background(), envelope(t))
	require.NoError(t, err)

	assertEmpty(t, c, job.QueueLabels)
	dequeue(t, c, job.QueueShipments)
}

func testDedupe(t *testing.T, c queue.Client, _ *Clock) {
	ctx := context.Background()
	original := envelope(t, job.WithDedupeID("op-1"))

	h1, err := c.Enqueue(ctx, original)
	require.NoError(t, err)
	h2, err := c.Enqueue(ctx, envelope(t, job.WithDedupeID("op-1")))
	require.NoError(t, err)

	assert.False(t, h1.Duplicate)
	assert.True(t, h2.Duplicate)
	assert.Equal(t, h1.JobID, h2.JobID)

	// Still collapsed while the job is leased.
	d := dequeue(t, c, job.QueueShipments)
	h3, err := c.Enqueue(ctx, envelope(t, job.WithDedupeID("op-1")))
	require.NoError(t, err)
	assert.True(t, h3.Duplicate)

	// Released once acknowledged.
	require.NoError(t, c.Ack(ctx, d))
	h4, err := c.Enqueue(ctx, envelope(t, job.WithDedupeID("op-1")))
	require.NoError(t, err)
	assert.False(t, h4.Duplicate)
	assert.NotEqual(t, h1.JobID, h4.JobID)
}

func testDelayedJob(t *testing.T, c queue.Client, clock *Clock) {
	ctx := context.Background()
	_, err := c.Enqueue(ctx, envelope(t, job.WithDelay(time.Minute)))
	require.NoError(t, err)

	stats, err := c.Stats(ctx, job.QueueShipments)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)

	assertEmpty(t, c, job.QueueShipments)
	clock.Advance(time.Minute)
	dequeue(t, c, job.QueueShipments)
}

func testRetryAfterDelay(t *testing.T, c queue.Client, clock *Clock) {
	ctx := context.Background()
	env := envelope(t)
	_, err := c.Enqueue(ctx, env)
	require.NoError(t, err)

	d := dequeue(t, c, job.QueueShipments)
	require.NoError(t, c.Retry(ctx, d, 10*time.Second, errors.New("courier api timeout")))

	assertEmpty(t, c, job.QueueShipments)
	clock.Advance(10 * time.Second)

	again := dequeue(t, c, job.QueueShipments)
	assert.Equal(t, env.ID, again.Envelope.ID)
	assert.Equal(t, 2, again.Attempt)
	assert.Equal(t, "courier api timeout", again.LastError)
}

func testBuryAndRequeue(t *testing.T, c queue.Client, _ *Clock) {
	ctx := context.Background()
	env := envelope(t, job.WithDedupeID("op-dead"))
	_, err := c.Enqueue(ctx, env)
	require.NoError(t, err)

	d := dequeue(t, c, job.QueueShipments)
	require.NoError(t, c.Bury(ctx, d, errors.New("label service rejected request")))

	dead, err := c.DeadLetters(ctx, job.QueueShipments, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, env.ID, dead[0].Envelope.ID)
	assert.Equal(t, 1, dead[0].Attempts)
	assert.Equal(t, "label service rejected request", dead[0].Error)
	assert.False(t, dead[0].FailedAt.IsZero())

	// Dead-lettering releases the dedupe claim.
	h, err := c.Enqueue(ctx, envelope(t, job.WithDedupeID("op-dead")))
	require.NoError(t, err)
	assert.False(t, h.Duplicate)

	one, err := c.DeadLetter(ctx, job.QueueShipments, env.ID)
	require.NoError(t, err)
	assert.Equal(t, env.ID, one.Envelope.ID)
	assert.Equal(t, "label service rejected request", one.Error)
	_, err = c.DeadLetter(ctx, job.QueueBilling, env.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	require.NoError(t, c.Requeue(ctx, job.QueueShipments, env.ID))
	dead, err = c.DeadLetters(ctx, job.QueueShipments, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
	_, err = c.DeadLetter(ctx, job.QueueShipments, env.ID)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	seen := map[string]int{}
	for i := 0; i < 2; i++ {
		d := dequeue(t, c, job.QueueShipments)
		seen[d.Envelope.ID] = d.Attempt
	}
	assert.Equal(t, 1, seen[env.ID], "requeued job starts a fresh attempt budget")
}

func testPurgeDeadLetters(t *testing.T, c queue.Client, clock *Clock) {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.Enqueue(ctx, envelope(t))
		require.NoError(t, err)
		d := dequeue(t, c, job.QueueShipments)
		require.NoError(t, c.Bury(ctx, d, errors.New("boom")))
		clock.Advance(time.Hour)
	}

	purged, err := c.PurgeDeadLetters(ctx, job.QueueShipments, clock.Now().Add(-90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	stats, err := c.Stats(ctx, job.QueueShipments)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Dead)
}

func testExpiredLeaseIsRedelivered(t *testing.T, c queue.Client, clock *Clock) {
	ctx := context.Background()
	env := envelope(t)
	_, err := c.Enqueue(ctx, env)
	require.NoError(t, err)

	abandoned := dequeue(t, c, job.QueueShipments)
	clock.Advance(2 * time.Minute)

	redelivered := dequeue(t, c, job.QueueShipments)
	assert.Equal(t, env.ID, redelivered.Envelope.ID)
	assert.Equal(t, 2, redelivered.Attempt)

	// The first worker no longer owns the job.
	assert.ErrorIs(t, c.Extend(ctx, abandoned, time.Minute), queue.ErrLeaseLost)
	assert.ErrorIs(t, c.Retry(ctx, abandoned, time.Second, errors.New("late")), queue.ErrLeaseLost)
	assert.ErrorIs(t, c.Ack(ctx, abandoned), queue.ErrLeaseLost)

	stats, err := c.Stats(ctx, job.QueueShipments)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active, "a late ack must not remove the redelivered job")

	require.NoError(t, c.Ack(ctx, redelivered))
	assertEmpty(t, c, job.QueueShipments)
}

func testExtendKeepsLease(t *testing.T, c queue.Client, clock *Clock) {
	ctx := context.Background()
	_, err := c.Enqueue(ctx, envelope(t))
	require.NoError(t, err)

	d := dequeue(t, c, job.QueueShipments)
	clock.Advance(50 * time.Second)
	require.NoError(t, c.Extend(ctx, d, time.Minute))
	assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), d.LeaseUntil.UnixMilli())

	clock.Advance(50 * time.Second)
	assertEmpty(t, c, job.QueueShipments)
	require.NoError(t, c.Ack(ctx, d))
}

func testDequeueHonoursContext(t *testing.T, c queue.Client, _ *Clock) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Dequeue(ctx, job.QueueBilling, time.Minute)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not return after cancellation")
	}
}

func testRequeueUnknownJob(t *testing.T, c queue.Client, _ *Clock) {
	err := c.Requeue(context.Background(), job.QueueShipments, uuid.NewString())
	assert.ErrorIs(t, err, queue.ErrNotFound)
}
