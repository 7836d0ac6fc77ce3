package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/queue"
)

type jobState int

const (
	stateReady jobState = iota
	stateDelayed
	stateActive
	stateDead
)

type queuedJob struct {
	env        job.Envelope
	state      jobState
	seq        uint64
	readyAt    time.Time
	leaseUntil time.Time
	attempt    int
	lastError  string
	failedAt   time.Time
}

type dedupeKey struct {
	queue job.Queue
	id    string
}

// Queue is an in-memory queue.Client.
type Queue struct {
	mu     sync.Mutex
	jobs   map[string]*queuedJob
	dedupe map[dedupeKey]string
	seq    uint64
	wake   chan struct{}

	now  func() time.Time
	poll time.Duration
}

var _ queue.Client = (*Queue)(nil)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueClock replaces the wall clock.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// WithPollInterval sets how often a blocked Dequeue re-checks delayed jobs
// and expired leases.
func WithPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) { q.poll = d }
}

// NewQueue creates an empty queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		jobs:   make(map[string]*queuedJob),
		dedupe: make(map[dedupeKey]string),
		wake:   make(chan struct{}),
		now:    time.Now,
		poll:   50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue implements queue.Client.
func (q *Queue) Enqueue(_ context.Context, env job.Envelope) (queue.Handle, error) {
	if err := env.Validate(); err != nil {
		return queue.Handle{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if env.Options.DedupeID != "" {
		key := dedupeKey{queue: env.Queue, id: env.Options.DedupeID}
		if existing, ok := q.dedupe[key]; ok {
			return queue.Handle{JobID: existing, Queue: env.Queue, Duplicate: true}, nil
		}
		q.dedupe[key] = env.ID
	}

	now := q.now()
	q.seq++
	j := &queuedJob{env: env, seq: q.seq, readyAt: now, state: stateReady}
	if env.Options.Delay > 0 {
		j.readyAt = now.Add(env.Options.Delay)
		j.state = stateDelayed
	}
	q.jobs[env.ID] = j
	q.broadcast()

	return queue.Handle{JobID: env.ID, Queue: env.Queue}, nil
}

// Dequeue implements queue.Client.
func (q *Queue) Dequeue(ctx context.Context, name job.Queue, lease time.Duration) (*queue.Delivery, error) {
	for {
		d, wake := q.claim(name, lease)
		if d != nil {
			return d, nil
		}

		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(name job.Queue, lease time.Duration) (*queue.Delivery, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *queuedJob
	for _, j := range q.jobs {
		if j.env.Queue != name {
			continue
		}
		switch {
		case j.state == stateDelayed && !j.readyAt.After(now):
			j.state = stateReady
		case j.state == stateActive && !j.leaseUntil.After(now):
			j.state = stateReady
		}
		if j.state == stateReady && (best == nil || before(j, best)) {
			best = j
		}
	}
	if best == nil {
		return nil, q.wake
	}

	best.state = stateActive
	best.attempt++
	best.leaseUntil = now.Add(lease)
	return &queue.Delivery{
		Envelope:   best.env,
		Attempt:    best.attempt,
		LeaseUntil: best.leaseUntil,
		LastError:  best.lastError,
	}, nil
}

func before(a, b *queuedJob) bool {
	if a.env.Options.Priority != b.env.Options.Priority {
		return a.env.Options.Priority < b.env.Options.Priority
	}
	if !a.readyAt.Equal(b.readyAt) {
		return a.readyAt.Before(b.readyAt)
	}
	return a.seq < b.seq
}

// Ack implements queue.Client.
func (q *Queue) Ack(_ context.Context, d *queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.leased(d)
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("%w: %s", queue.ErrLeaseLost, d.Envelope.ID)
	}
	if err != nil {
		return err
	}
	q.release(j)
	delete(q.jobs, d.Envelope.ID)
	return nil
}

// Retry implements queue.Client.
func (q *Queue) Retry(_ context.Context, d *queue.Delivery, delay time.Duration, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.leased(d)
	if err != nil {
		return err
	}
	j.lastError = queue.ErrorText(cause)
	j.readyAt = q.now().Add(delay)
	j.state = stateDelayed
	j.leaseUntil = time.Time{}
	if delay <= 0 {
		j.state = stateReady
		q.broadcast()
	}
	return nil
}

// Bury implements queue.Client.
func (q *Queue) Bury(_ context.Context, d *queue.Delivery, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.leased(d)
	if err != nil {
		return err
	}
	j.lastError = queue.ErrorText(cause)
	j.failedAt = q.now()
	j.state = stateDead
	q.release(j)
	return nil
}

// Extend implements queue.Client.
func (q *Queue) Extend(_ context.Context, d *queue.Delivery, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.leased(d)
	if err != nil {
		return err
	}
	j.leaseUntil = q.now().Add(lease)
	d.LeaseUntil = j.leaseUntil
	return nil
}

// leased returns the job if d still holds its lease.
func (q *Queue) leased(d *queue.Delivery) (*queuedJob, error) {
	j, ok := q.jobs[d.Envelope.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, d.Envelope.ID)
	}
	if j.state != stateActive || !j.leaseUntil.Equal(d.LeaseUntil) {
		return nil, fmt.Errorf("%w: %s", queue.ErrLeaseLost, d.Envelope.ID)
	}
	return j, nil
}

func (q *Queue) release(j *queuedJob) {
	if j.env.Options.DedupeID == "" {
		return
	}
	key := dedupeKey{queue: j.env.Queue, id: j.env.Options.DedupeID}
	if q.dedupe[key] == j.env.ID {
		delete(q.dedupe, key)
	}
}

func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// DeadLetters implements queue.Client.
func (q *Queue) DeadLetters(_ context.Context, name job.Queue, limit int) ([]queue.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dead []*queuedJob
	for _, j := range q.jobs {
		if j.env.Queue == name && j.state == stateDead {
			dead = append(dead, j)
		}
	}
	sort.Slice(dead, func(a, b int) bool { return dead[a].failedAt.Before(dead[b].failedAt) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}

	out := make([]queue.DeadLetter, 0, len(dead))
	for _, j := range dead {
		out = append(out, queue.DeadLetter{
			Envelope: j.env,
			Attempts: j.attempt,
			Error:    j.lastError,
			FailedAt: j.failedAt,
		})
	}
	return out, nil
}

// DeadLetter implements queue.Client.
func (q *Queue) DeadLetter(_ context.Context, name job.Queue, jobID string) (queue.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok || j.env.Queue != name || j.state != stateDead {
		return queue.DeadLetter{}, fmt.Errorf("%w: %s", queue.ErrNotFound, jobID)
	}
	return queue.DeadLetter{
		Envelope: j.env,
		Attempts: j.attempt,
		Error:    j.lastError,
		FailedAt: j.failedAt,
	}, nil
}

// Requeue implements queue.Client.
func (q *Queue) Requeue(_ context.Context, name job.Queue, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok || j.env.Queue != name || j.state != stateDead {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, jobID)
	}
	j.state = stateReady
	j.attempt = 0
	j.lastError = ""
	j.failedAt = time.Time{}
	j.readyAt = q.now()
	q.broadcast()
	return nil
}

// PurgeDeadLetters implements queue.Client.
func (q *Queue) PurgeDeadLetters(_ context.Context, name job.Queue, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var purged int64
	for id, j := range q.jobs {
		if j.env.Queue == name && j.state == stateDead && j.failedAt.Before(cutoff) {
			delete(q.jobs, id)
			purged++
		}
	}
	return purged, nil
}

// Stats implements queue.Client.
func (q *Queue) Stats(_ context.Context, name job.Queue) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	stats := queue.Stats{Queue: name}
	for _, j := range q.jobs {
		if j.env.Queue != name {
			continue
		}
		switch j.state {
		case stateReady:
			stats.Ready++
		case stateDelayed:
			if j.readyAt.After(now) {
				stats.Delayed++
			} else {
				stats.Ready++
			}
		case stateActive:
			stats.Active++
		case stateDead:
			stats.Dead++
		}
	}
	return stats, nil
}
