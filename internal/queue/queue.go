// Package queue defines the contract between producers, the durable queue and
// worker pools. Delivery is at-least-once: a job whose lease expires before it
// is acknowledged is handed out again.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/parcelhub/jobcore/internal/job"
)

var (
	// ErrUnavailable wraps transport failures talking to the queue backend.
	ErrUnavailable = errors.New("queue unavailable")

	// ErrNotFound is returned when a job id is not present in the expected set.
	ErrNotFound = errors.New("job not found")

	// ErrLeaseLost is returned when a delivery's lease has already expired
	// and the job was reclaimed.
	ErrLeaseLost = errors.New("lease lost")
)

// Handle identifies an enqueued job.
type Handle struct {
	JobID string    `json:"job_id"`
	Queue job.Queue `json:"queue"`

	// Duplicate is set when the enqueue was collapsed into an existing job
	// with the same dedupe id. JobID is then the existing job's id.
	Duplicate bool `json:"duplicate"`
}

// Delivery is one leased execution of a job.
type Delivery struct {
	Envelope job.Envelope

	// Attempt is the 1-based execution number.
	Attempt int

	// LeaseUntil is when the job becomes visible to other workers again.
	LeaseUntil time.Time

	// LastError is the failure recorded by the previous attempt, if any.
	LastError string
}

// DeadLetter is a job that exhausted its attempts or failed permanently.
type DeadLetter struct {
	Envelope job.Envelope `json:"envelope"`
	Attempts int          `json:"attempts"`
	Error    string       `json:"error"`
	FailedAt time.Time    `json:"failed_at"`
}

// Stats are the per-state job counts of one queue.
type Stats struct {
	Queue   job.Queue `json:"queue"`
	Ready   int64     `json:"ready"`
	Delayed int64     `json:"delayed"`
	Active  int64     `json:"active"`
	Dead    int64     `json:"dead"`
}

// Client is a durable priority queue with leases and a dead-letter set.
type Client interface {
	// Enqueue stores the envelope for delivery. It does not inspect the payload.
	Enqueue(ctx context.Context, env job.Envelope) (Handle, error)

	// Dequeue blocks until a job is ready on q or ctx is done, and leases it.
	Dequeue(ctx context.Context, q job.Queue, lease time.Duration) (*Delivery, error)

	// Ack removes a successfully processed job.
	Ack(ctx context.Context, d *Delivery) error

	// Retry records a failed attempt and makes the job ready again after delay.
	Retry(ctx context.Context, d *Delivery, delay time.Duration, cause error) error

	// Bury moves the job to the dead-letter set.
	Bury(ctx context.Context, d *Delivery, cause error) error

	// Extend pushes the lease of an in-flight delivery forward.
	Extend(ctx context.Context, d *Delivery, lease time.Duration) error

	// DeadLetters lists up to limit dead jobs of q, oldest first.
	DeadLetters(ctx context.Context, q job.Queue, limit int) ([]DeadLetter, error)

	// DeadLetter returns one dead job of q, or ErrNotFound.
	DeadLetter(ctx context.Context, q job.Queue, jobID string) (DeadLetter, error)

	// Requeue moves a dead job back to ready with a fresh attempt budget.
	Requeue(ctx context.Context, q job.Queue, jobID string) error

	// PurgeDeadLetters deletes dead jobs that failed before the cutoff.
	PurgeDeadLetters(ctx context.Context, q job.Queue, before time.Time) (int64, error)

	// Stats reports counts per state.
	Stats(ctx context.Context, q job.Queue) (Stats, error)
}

// ErrorText renders a cause for storage; nil becomes an empty string.
func ErrorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
