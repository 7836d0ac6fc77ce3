package job

import (
	"time"

	"github.com/parcelhub/jobcore/internal/backoff"
)

// DefaultLease is how long a delivery stays invisible to other workers
// before it is considered abandoned.
const DefaultLease = 5 * time.Minute

// Policy is the delivery contract of one queue.
type Policy struct {
	// Concurrency is the number of jobs a worker pool runs at once.
	Concurrency int

	// MaxAttempts is the number of executions before dead-lettering.
	MaxAttempts int

	// Backoff computes the delay between attempts.
	Backoff backoff.Strategy

	// Lease is the visibility timeout of a delivery; it is extended while
	// the handler runs.
	Lease time.Duration
}

// DefaultPolicies returns the policy table for every queue.
func DefaultPolicies() map[Queue]Policy {
	return map[Queue]Policy{
		QueueOrders: {
			Concurrency: 5,
			MaxAttempts: 3,
			Backoff:     backoff.Exponential{Initial: 2 * time.Second, Max: time.Minute},
			Lease:       DefaultLease,
		},
		QueueShipments: {
			Concurrency: 5,
			MaxAttempts: 3,
			Backoff:     backoff.Exponential{Initial: 2 * time.Second, Max: time.Minute},
			Lease:       DefaultLease,
		},
		QueueLabels: {
			Concurrency: 1,
			MaxAttempts: 2,
			Backoff:     backoff.Constant{Interval: 30 * time.Second},
			Lease:       10 * time.Minute,
		},
		QueueBilling: {
			Concurrency: 2,
			MaxAttempts: 3,
			Backoff:     backoff.Exponential{Initial: 5 * time.Second, Max: 2 * time.Minute},
			Lease:       DefaultLease,
		},
		QueueAnalyticsRealtime: {
			Concurrency: 20,
			MaxAttempts: 1,
			Backoff:     backoff.Constant{Interval: 5 * time.Second},
			Lease:       time.Minute,
		},
		QueueAnalytics: {
			Concurrency: 10,
			MaxAttempts: 2,
			Backoff:     backoff.ExponentialWithJitter{Initial: time.Second, Max: 30 * time.Second},
			Lease:       DefaultLease,
		},
		QueueAnalyticsPredictive: {
			Concurrency: 3,
			MaxAttempts: 2,
			Backoff:     backoff.ExponentialWithJitter{Initial: 10 * time.Second, Max: 5 * time.Minute},
			Lease:       15 * time.Minute,
		},
	}
}

// Resolve fills the options left unset with the policy's defaults.
func (p Policy) Resolve(o Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = p.MaxAttempts
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	o.Priority = clampPriority(o.Priority)
	return o
}

// Normalize returns a copy with zero fields replaced by safe values.
func (p Policy) Normalize() Policy {
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = backoff.Default()
	}
	if p.Lease <= 0 {
		p.Lease = DefaultLease
	}
	return p
}
