package main

import (
	"fmt"

	"github.com/parcelhub/jobcore/internal/backoff"
	"github.com/parcelhub/jobcore/internal/config"
	"github.com/parcelhub/jobcore/internal/job"
)

// buildPolicies applies the per-queue overrides from configuration to the
// built-in policy table. Zero override fields keep the default.
func buildPolicies(overrides map[string]config.QueueConfig) (map[job.Queue]job.Policy, error) {
	policies := job.DefaultPolicies()
	for name, o := range overrides {
		q := job.Queue(name)
		p, ok := policies[q]
		if !ok {
			return nil, fmt.Errorf("queues.%s: unknown queue", name)
		}
		if o.Concurrency > 0 {
			p.Concurrency = o.Concurrency
		}
		if o.MaxAttempts > 0 {
			p.MaxAttempts = o.MaxAttempts
		}
		if o.Lease > 0 {
			p.Lease = o.Lease
		}
		if o.Backoff != "" {
			s, err := backoff.Parse(o.Backoff, o.BackoffInitial, o.BackoffMax)
			if err != nil {
				return nil, fmt.Errorf("queues.%s: %w", name, err)
			}
			p.Backoff = s
		}
		policies[q] = p.Normalize()
	}
	return policies, nil
}

// servedQueues resolves worker.queues; empty means every queue.
func servedQueues(names []string) ([]job.Queue, error) {
	if len(names) == 0 {
		return job.AllQueues(), nil
	}
	queues := make([]job.Queue, 0, len(names))
	for _, n := range names {
		q := job.Queue(n)
		if !q.Valid() {
			return nil, fmt.Errorf("worker.queues: unknown queue %q", n)
		}
		queues = append(queues, q)
	}
	return queues, nil
}
