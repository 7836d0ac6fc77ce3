package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelhub/jobcore/internal/backoff"
	"github.com/parcelhub/jobcore/internal/config"
	"github.com/parcelhub/jobcore/internal/job"
)

func TestBuildPolicies(t *testing.T) {
	t.Parallel()

	defaults := job.DefaultPolicies()

	policies, err := buildPolicies(map[string]config.QueueConfig{
		"labels": {Concurrency: 3, Backoff: "linear", BackoffInitial: time.Second, BackoffMax: 10 * time.Second},
		"orders": {MaxAttempts: 7, Lease: time.Minute},
	})
	require.NoError(t, err)

	labels := policies[job.QueueLabels]
	assert.Equal(t, 3, labels.Concurrency)
	assert.Equal(t, defaults[job.QueueLabels].MaxAttempts, labels.MaxAttempts)
	assert.Equal(t, backoff.Linear{Initial: time.Second, Max: 10 * time.Second}, labels.Backoff)

	orders := policies[job.QueueOrders]
	assert.Equal(t, 7, orders.MaxAttempts)
	assert.Equal(t, time.Minute, orders.Lease)
	assert.Equal(t, defaults[job.QueueOrders].Concurrency, orders.Concurrency)

	assert.Equal(t, defaults[job.QueueBilling], policies[job.QueueBilling])
}

func TestBuildPoliciesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		overrides map[string]config.QueueConfig
	}{
		{"unknown queue", map[string]config.QueueConfig{"invoices": {Concurrency: 1}}},
		{"unknown backoff", map[string]config.QueueConfig{"orders": {Backoff: "fibonacci"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := buildPolicies(tt.overrides)
			assert.Error(t, err)
		})
	}
}

func TestServedQueues(t *testing.T) {
	t.Parallel()

	all, err := servedQueues(nil)
	require.NoError(t, err)
	assert.Equal(t, job.AllQueues(), all)

	some, err := servedQueues([]string{"labels", "billing"})
	require.NoError(t, err)
	assert.Equal(t, []job.Queue{job.QueueLabels, job.QueueBilling}, some)

	_, err = servedQueues([]string{"labels", "nope"})
	assert.Error(t, err)
}
