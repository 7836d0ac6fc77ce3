package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/queue"
)

// Manager owns one Pool per served queue.
type Manager struct {
	pools  []*Pool
	logger *slog.Logger
}

// NewManager builds pools for queues using their policies. It fails when a
// queue has no policy or when any job type of a served queue has no handler,
// so a misconfigured process never starts consuming.
func NewManager(
	client queue.Client,
	registry *Registry,
	policies map[job.Queue]job.Policy,
	queues []job.Queue,
	logger *slog.Logger,
	opts ...PoolOption,
) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(queues) == 0 {
		queues = job.AllQueues()
	}

	if err := registry.Validate(queues...); err != nil {
		return nil, err
	}

	m := &Manager{logger: logger.With("component", "worker_manager")}
	for _, q := range queues {
		if !q.Valid() {
			return nil, fmt.Errorf("unknown queue %q", q)
		}
		policy, ok := policies[q]
		if !ok {
			return nil, fmt.Errorf("no policy for queue %s", q)
		}
		m.pools = append(m.pools, NewPool(q, client, registry, policy, logger, opts...))
	}
	return m, nil
}

// Pools returns the managed pools.
func (m *Manager) Pools() []*Pool {
	return m.pools
}

// Start starts every pool. If one fails the already started pools are
// stopped again.
func (m *Manager) Start(ctx context.Context) error {
	for i, p := range m.pools {
		if err := p.Start(ctx); err != nil {
			for _, started := range m.pools[:i] {
				_ = started.Stop(ctx)
			}
			return fmt.Errorf("start pool %s: %w", p.Queue(), err)
		}
	}
	m.logger.Info("worker manager started", "pools", len(m.pools))
	return nil
}

// Stop stops all pools concurrently and waits for them within ctx.
func (m *Manager) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range m.pools {
		g.Go(func() error {
			if err := p.Stop(ctx); err != nil {
				return fmt.Errorf("stop pool %s: %w", p.Queue(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
