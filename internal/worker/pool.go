package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/queue"
)

// ExhaustedFunc is called after a job is dead-lettered, with the error of
// its final attempt.
type ExhaustedFunc func(ctx context.Context, env job.Envelope, cause error)

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithExhaustedFunc installs the dead-letter callback.
func WithExhaustedFunc(fn ExhaustedFunc) PoolOption {
	return func(p *Pool) { p.onExhausted = fn }
}

// WithErrorBackoff sets how long an executor waits after the queue itself
// fails before polling again.
func WithErrorBackoff(d time.Duration) PoolOption {
	return func(p *Pool) { p.errorBackoff = d }
}

// Pool runs a queue's handlers with bounded concurrency.
type Pool struct {
	queue        job.Queue
	client       queue.Client
	registry     *Registry
	policy       job.Policy
	logger       *slog.Logger
	onExhausted  ExhaustedFunc
	errorBackoff time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a pool for q. Zero policy fields are replaced by safe
// defaults.
func NewPool(
	q job.Queue,
	client queue.Client,
	registry *Registry,
	policy job.Policy,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if client == nil {
		panic("queue client cannot be nil")
	}
	if registry == nil {
		panic("registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		queue:        q,
		client:       client,
		registry:     registry,
		policy:       policy.Normalize(),
		logger:       logger.With("component", "worker_pool", "queue", string(q)),
		errorBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Queue returns the queue served by the pool.
func (p *Pool) Queue() job.Queue { return p.queue }

// Start launches the executors. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pool %s already running", p.queue)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.policy.Concurrency; i++ {
		p.wg.Add(1)
		go p.executor(loopCtx, i)
	}

	p.logger.Info("worker pool started",
		"concurrency", p.policy.Concurrency,
		"max_attempts", p.policy.MaxAttempts)
	return nil
}

// Stop stops dequeuing and waits for in-flight handlers. Handlers are not
// cancelled; if ctx expires first Stop returns ctx.Err() and the unfinished
// jobs are redelivered once their leases lapse.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool stop timed out with jobs in flight")
		return ctx.Err()
	}
}

func (p *Pool) executor(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		d, err := p.client.Dequeue(ctx, p.queue, p.policy.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", "worker_id", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.errorBackoff):
			}
			continue
		}

		p.process(d, id)
	}
}

// process runs one delivery to completion. It deliberately uses a context
// that outlives Stop: shutdown never interrupts a running handler.
func (p *Pool) process(d *queue.Delivery, workerID int) {
	env := d.Envelope
	log := p.logger.With(
		"job_id", env.ID,
		"job_type", string(env.Type),
		"attempt", d.Attempt,
		"worker_id", workerID,
	)
	if env.OperationID != "" {
		log = log.With("operation_id", env.OperationID)
	}
	ctx := logger.WithContext(context.Background(), log)

	handler, ok := p.registry.Lookup(env.Type)
	if !ok {
		p.bury(ctx, log, d, job.Permanent(fmt.Errorf("%w for %s", ErrNoHandler, env.Type)))
		return
	}

	log.Debug("processing job")
	start := time.Now()

	stopHeartbeat := p.heartbeat(ctx, log, d)
	err := safeCall(ctx, handler, d)
	stopHeartbeat()

	elapsed := time.Since(start)
	if err == nil {
		if ackErr := p.client.Ack(ctx, d); ackErr != nil {
			if errors.Is(ackErr, queue.ErrLeaseLost) {
				log.Warn("lease lost before acknowledgement, job will run again", "error", ackErr)
				return
			}
			log.Error("failed to acknowledge job", "error", ackErr)
			return
		}
		log.Info("job completed", "duration_ms", elapsed.Milliseconds())
		return
	}

	maxAttempts := p.policy.Resolve(env.Options).MaxAttempts

	if job.IsPermanent(err) || d.Attempt >= maxAttempts {
		p.bury(ctx, log, d, err)
		return
	}

	delay := p.policy.Backoff.Delay(d.Attempt)
	if retryErr := p.client.Retry(ctx, d, delay, err); retryErr != nil {
		log.Error("failed to schedule retry", "error", retryErr, "cause", err)
		return
	}
	log.Warn("job attempt failed, retry scheduled",
		"error", err,
		"max_attempts", maxAttempts,
		"delay", delay.String())
}

func (p *Pool) bury(ctx context.Context, log *slog.Logger, d *queue.Delivery, cause error) {
	if err := p.client.Bury(ctx, d, cause); err != nil {
		log.Error("failed to dead-letter job", "error", err, "cause", cause)
		if errors.Is(err, queue.ErrLeaseLost) {
			return
		}
	}
	log.Error("job dead-lettered", "error", cause, "permanent", job.IsPermanent(cause))

	if p.onExhausted != nil {
		p.onExhausted(ctx, d.Envelope, cause)
	}
}

// heartbeat extends the lease at a third of its length until stopped.
func (p *Pool) heartbeat(ctx context.Context, log *slog.Logger, d *queue.Delivery) func() {
	interval := p.policy.Lease / 3
	if interval <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.client.Extend(hbCtx, d, p.policy.Lease); err != nil {
					if hbCtx.Err() != nil {
						return
					}
					log.Warn("failed to extend lease", "error", err)
					if errors.Is(err, queue.ErrLeaseLost) {
						return
					}
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func safeCall(ctx context.Context, fn HandlerFunc, d *queue.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, d)
}
