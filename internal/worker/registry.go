package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/queue"
)

// ErrNoHandler is returned when a delivered job type has no registered handler.
var ErrNoHandler = errors.New("no handler registered")

// HandlerFunc processes one delivery. Returning an error fails the attempt;
// wrap it with job.Permanent to skip the remaining attempts.
type HandlerFunc func(ctx context.Context, d *queue.Delivery) error

// Registry is the dispatch table from job type to handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[job.Type]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Type]HandlerFunc)}
}

// Register installs fn for t, replacing any previous handler.
func (r *Registry) Register(t job.Type, fn HandlerFunc) {
	if !t.Valid() {
		panic(fmt.Sprintf("worker: register unknown job type %q", t))
	}
	if fn == nil {
		panic(fmt.Sprintf("worker: nil handler for %s", t))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = fn
}

// Lookup returns the handler for t.
func (r *Registry) Lookup(t job.Type) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[t]
	return fn, ok
}

// Validate fails if any job type routed to one of queues has no handler.
func (r *Registry) Validate(queues ...job.Queue) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, q := range queues {
		for _, t := range job.TypesOf(q) {
			if _, ok := r.handlers[t]; !ok {
				missing = append(missing, string(t))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w for job types: %s", ErrNoHandler, strings.Join(missing, ", "))
	}
	return nil
}

// Handle registers a handler that receives the decoded payload. The job type
// is taken from P, so a payload can only ever reach the handler written for
// it. Decode failures are permanent.
func Handle[P job.Payload](r *Registry, fn func(ctx context.Context, d *queue.Delivery, payload P) error) {
	var zero P
	t := zero.JobType()

	r.Register(t, func(ctx context.Context, d *queue.Delivery) error {
		if d.Envelope.Type != t {
			return job.Permanent(fmt.Errorf("handler for %s received %s", t, d.Envelope.Type))
		}
		var payload P
		if err := json.Unmarshal(d.Envelope.Payload, &payload); err != nil {
			return job.Permanent(fmt.Errorf("decode %s payload: %w", t, err))
		}
		return fn(ctx, d, payload)
	})
}
