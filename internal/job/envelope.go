package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority bounds. Lower values are serviced first.
const (
	MinPriority = 0
	MaxPriority = 999
)

// Options tune how a single job is delivered.
type Options struct {
	// Priority orders jobs within a queue; lower runs first.
	Priority int `json:"priority"`

	// MaxAttempts is the number of executions before the job is dead-lettered.
	// Zero means the queue default.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// DedupeID makes enqueue a no-op while another job with the same id is
	// queued, delayed or leased on the same queue.
	DedupeID string `json:"dedupe_id,omitempty"`

	// Delay holds the job back before its first delivery.
	Delay time.Duration `json:"delay,omitempty"`

	// Cron marks a recurring template. Envelopes carrying it are routed to
	// the scheduler instead of a queue.
	Cron string `json:"cron,omitempty"`
}

// Option mutates Options.
type Option func(*Options)

// WithPriority sets the priority, clamped to [MinPriority, MaxPriority].
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = clampPriority(p) }
}

// WithMaxAttempts overrides the queue's attempt limit.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithDedupeID sets the deduplication key.
func WithDedupeID(id string) Option {
	return func(o *Options) { o.DedupeID = id }
}

// WithDelay postpones the first delivery.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithCron marks the envelope as a recurring template.
func WithCron(expr string) Option {
	return func(o *Options) { o.Cron = expr }
}

// Envelope is what travels through a queue. It is never mutated once built;
// delivery state (attempts, lease) lives in the queue.
type Envelope struct {
	ID          string          `json:"id"`
	Queue       Queue           `json:"queue"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	OperationID string          `json:"operation_id,omitempty"`
	Options     Options         `json:"options"`
	CreatedAt   time.Time       `json:"created_at"`
}

// New builds an envelope for p, routed to the queue that owns its type.
func New(p Payload, opts ...Option) (Envelope, error) {
	if p == nil {
		return Envelope{}, fmt.Errorf("%w: nil payload", ErrInvalidEnvelope)
	}

	t := p.JobType()
	q, ok := QueueOf(t)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}

	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	o.Priority = clampPriority(o.Priority)

	env := Envelope{
		ID:        uuid.NewString(),
		Queue:     q,
		Type:      t,
		Payload:   raw,
		Options:   o,
		CreatedAt: time.Now().UTC(),
	}
	if tracked, ok := p.(Tracked); ok && tracked.OperationRef() != uuid.Nil {
		env.OperationID = tracked.OperationRef().String()
	}
	return env, nil
}

// Template is the part of an envelope a recurring registration stores; each
// firing stamps a fresh envelope from it.
type Template struct {
	Queue   Queue           `json:"queue"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Options Options         `json:"options"`
}

// TemplateOf builds a recurring template for p.
func TemplateOf(p Payload, opts ...Option) (Template, error) {
	env, err := New(p, opts...)
	if err != nil {
		return Template{}, err
	}
	return Template{Queue: env.Queue, Type: env.Type, Payload: env.Payload, Options: env.Options}, nil
}

// Stamp creates a new envelope from the template with the given dedupe id.
func (t Template) Stamp(dedupeID string) Envelope {
	o := t.Options
	o.Cron = ""
	o.DedupeID = dedupeID
	return Envelope{
		ID:        uuid.NewString(),
		Queue:     t.Queue,
		Type:      t.Type,
		Payload:   t.Payload,
		Options:   o,
		CreatedAt: time.Now().UTC(),
	}
}

// Decode decodes the payload into its typed struct.
func (e Envelope) Decode() (Payload, error) {
	return DecodePayload(e.Type, e.Payload)
}

// Validate checks the fields a queue relies on. It does not inspect the
// payload itself.
func (e Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	case !e.Type.Valid():
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	case !e.Queue.Valid():
		return fmt.Errorf("%w: unknown queue %q", ErrInvalidEnvelope, e.Queue)
	case e.Options.Priority < MinPriority || e.Options.Priority > MaxPriority:
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidEnvelope, e.Options.Priority)
	case e.Options.Cron != "":
		return fmt.Errorf("%w: recurring envelopes are scheduled, not enqueued", ErrInvalidEnvelope)
	}
	if q, _ := QueueOf(e.Type); q != e.Queue {
		return fmt.Errorf("%w: type %s does not belong to queue %s", ErrInvalidEnvelope, e.Type, e.Queue)
	}
	return nil
}

func clampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
