package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/platform/files"
	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/queue"
	"github.com/parcelhub/jobcore/internal/scheduler"
)

// BulkRequest is a user's request to run one bulk operation. Which reference
// field is read depends on Type.
type BulkRequest struct {
	Type            operation.Type  `json:"type" validate:"required"`
	FilePath        string          `json:"file_path,omitempty"`
	ShipmentIDs     []string        `json:"shipment_ids,omitempty"`
	OrderIDs        []string        `json:"order_ids,omitempty"`
	Orders          []job.OrderEdit `json:"orders,omitempty"`
	PickupDate      string          `json:"pickup_date,omitempty"`
	PickupAddressID string          `json:"pickup_address_id,omitempty"`
	Priority        int             `json:"priority,omitempty" validate:"gte=0,lte=999"`
}

// Submission is the result of a successful Submit.
type Submission struct {
	Operation *operation.Operation `json:"operation"`
	Job       queue.Handle         `json:"job"`
}

// RowCounter counts the data rows of an uploaded CSV.
type RowCounter interface {
	CountRows(ctx context.Context, name string) (int, error)
}

// Recurring registers and removes recurring jobs.
type Recurring interface {
	ScheduleEnvelope(ctx context.Context, id string, env job.Envelope) (scheduler.Registration, error)
	Unschedule(ctx context.Context, id string) error
	List(ctx context.Context) ([]scheduler.Registration, error)
}

// JobService is the entry point request handlers use to start work.
type JobService interface {
	// Submit records a PENDING operation and enqueues the job that
	// processes it.
	Submit(ctx context.Context, userID uuid.UUID, req BulkRequest) (*Submission, error)

	// Enqueue sends an ad-hoc job. Payloads enqueued with job.WithCron are
	// registered as recurring under id instead.
	Enqueue(ctx context.Context, id string, p job.Payload, opts ...job.Option) (queue.Handle, error)

	// EnqueueRecurring registers env, which must carry Options.Cron, under id.
	EnqueueRecurring(ctx context.Context, id string, env job.Envelope) (scheduler.Registration, error)

	// Unschedule removes a recurring registration.
	Unschedule(ctx context.Context, id string) error

	// Schedules lists recurring registrations.
	Schedules(ctx context.Context) ([]scheduler.Registration, error)

	// Operation returns one of the user's operations.
	Operation(ctx context.Context, id, userID uuid.UUID) (*operation.Operation, error)

	// Operations lists the user's most recent operations.
	Operations(ctx context.Context, userID uuid.UUID, limit int) ([]operation.Operation, error)

	// QueueStats reports per-state counts of q.
	QueueStats(ctx context.Context, q job.Queue) (queue.Stats, error)

	// DeadLetters lists dead jobs of q.
	DeadLetters(ctx context.Context, q job.Queue, limit int) ([]queue.DeadLetter, error)

	// Requeue gives a dead job a fresh attempt budget. Jobs of a finished
	// operation are refused with ErrRequeueRejected.
	Requeue(ctx context.Context, q job.Queue, jobID string) error

	// PurgeDeadLetters deletes dead jobs of q older than age.
	PurgeDeadLetters(ctx context.Context, q job.Queue, age time.Duration) (int64, error)
}

// jobServiceImpl implements the JobService interface
type jobServiceImpl struct {
	tracker   *operation.Tracker
	queue     queue.Client
	rows      RowCounter
	recurring Recurring
	validate  *validator.Validate
	now       func() time.Time
	logger    *slog.Logger
}

var _ JobService = (*jobServiceImpl)(nil)

// NewJobService creates a JobService. recurring may be nil in processes that
// do not run a scheduler; recurring requests then fail with
// ErrSchedulerDisabled.
func NewJobService(
	tracker *operation.Tracker,
	client queue.Client,
	rows RowCounter,
	recurring Recurring,
	logger *slog.Logger,
) (JobService, error) {
	if tracker == nil {
		return nil, &JobServiceError{Operation: "create_service", Message: "tracker cannot be nil"}
	}
	if client == nil {
		return nil, &JobServiceError{Operation: "create_service", Message: "queue client cannot be nil"}
	}
	if rows == nil {
		return nil, &JobServiceError{Operation: "create_service", Message: "row counter cannot be nil"}
	}
	if logger == nil {
		return nil, &JobServiceError{Operation: "create_service", Message: "logger cannot be nil"}
	}
	return &jobServiceImpl{
		tracker:   tracker,
		queue:     client,
		rows:      rows,
		recurring: recurring,
		validate:  validator.New(),
		now:       time.Now,
		logger:    logger.With("component", "job_service"),
	}, nil
}

// Submit implements JobService.
func (s *jobServiceImpl) Submit(ctx context.Context, userID uuid.UUID, req BulkRequest) (*Submission, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown operation type %q", ErrInvalidRequest, req.Type)
	}

	req = normalize(req)
	total, err := s.itemCount(ctx, req)
	if err != nil {
		return nil, err
	}

	// Checked up front with a provisional reference so a request that can
	// never run does not leave an operation behind.
	if _, err := buildPayload(req, job.BulkRef{OperationID: uuid.New(), UserID: userID}); err != nil {
		return nil, err
	}

	op, err := s.tracker.Create(ctx, operation.NewOperation{
		Type:       req.Type,
		UserID:     userID,
		TotalCount: total,
		FilePath:   req.FilePath,
	})
	if err != nil {
		return nil, NewJobServiceError("submit", "failed to create operation", err)
	}

	payload, err := buildPayload(req, job.BulkRef{OperationID: op.ID, UserID: userID})
	if err != nil {
		return nil, err
	}
	env, err := job.New(payload,
		job.WithDedupeID(op.ID.String()),
		job.WithPriority(req.Priority),
	)
	if err == nil {
		var handle queue.Handle
		handle, err = s.queue.Enqueue(ctx, env)
		if err == nil {
			log.Info("bulk operation submitted",
				"operation_id", op.ID,
				"operation_code", op.Code,
				"job_id", handle.JobID,
				"queue", handle.Queue,
				"total", total)
			return &Submission{Operation: op, Job: handle}, nil
		}
	}

	log.Error("failed to enqueue bulk job", "operation_id", op.ID, "error", err)
	if failErr := s.tracker.Fail(ctx, op.ID, ErrEnqueueFailed.Error()); failErr != nil {
		log.Error("failed to mark operation failed after enqueue error",
			"operation_id", op.ID, "error", failErr)
	}
	return nil, &JobServiceError{
		Operation: "submit",
		Message:   fmt.Sprintf("operation %s", op.ID),
		Err:       fmt.Errorf("%w: %w", ErrEnqueueFailed, err),
	}
}

// itemCount is the number of sub-units the request will produce.
func (s *jobServiceImpl) itemCount(ctx context.Context, req BulkRequest) (int, error) {
	switch req.Type {
	case operation.TypeOrderUpload, operation.TypeBillingWeightCSV, operation.TypeDisputeActionsCSV:
		if req.FilePath == "" {
			return 0, fmt.Errorf("%w: file_path is required for %s", ErrInvalidRequest, req.Type)
		}
		n, err := s.rows.CountRows(ctx, req.FilePath)
		if errors.Is(err, files.ErrNotFound) || errors.Is(err, files.ErrInvalidPath) {
			return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if err != nil {
			return 0, NewJobServiceError("submit", "failed to read upload", err)
		}
		if n == 0 {
			return 0, fmt.Errorf("%w: %s has no data rows", ErrInvalidRequest, req.FilePath)
		}
		return n, nil
	case operation.TypeEditPickupAddress:
		return len(req.OrderIDs), nil
	case operation.TypeEditOrderDetails:
		return len(req.Orders), nil
	default:
		return len(req.ShipmentIDs), nil
	}
}

// normalize drops blank and repeated references, keeping first occurrences
// in order.
func normalize(req BulkRequest) BulkRequest {
	req.ShipmentIDs = dedupe(req.ShipmentIDs)
	req.OrderIDs = dedupe(req.OrderIDs)

	if len(req.Orders) > 0 {
		seen := make(map[string]struct{}, len(req.Orders))
		orders := make([]job.OrderEdit, 0, len(req.Orders))
		for _, o := range req.Orders {
			if _, ok := seen[o.OrderID]; ok || o.OrderID == "" {
				continue
			}
			seen[o.OrderID] = struct{}{}
			orders = append(orders, o)
		}
		req.Orders = orders
	}
	return req
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// buildPayload maps a request onto the payload of its job type.
func buildPayload(req BulkRequest, ref job.BulkRef) (job.Payload, error) {
	var p job.Payload
	switch req.Type {
	case operation.TypeOrderUpload:
		p = job.BulkOrdersPayload{BulkRef: ref, FilePath: req.FilePath}
	case operation.TypeSchedulePickup:
		p = job.SchedulePickupPayload{BulkRef: ref, ShipmentIDs: req.ShipmentIDs, PickupDate: req.PickupDate}
	case operation.TypeCancelShipment:
		p = job.CancelShipmentPayload{BulkRef: ref, ShipmentIDs: req.ShipmentIDs}
	case operation.TypeDownloadLabel:
		p = job.DownloadLabelPayload{BulkRef: ref, ShipmentIDs: req.ShipmentIDs}
	case operation.TypeEditPickupAddress:
		p = job.EditPickupAddressPayload{BulkRef: ref, OrderIDs: req.OrderIDs, PickupAddressID: req.PickupAddressID}
	case operation.TypeEditOrderDetails:
		p = job.EditOrderDetailsPayload{BulkRef: ref, Orders: req.Orders}
	case operation.TypeBillingWeightCSV:
		p = job.WeightCSVPayload{BulkRef: ref, FilePath: req.FilePath}
	case operation.TypeDisputeActionsCSV:
		p = job.DisputeActionsCSVPayload{BulkRef: ref, FilePath: req.FilePath}
	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", ErrInvalidRequest, req.Type)
	}
	if err := job.ValidatePayload(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return p, nil
}

// Enqueue implements JobService.
func (s *jobServiceImpl) Enqueue(ctx context.Context, id string, p job.Payload, opts ...job.Option) (queue.Handle, error) {
	if err := job.ValidatePayload(p); err != nil {
		return queue.Handle{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	env, err := job.New(p, opts...)
	if err != nil {
		return queue.Handle{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if env.Options.Cron != "" {
		reg, err := s.EnqueueRecurring(ctx, id, env)
		if err != nil {
			return queue.Handle{}, err
		}
		return queue.Handle{JobID: reg.ID, Queue: reg.Template.Queue}, nil
	}

	handle, err := s.queue.Enqueue(ctx, env)
	if err != nil {
		return queue.Handle{}, NewJobServiceError("enqueue", string(env.Type), err)
	}
	logger.FromContextOrDefault(ctx, s.logger).Debug("job enqueued",
		"job_id", handle.JobID,
		"job_type", env.Type,
		"duplicate", handle.Duplicate)
	return handle, nil
}

// EnqueueRecurring implements JobService.
func (s *jobServiceImpl) EnqueueRecurring(ctx context.Context, id string, env job.Envelope) (scheduler.Registration, error) {
	if s.recurring == nil {
		return scheduler.Registration{}, ErrSchedulerDisabled
	}
	if id == "" {
		return scheduler.Registration{}, fmt.Errorf("%w: recurring job needs an id", ErrInvalidRequest)
	}
	reg, err := s.recurring.ScheduleEnvelope(ctx, id, env)
	if errors.Is(err, scheduler.ErrInvalid) {
		return scheduler.Registration{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err != nil {
		return scheduler.Registration{}, NewJobServiceError("enqueue_recurring", id, err)
	}
	return reg, nil
}

// Unschedule implements JobService.
func (s *jobServiceImpl) Unschedule(ctx context.Context, id string) error {
	if s.recurring == nil {
		return ErrSchedulerDisabled
	}
	return s.recurring.Unschedule(ctx, id)
}

// Schedules implements JobService.
func (s *jobServiceImpl) Schedules(ctx context.Context) ([]scheduler.Registration, error) {
	if s.recurring == nil {
		return nil, ErrSchedulerDisabled
	}
	return s.recurring.List(ctx)
}

// Operation implements JobService.
func (s *jobServiceImpl) Operation(ctx context.Context, id, userID uuid.UUID) (*operation.Operation, error) {
	op, err := s.tracker.Get(ctx, id, userID)
	if err != nil {
		return nil, NewJobServiceError("get_operation", id.String(), err)
	}
	return op, nil
}

// Operations implements JobService.
func (s *jobServiceImpl) Operations(ctx context.Context, userID uuid.UUID, limit int) ([]operation.Operation, error) {
	ops, err := s.tracker.List(ctx, userID, limit)
	if err != nil {
		return nil, NewJobServiceError("list_operations", userID.String(), err)
	}
	return ops, nil
}

// QueueStats implements JobService.
func (s *jobServiceImpl) QueueStats(ctx context.Context, q job.Queue) (queue.Stats, error) {
	return s.queue.Stats(ctx, q)
}

// DeadLetters implements JobService.
func (s *jobServiceImpl) DeadLetters(ctx context.Context, q job.Queue, limit int) ([]queue.DeadLetter, error) {
	return s.queue.DeadLetters(ctx, q, limit)
}

// Requeue implements JobService.
func (s *jobServiceImpl) Requeue(ctx context.Context, q job.Queue, jobID string) error {
	dead, err := s.queue.DeadLetter(ctx, q, jobID)
	if err != nil {
		return err
	}
	if err := s.checkRequeueable(ctx, dead.Envelope); err != nil {
		return err
	}

	if err := s.queue.Requeue(ctx, q, jobID); err != nil {
		return err
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("dead job requeued", "queue", q, "job_id", jobID)
	return nil
}

// checkRequeueable refuses bulk jobs whose operation has reached a final
// status: the runner would acknowledge them without touching any item.
func (s *jobServiceImpl) checkRequeueable(ctx context.Context, env job.Envelope) error {
	if env.OperationID == "" {
		return nil
	}
	id, err := uuid.Parse(env.OperationID)
	if err != nil {
		return fmt.Errorf("%w: malformed operation id %q", ErrRequeueRejected, env.OperationID)
	}

	op, err := s.tracker.Lookup(ctx, id)
	if errors.Is(err, operation.ErrNotFound) {
		return fmt.Errorf("%w: operation %s no longer exists", ErrRequeueRejected, id)
	}
	if err != nil {
		return NewJobServiceError("requeue", "failed to load operation", err)
	}
	if op.Status.Terminal() {
		return fmt.Errorf("%w: operation %s is %s", ErrRequeueRejected, id, op.Status)
	}
	return nil
}

// PurgeDeadLetters implements JobService.
func (s *jobServiceImpl) PurgeDeadLetters(ctx context.Context, q job.Queue, age time.Duration) (int64, error) {
	n, err := s.queue.PurgeDeadLetters(ctx, q, s.now().Add(-age))
	if err != nil {
		return 0, err
	}
	logger.FromContextOrDefault(ctx, s.logger).Info("dead letters purged", "queue", q, "count", n)
	return n, nil
}
