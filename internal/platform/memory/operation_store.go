package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/store"
)

type storedOperation struct {
	op    operation.Operation
	items map[string]operation.Item
	order []string
}

// OperationStore is an in-memory operation.Store.
type OperationStore struct {
	mu    sync.Mutex
	ops   map[uuid.UUID]*storedOperation
	codes map[string]uuid.UUID
	now   func() time.Time
}

var _ operation.Store = (*OperationStore)(nil)

// NewOperationStore creates an empty store. A nil clock means time.Now.
func NewOperationStore(now func() time.Time) *OperationStore {
	if now == nil {
		now = time.Now
	}
	return &OperationStore{
		ops:   make(map[uuid.UUID]*storedOperation),
		codes: make(map[string]uuid.UUID),
		now:   now,
	}
}

// Create implements operation.Store.
func (s *OperationStore) Create(_ context.Context, op *operation.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[op.ID]; ok {
		return store.ErrDuplicate
	}
	if _, ok := s.codes[op.Code]; ok {
		return store.ErrOperationCodeExists
	}
	s.ops[op.ID] = &storedOperation{op: *op, items: make(map[string]operation.Item)}
	s.codes[op.Code] = op.ID
	return nil
}

// Start implements operation.Store.
func (s *OperationStore) Start(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, err := s.lookup(id)
	if err != nil {
		return err
	}
	if so.op.Status.Terminal() {
		return &operation.TransitionError{From: so.op.Status, To: operation.StatusProcessing}
	}
	if so.op.Status == operation.StatusPending {
		so.op.Status = operation.StatusProcessing
		so.op.UpdatedAt = s.now().UTC()
	}
	return nil
}

// Increment implements operation.Store.
func (s *OperationStore) Increment(_ context.Context, id uuid.UUID, res operation.ItemResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	if so.op.Status.Terminal() {
		return false, fmt.Errorf("%w: status %s", operation.ErrFinalized, so.op.Status)
	}
	if so.op.ProcessedCount >= so.op.TotalCount {
		return false, nil
	}
	if res.Key != "" {
		if _, seen := so.items[res.Key]; seen {
			return false, nil
		}
		so.items[res.Key] = operation.Item{
			Key:       res.Key,
			Success:   res.Success,
			Error:     res.Error,
			CreatedAt: s.now().UTC(),
		}
		so.order = append(so.order, res.Key)
	}

	so.op.Status = operation.StatusProcessing
	so.op.ProcessedCount++
	if res.Success {
		so.op.SuccessCount++
	} else {
		so.op.FailedCount++
	}
	so.op.UpdatedAt = s.now().UTC()
	return true, nil
}

// Complete implements operation.Store.
func (s *OperationStore) Complete(_ context.Context, id uuid.UUID, a operation.Artifacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, err := s.lookup(id)
	if err != nil {
		return err
	}
	if so.op.Status.Terminal() {
		return &operation.TransitionError{From: so.op.Status, To: operation.StatusCompleted}
	}
	if so.op.ProcessedCount != so.op.TotalCount {
		return operation.ErrIncomplete
	}

	now := s.now().UTC()
	so.op.Status = operation.StatusCompleted
	applyArtifacts(&so.op, a)
	so.op.UpdatedAt = now
	so.op.CompletedAt = &now
	return nil
}

// Fail implements operation.Store.
func (s *OperationStore) Fail(_ context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, err := s.lookup(id)
	if err != nil {
		return err
	}
	if so.op.Status.Terminal() {
		return &operation.TransitionError{From: so.op.Status, To: operation.StatusFailed}
	}

	now := s.now().UTC()
	so.op.Status = operation.StatusFailed
	so.op.ErrorMessage = message
	so.op.UpdatedAt = now
	so.op.CompletedAt = &now
	return nil
}

// AttachArtifacts implements operation.Store.
func (s *OperationStore) AttachArtifacts(_ context.Context, id uuid.UUID, a operation.Artifacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, err := s.lookup(id)
	if err != nil {
		return err
	}
	applyArtifacts(&so.op, a)
	so.op.UpdatedAt = s.now().UTC()
	return nil
}

// Get implements operation.Store.
func (s *OperationStore) Get(_ context.Context, id, userID uuid.UUID) (*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if so.op.UserID != userID {
		return nil, operation.ErrNotFound
	}
	op := so.op
	return &op, nil
}

// Lookup implements operation.Store.
func (s *OperationStore) Lookup(_ context.Context, id uuid.UUID) (*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	op := so.op
	return &op, nil
}

// ListByUser implements operation.Store.
func (s *OperationStore) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []operation.Operation
	for _, so := range s.ops {
		if so.op.UserID == userID {
			out = append(out, so.op)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code > out[j].Code
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Items implements operation.Store.
func (s *OperationStore) Items(_ context.Context, id uuid.UUID) ([]operation.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	so, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	items := make([]operation.Item, 0, len(so.order))
	for _, key := range so.order {
		items = append(items, so.items[key])
	}
	return items, nil
}

func (s *OperationStore) lookup(id uuid.UUID) (*storedOperation, error) {
	so, ok := s.ops[id]
	if !ok {
		return nil, operation.ErrNotFound
	}
	return so, nil
}

func applyArtifacts(op *operation.Operation, a operation.Artifacts) {
	if a.ReportPath != "" {
		op.ReportPath = a.ReportPath
	}
	if a.FilePath != "" {
		op.FilePath = a.FilePath
	}
}
