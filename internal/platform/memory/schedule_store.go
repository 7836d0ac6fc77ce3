package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parcelhub/jobcore/internal/scheduler"
)

type tickLock struct {
	id   string
	tick int64
}

// ScheduleStore is an in-memory scheduler.Store.
type ScheduleStore struct {
	mu    sync.Mutex
	regs  map[string]scheduler.Registration
	locks map[tickLock]time.Time
	now   func() time.Time
}

var _ scheduler.Store = (*ScheduleStore)(nil)

// NewScheduleStore creates an empty store. A nil clock means time.Now.
func NewScheduleStore(now func() time.Time) *ScheduleStore {
	if now == nil {
		now = time.Now
	}
	return &ScheduleStore{
		regs:  make(map[string]scheduler.Registration),
		locks: make(map[tickLock]time.Time),
		now:   now,
	}
}

// Save implements scheduler.Store.
func (s *ScheduleStore) Save(_ context.Context, reg scheduler.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regs[reg.ID] = reg
	return nil
}

// Get implements scheduler.Store.
func (s *ScheduleStore) Get(_ context.Context, id string) (scheduler.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.regs[id]
	if !ok {
		return scheduler.Registration{}, scheduler.ErrNotFound
	}
	return reg, nil
}

// Delete implements scheduler.Store.
func (s *ScheduleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.regs[id]; !ok {
		return scheduler.ErrNotFound
	}
	delete(s.regs, id)
	return nil
}

// List implements scheduler.Store.
func (s *ScheduleStore) List(_ context.Context) ([]scheduler.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]scheduler.Registration, 0, len(s.regs))
	for _, reg := range s.regs {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Advance implements scheduler.Store.
func (s *ScheduleStore) Advance(
	_ context.Context,
	id string,
	expected time.Time,
	lastRun *time.Time,
	next time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.regs[id]
	if !ok || !reg.NextRunAt.Equal(expected) {
		return false, nil
	}
	reg.NextRunAt = next
	reg.LastRunAt = lastRun
	reg.UpdatedAt = s.now().UTC()
	s.regs[id] = reg
	return true, nil
}

// ClaimTick implements scheduler.Store.
func (s *ScheduleStore) ClaimTick(_ context.Context, id string, tick time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.locks {
		if !exp.After(now) {
			delete(s.locks, k)
		}
	}

	k := tickLock{id: id, tick: tick.Unix()}
	if _, held := s.locks[k]; held {
		return false, nil
	}
	s.locks[k] = now.Add(ttl)
	return true, nil
}

// ReleaseTick implements scheduler.Store.
func (s *ScheduleStore) ReleaseTick(_ context.Context, id string, tick time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, tickLock{id: id, tick: tick.Unix()})
	return nil
}
