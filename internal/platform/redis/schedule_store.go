package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/parcelhub/jobcore/internal/scheduler"
)

// ScheduleStore is a scheduler.Store keeping registrations as JSON fields
// of one hash and tick claims as expiring keys.
type ScheduleStore struct {
	client goredis.UniversalClient
	settings
}

var _ scheduler.Store = (*ScheduleStore)(nil)

// NewScheduleStore creates a ScheduleStore. The caller owns the client.
func NewScheduleStore(client goredis.UniversalClient, opts ...Option) *ScheduleStore {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &ScheduleStore{client: client, settings: newSettings(opts)}
}

// Save implements scheduler.Store.
func (s *ScheduleStore) Save(ctx context.Context, reg scheduler.Registration) error {
	raw, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode schedule %s: %w", reg.ID, err)
	}
	if err := s.client.HSet(ctx, s.scheduleKey(), reg.ID, raw).Err(); err != nil {
		return storeUnavailable("save schedule", err)
	}
	return nil
}

// Get implements scheduler.Store.
func (s *ScheduleStore) Get(ctx context.Context, id string) (scheduler.Registration, error) {
	raw, err := s.client.HGet(ctx, s.scheduleKey(), id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return scheduler.Registration{}, scheduler.ErrNotFound
	}
	if err != nil {
		return scheduler.Registration{}, storeUnavailable("get schedule", err)
	}
	return decodeRegistration(raw)
}

// Delete implements scheduler.Store.
func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.HDel(ctx, s.scheduleKey(), id).Result()
	if err != nil {
		return storeUnavailable("delete schedule", err)
	}
	if n == 0 {
		return scheduler.ErrNotFound
	}
	return nil
}

// List implements scheduler.Store.
func (s *ScheduleStore) List(ctx context.Context) ([]scheduler.Registration, error) {
	all, err := s.client.HGetAll(ctx, s.scheduleKey()).Result()
	if err != nil {
		return nil, storeUnavailable("list schedules", err)
	}

	regs := make([]scheduler.Registration, 0, len(all))
	for id, raw := range all {
		reg, err := decodeRegistration([]byte(raw))
		if err != nil {
			s.logger.Error("skipping undecodable schedule", "schedule_id", id, "error", err)
			continue
		}
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].ID < regs[j].ID })
	return regs, nil
}

// Advance implements scheduler.Store with an optimistic WATCH transaction on
// the schedules hash.
func (s *ScheduleStore) Advance(
	ctx context.Context,
	id string,
	expected time.Time,
	lastRun *time.Time,
	next time.Time,
) (bool, error) {
	key := s.scheduleKey()
	advanced := false

	txf := func(tx *goredis.Tx) error {
		raw, err := tx.HGet(ctx, key, id).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		reg, err := decodeRegistration(raw)
		if err != nil {
			return err
		}
		if !reg.NextRunAt.Equal(expected) {
			return nil
		}

		reg.NextRunAt = next
		reg.LastRunAt = lastRun
		reg.UpdatedAt = s.now().UTC()
		updated, err := json.Marshal(reg)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, id, updated)
			return nil
		})
		if err == nil {
			advanced = true
		}
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, storeUnavailable("advance schedule", err)
	}
	return advanced, nil
}

// ClaimTick implements scheduler.Store with SET NX.
func (s *ScheduleStore) ClaimTick(ctx context.Context, id string, tick time.Time, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.tickLockKey(id, tick.Unix()), s.now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, storeUnavailable("claim tick", err)
	}
	return ok, nil
}

// ReleaseTick implements scheduler.Store.
func (s *ScheduleStore) ReleaseTick(ctx context.Context, id string, tick time.Time) error {
	if err := s.client.Del(ctx, s.tickLockKey(id, tick.Unix())).Err(); err != nil {
		return storeUnavailable("release tick", err)
	}
	return nil
}

func decodeRegistration(raw []byte) (scheduler.Registration, error) {
	var reg scheduler.Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return scheduler.Registration{}, fmt.Errorf("decode schedule: %w", err)
	}
	return reg, nil
}

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", scheduler.ErrUnavailable, op, err)
}
