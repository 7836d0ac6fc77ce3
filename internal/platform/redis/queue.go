package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/parcelhub/jobcore/internal/job"
	"github.com/parcelhub/jobcore/internal/queue"
)

// Queue is a queue.Client backed by Redis sorted sets.
type Queue struct {
	client goredis.UniversalClient
	settings
}

var _ queue.Client = (*Queue)(nil)

// NewQueue creates a Queue. The caller owns the client.
func NewQueue(client goredis.UniversalClient, opts ...Option) *Queue {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &Queue{client: client, settings: newSettings(opts)}
}

// Enqueue implements queue.Client.
func (q *Queue) Enqueue(ctx context.Context, env job.Envelope) (queue.Handle, error) {
	if err := env.Validate(); err != nil {
		return queue.Handle{}, err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return queue.Handle{}, fmt.Errorf("encode envelope: %w", err)
	}

	readyAt := q.now().Add(env.Options.Delay).UnixMilli()
	delayed := "0"
	if env.Options.Delay > 0 {
		delayed = "1"
	}
	dedupe := ""
	if env.Options.DedupeID != "" {
		dedupe = q.dedupeKey(env.Queue, env.Options.DedupeID)
	}

	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(env.ID), q.readyKey(env.Queue), q.delayedKey(env.Queue)},
		env.ID, raw, readyScore(env.Options.Priority, readyAt), readyAt, delayed, dedupe,
	).Slice()
	if err != nil {
		return queue.Handle{}, unavailable("enqueue", err)
	}
	if len(res) != 2 {
		return queue.Handle{}, fmt.Errorf("enqueue: unexpected script reply %v", res)
	}

	created, _ := res[0].(int64)
	jobID, _ := res[1].(string)
	return queue.Handle{JobID: jobID, Queue: env.Queue, Duplicate: created == 0}, nil
}

// Dequeue implements queue.Client.
func (q *Queue) Dequeue(ctx context.Context, name job.Queue, lease time.Duration) (*queue.Delivery, error) {
	for {
		d, err := q.claim(ctx, name, lease)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, name job.Queue, lease time.Duration) (*queue.Delivery, error) {
	now := q.now()
	leaseUntil := now.Add(lease)

	res, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey(name), q.delayedKey(name), q.activeKey(name)},
		now.UnixMilli(), leaseUntil.UnixMilli(), q.jobKeyPrefix(),
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("dequeue: unexpected script reply %v", res)
	}

	attempt, _ := res[1].(int64)
	raw, _ := res[2].(string)
	lastError, _ := res[3].(string)

	var env job.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode envelope %v: %w", res[0], err)
	}

	return &queue.Delivery{
		Envelope:   env,
		Attempt:    int(attempt),
		LeaseUntil: time.UnixMilli(leaseUntil.UnixMilli()),
		LastError:  lastError,
	}, nil
}

// Ack implements queue.Client.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.activeKey(d.Envelope.Queue), q.jobKey(d.Envelope.ID)},
		d.Envelope.ID, d.LeaseUntil.UnixMilli(),
	).Int()
	if err != nil {
		return unavailable("ack", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", queue.ErrLeaseLost, d.Envelope.ID)
	}
	return nil
}

// Retry implements queue.Client.
func (q *Queue) Retry(ctx context.Context, d *queue.Delivery, delay time.Duration, cause error) error {
	name := d.Envelope.Queue
	readyAt := q.now().Add(delay).UnixMilli()

	ok, err := retryScript.Run(ctx, q.client,
		[]string{q.activeKey(name), q.delayedKey(name), q.jobKey(d.Envelope.ID)},
		d.Envelope.ID, d.LeaseUntil.UnixMilli(), readyAt, queue.ErrorText(cause),
		readyScore(d.Envelope.Options.Priority, readyAt),
	).Int()
	if err != nil {
		return unavailable("retry", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", queue.ErrLeaseLost, d.Envelope.ID)
	}
	return nil
}

// Bury implements queue.Client.
func (q *Queue) Bury(ctx context.Context, d *queue.Delivery, cause error) error {
	name := d.Envelope.Queue
	ok, err := buryScript.Run(ctx, q.client,
		[]string{q.activeKey(name), q.deadKey(name), q.jobKey(d.Envelope.ID)},
		d.Envelope.ID, d.LeaseUntil.UnixMilli(), q.now().UnixMilli(), queue.ErrorText(cause),
	).Int()
	if err != nil {
		return unavailable("bury", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", queue.ErrLeaseLost, d.Envelope.ID)
	}
	return nil
}

// Extend implements queue.Client.
func (q *Queue) Extend(ctx context.Context, d *queue.Delivery, lease time.Duration) error {
	until := time.UnixMilli(q.now().Add(lease).UnixMilli())
	ok, err := extendScript.Run(ctx, q.client,
		[]string{q.activeKey(d.Envelope.Queue)},
		d.Envelope.ID, d.LeaseUntil.UnixMilli(), until.UnixMilli(),
	).Int()
	if err != nil {
		return unavailable("extend", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", queue.ErrLeaseLost, d.Envelope.ID)
	}
	d.LeaseUntil = until
	return nil
}

// DeadLetters implements queue.Client.
func (q *Queue) DeadLetters(ctx context.Context, name job.Queue, limit int) ([]queue.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := q.client.ZRange(ctx, q.deadKey(name), 0, stop).Result()
	if err != nil {
		return nil, unavailable("list dead letters", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, q.jobKey(id), deadLetterFields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("load dead letters", err)
	}

	out := make([]queue.DeadLetter, 0, len(ids))
	for i, cmd := range cmds {
		dl, found, err := decodeDeadLetter(ids[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		if !found {
			q.logger.Warn("dead letter without job hash", "queue", name, "job_id", ids[i])
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeadLetter implements queue.Client.
func (q *Queue) DeadLetter(ctx context.Context, name job.Queue, jobID string) (queue.DeadLetter, error) {
	pipe := q.client.Pipeline()
	score := pipe.ZScore(ctx, q.deadKey(name), jobID)
	fields := pipe.HMGet(ctx, q.jobKey(jobID), deadLetterFields...)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return queue.DeadLetter{}, unavailable("load dead letter", err)
	}
	if errors.Is(score.Err(), goredis.Nil) {
		return queue.DeadLetter{}, fmt.Errorf("%w: %s", queue.ErrNotFound, jobID)
	}

	dl, found, err := decodeDeadLetter(jobID, fields.Val())
	if err != nil {
		return queue.DeadLetter{}, err
	}
	if !found {
		return queue.DeadLetter{}, fmt.Errorf("%w: %s", queue.ErrNotFound, jobID)
	}
	return dl, nil
}

var deadLetterFields = []string{"envelope", "attempt", "last_error", "failed_at"}

func decodeDeadLetter(id string, vals []interface{}) (queue.DeadLetter, bool, error) {
	if len(vals) < len(deadLetterFields) {
		return queue.DeadLetter{}, false, nil
	}
	raw, _ := vals[0].(string)
	if raw == "" {
		return queue.DeadLetter{}, false, nil
	}
	var env job.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return queue.DeadLetter{}, false, fmt.Errorf("decode dead letter %s: %w", id, err)
	}
	return queue.DeadLetter{
		Envelope: env,
		Attempts: atoi(vals[1]),
		Error:    str(vals[2]),
		FailedAt: time.UnixMilli(atoi64(vals[3])).UTC(),
	}, true, nil
}

// Requeue implements queue.Client.
func (q *Queue) Requeue(ctx context.Context, name job.Queue, jobID string) error {
	raw, err := q.client.HGet(ctx, q.jobKey(jobID), "envelope").Result()
	if errors.Is(err, goredis.Nil) {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, jobID)
	}
	if err != nil {
		return unavailable("requeue", err)
	}
	var env job.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("decode envelope %s: %w", jobID, err)
	}

	ok, err := requeueScript.Run(ctx, q.client,
		[]string{q.deadKey(name), q.readyKey(name), q.jobKey(jobID)},
		jobID, readyScore(env.Options.Priority, q.now().UnixMilli()),
	).Int()
	if err != nil {
		return unavailable("requeue", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, jobID)
	}
	return nil
}

// PurgeDeadLetters implements queue.Client.
func (q *Queue) PurgeDeadLetters(ctx context.Context, name job.Queue, before time.Time) (int64, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.deadKey(name), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, unavailable("purge dead letters", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = q.jobKey(id)
	}

	pipe := q.client.TxPipeline()
	removed := pipe.ZRem(ctx, q.deadKey(name), members...)
	pipe.Del(ctx, keys...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("purge dead letters", err)
	}
	return removed.Val(), nil
}

// Stats implements queue.Client.
func (q *Queue) Stats(ctx context.Context, name job.Queue) (queue.Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.readyKey(name))
	delayed := pipe.ZCard(ctx, q.delayedKey(name))
	active := pipe.ZCard(ctx, q.activeKey(name))
	dead := pipe.ZCard(ctx, q.deadKey(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, unavailable("stats", err)
	}
	return queue.Stats{
		Queue:   name,
		Ready:   ready.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Dead:    dead.Val(),
	}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", queue.ErrUnavailable, op, err)
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func atoi(v interface{}) int {
	n, _ := strconv.Atoi(str(v))
	return n
}

func atoi64(v interface{}) int64 {
	n, _ := strconv.ParseInt(str(v), 10, 64)
	return n
}
