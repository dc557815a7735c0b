// Package redisqueue is a durable queue.Queue on Redis.
//
// Layout under Prefix:
//
//	wait        list, LPUSH on enqueue, consumers pop from the right
//	active      list of ids held by a consumer
//	delayed     zset of ids waiting for a retry, scored by due time (ms)
//	failed      zset of ids that exhausted their attempts, scored by failure time (ms)
//	entry:<id>  hash with data, attempts, failedReason, finishedOn
//	lock:<id>   lease kept alive by the consumer while the job runs
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/jobflow/internal/common"
	"github.com/suPer8Hu/jobflow/internal/logger"
	"github.com/suPer8Hu/jobflow/internal/queue"
)

type Options struct {
	Prefix       string
	MaxAttempts  int
	Backoff      time.Duration
	LockDuration time.Duration
	// Retention keeps finished entries around so a re-enqueue of the same id stays a no-op.
	Retention    time.Duration
	BlockTimeout time.Duration
	Logger       *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "jobflow:jobs"
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = time.Second
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	return o
}

type Queue struct {
	rdb  redis.UniversalClient
	opts Options
	log  *logger.Logger

	closed atomic.Bool

	mu      sync.Mutex
	missing map[string]int
	now     func() time.Time
}

func New(rdb redis.UniversalClient, opts Options) *Queue {
	opts = opts.withDefaults()
	return &Queue{
		rdb:     rdb,
		opts:    opts,
		log:     opts.Logger.With("component", "redisqueue", "prefix", opts.Prefix),
		missing: make(map[string]int),
		now:     time.Now,
	}
}

func (q *Queue) key(parts ...string) string {
	k := q.opts.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) entryKey(id string) string { return q.key("entry", id) }
func (q *Queue) lockKey(id string) string  { return q.key("lock", id) }

var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "data", ARGV[1], "attempts", "0")
redis.call("LPUSH", KEYS[2], ARGV[2])
return 1
`)

func (q *Queue) Enqueue(ctx context.Context, e queue.Entry) (bool, error) {
	if q.closed.Load() {
		return false, queue.ErrClosed
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return false, err
	}
	n, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.entryKey(e.JobID), q.key("wait")},
		string(data), e.JobID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", e.JobID, err)
	}
	return n == 1, nil
}

func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.closed.Load() {
			return nil, queue.ErrClosed
		}

		id, err := q.rdb.BRPopLPush(ctx, q.key("wait"), q.key("active"), q.opts.BlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		token, err := common.NewULID()
		if err != nil {
			return nil, err
		}
		if err := q.rdb.Set(ctx, q.lockKey(id), token, q.opts.LockDuration).Err(); err != nil {
			// still in active without a lease; stall recovery will hand it out again
			return nil, fmt.Errorf("lock %s: %w", id, err)
		}

		raw, err := q.rdb.HGet(ctx, q.entryKey(id), "data").Result()
		if errors.Is(err, redis.Nil) {
			q.log.Warn("dropping id without entry data", "jobId", id)
			q.release(ctx, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load entry %s: %w", id, err)
		}

		var e queue.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil || e.JobID == "" {
			q.log.Warn("dropping malformed entry", "jobId", id, "error", err)
			q.release(ctx, id)
			continue
		}

		return q.newDelivery(e), nil
	}
}

func (q *Queue) release(ctx context.Context, id string) {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, id)
	pipe.Del(ctx, q.lockKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warn("release failed", "jobId", id, "error", err)
	}
}

func (q *Queue) CountWaiting(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key("wait")).Result()
}

func (q *Queue) CountActive(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key("active")).Result()
}

func (q *Queue) CountDelayed(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key("delayed")).Result()
}

func (q *Queue) CountFailed(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key("failed")).Result()
}

// FailedReason returns the last recorded failure of a job and how many attempts it used.
func (q *Queue) FailedReason(ctx context.Context, jobID string) (string, int, error) {
	vals, err := q.rdb.HMGet(ctx, q.entryKey(jobID), "failedReason", "attempts").Result()
	if err != nil {
		return "", 0, err
	}
	reason, _ := vals[0].(string)
	attempts := 0
	if s, ok := vals[1].(string); ok {
		attempts, _ = strconv.Atoi(s)
	}
	return reason, attempts, nil
}

// Close stops Dequeue. The client belongs to the caller and stays open.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
