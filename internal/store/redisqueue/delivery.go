package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/jobflow/internal/queue"
)

type delivery struct {
	q     *Queue
	entry queue.Entry

	stopOnce sync.Once
	stop     context.CancelFunc
	done     chan struct{}
}

func (q *Queue) newDelivery(e queue.Entry) *delivery {
	hbCtx, cancel := context.WithCancel(context.Background())
	d := &delivery{q: q, entry: e, stop: cancel, done: make(chan struct{})}
	go d.heartbeat(hbCtx)
	return d
}

// heartbeat extends the lease until the delivery is settled.
func (d *delivery) heartbeat(ctx context.Context) {
	defer close(d.done)
	t := time.NewTicker(d.q.opts.LockDuration / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.q.rdb.PExpire(ctx, d.q.lockKey(d.entry.JobID), d.q.opts.LockDuration).Err(); err != nil && ctx.Err() == nil {
				d.q.log.Warn("lease extend failed", "jobId", d.entry.JobID, "error", err)
			}
		}
	}
}

func (d *delivery) settle() {
	d.stopOnce.Do(func() {
		d.stop()
		<-d.done
	})
}

func (d *delivery) Entry() queue.Entry { return d.entry }

func (d *delivery) Ack(ctx context.Context) error {
	d.settle()
	q := d.q
	id := d.entry.JobID

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, id)
	pipe.Del(ctx, q.lockKey(id))
	pipe.HSet(ctx, q.entryKey(id), "finishedOn", q.now().UnixMilli())
	pipe.Expire(ctx, q.entryKey(id), q.opts.Retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (d *delivery) Fail(ctx context.Context, cause error) error {
	d.settle()
	q := d.q
	id := d.entry.JobID
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	attempts, err := q.rdb.HIncrBy(ctx, q.entryKey(id), "attempts", 1).Result()
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}

	now := q.now()
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, id)
	pipe.Del(ctx, q.lockKey(id))
	pipe.HSet(ctx, q.entryKey(id), "failedReason", cause.Error())
	if int(attempts) < q.opts.MaxAttempts {
		due := now.Add(queue.Backoff(q.opts.Backoff, int(attempts)))
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due.UnixMilli()), Member: id})
	} else {
		pipe.HSet(ctx, q.entryKey(id), "finishedOn", now.UnixMilli())
		pipe.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(now.UnixMilli()), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	return nil
}
