package redisqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", "0", ARGV[2])
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("LPUSH", KEYS[2], id)
end
return #ids
`)

// PromoteDelayed moves retries whose backoff has elapsed back to the wait list.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("wait")},
		strconv.FormatInt(q.now().UnixMilli(), 10), 500,
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

var requeueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
  return 0
end
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)

// RecoverStalled hands back active entries whose lease has been missing on two
// consecutive passes, so a consumer that died mid-job does not lose the entry.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	unlocked := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := q.rdb.Exists(ctx, q.lockKey(id)).Result()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			unlocked = append(unlocked, id)
		}
	}

	q.mu.Lock()
	prev := q.missing
	q.missing = make(map[string]int, len(unlocked))
	stalled := make([]string, 0, len(unlocked))
	for _, id := range unlocked {
		q.missing[id] = prev[id] + 1
		if q.missing[id] >= 2 {
			stalled = append(stalled, id)
			delete(q.missing, id)
		}
	}
	q.mu.Unlock()

	recovered := 0
	for _, id := range stalled {
		n, err := requeueScript.Run(ctx, q.rdb,
			[]string{q.key("active"), q.key("wait"), q.lockKey(id)},
			id,
		).Int()
		if err != nil {
			return recovered, err
		}
		if n == 1 {
			q.log.Warn("requeued stalled job", "jobId", id)
			recovered++
		}
	}
	return recovered, nil
}

// Maintain runs PromoteDelayed and RecoverStalled every interval until ctx ends.
func (q *Queue) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := q.PromoteDelayed(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn("promote delayed failed", "error", err)
			}
			if _, err := q.RecoverStalled(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn("stall recovery failed", "error", err)
			}
		}
	}
}
