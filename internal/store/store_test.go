package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/jobflow/internal/config"
	"github.com/suPer8Hu/jobflow/internal/queue"
)

func redisConfig(addr string) config.Config {
	return config.Config{
		QueueDriver:       "redis",
		QueueName:         "jobs",
		RedisAddr:         addr,
		QueueMaxAttempts:  1,
		QueueBackoff:      time.Second,
		QueueLockDuration: 30 * time.Second,
		QueueRetention:    time.Hour,
	}
}

func TestOpenQueue_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	q, err := OpenQueue(ctx, redisConfig(mr.Addr()), nil)
	require.NoError(t, err)
	require.NotNil(t, q.Maintain)

	added, err := q.Enqueue(ctx, queue.Entry{JobID: "a", Type: "prime", EnqueuedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, added)

	n, err := q.CountWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, mr.Exists("jobflow:jobs:entry:a"))

	require.NoError(t, q.Close())
	_, err = q.Enqueue(ctx, queue.Entry{JobID: "b", Type: "prime"})
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestOpenQueue_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := OpenQueue(context.Background(), redisConfig(addr), nil)
	assert.ErrorContains(t, err, "redis ping")
}

func TestOpenQueue_UnknownDriver(t *testing.T) {
	cfg := redisConfig("")
	cfg.QueueDriver = "kafka"
	_, err := OpenQueue(context.Background(), cfg, nil)
	assert.EqualError(t, err, `unsupported QUEUE_DRIVER="kafka"`)
}
