// Package store opens the queue driver selected by QUEUE_DRIVER.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/suPer8Hu/jobflow/internal/config"
	"github.com/suPer8Hu/jobflow/internal/logger"
	"github.com/suPer8Hu/jobflow/internal/queue"
	"github.com/suPer8Hu/jobflow/internal/store/rabbitmq"
	"github.com/suPer8Hu/jobflow/internal/store/redisqueue"
)

// Queue is an opened driver. Maintain is nil when the broker needs no housekeeping.
type Queue struct {
	queue.Queue
	Maintain func(ctx context.Context)

	closers []func() error
}

// Close closes the queue first, then the client it was built on.
func (q *Queue) Close() error {
	var errs []error
	for _, c := range q.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenQueue connects to the configured broker. Enqueue goes through a circuit breaker.
func OpenQueue(ctx context.Context, cfg config.Config, log *logger.Logger) (*Queue, error) {
	if log == nil {
		log = logger.NewNop()
	}
	switch cfg.QueueDriver {
	case "", "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}

		rq := redisqueue.New(rdb, redisqueue.Options{
			Prefix:       "jobflow:" + cfg.QueueName,
			MaxAttempts:  cfg.QueueMaxAttempts,
			Backoff:      cfg.QueueBackoff,
			LockDuration: cfg.QueueLockDuration,
			Retention:    cfg.QueueRetention,
			Logger:       log,
		})
		log.Info("queue opened", "driver", "redis", "addr", cfg.RedisAddr, "queue", cfg.QueueName)
		return &Queue{
			Queue: withBreaker(rq, log),
			Maintain: func(ctx context.Context) {
				rq.Maintain(ctx, time.Second)
			},
			closers: []func() error{rq.Close, rdb.Close},
		}, nil

	case "rabbitmq":
		rq, err := rabbitmq.Dial(rabbitmq.Options{
			URL:         cfg.RabbitURL,
			Queue:       cfg.QueueName,
			Prefetch:    cfg.WorkerConcurrency,
			MaxAttempts: cfg.QueueMaxAttempts,
			Backoff:     cfg.QueueBackoff,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		log.Info("queue opened", "driver", "rabbitmq", "queue", cfg.QueueName)
		return &Queue{
			Queue:   withBreaker(rq, log),
			closers: []func() error{rq.Close},
		}, nil
	}
	return nil, fmt.Errorf("unsupported QUEUE_DRIVER=%q", cfg.QueueDriver)
}

func withBreaker(q queue.Queue, log *logger.Logger) queue.Queue {
	return queue.WithCircuitBreaker(q, gobreaker.Settings{
		Timeout: 10 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
}
