package queue

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("queue closed")

// Entry is the queued reference to a job record. The job id is the dedup key.
type Entry struct {
	JobID      string    `json:"jobId"`
	Type       string    `json:"type"`
	EnqueuedAt time.Time `json:"timeStamp"`
}

// Delivery is one dequeued entry held by a consumer until Ack or Fail.
// An entry that is neither acked nor failed is delivered again.
type Delivery interface {
	Entry() Entry
	Ack(ctx context.Context) error
	// Fail records cause in the queue's failure ledger and schedules a retry when attempts remain.
	Fail(ctx context.Context, cause error) error
}

type Queue interface {
	// Enqueue reports false when the driver knows an entry with the same job id already exists.
	// Drivers that cannot look entries up by id (rabbitmq) always report true; a duplicate is
	// then delivered again and acked unrun by the worker once the record is terminal.
	Enqueue(ctx context.Context, e Entry) (bool, error)
	// Dequeue blocks until an entry is available or ctx ends.
	Dequeue(ctx context.Context) (Delivery, error)

	CountWaiting(ctx context.Context) (int64, error)
	CountActive(ctx context.Context) (int64, error)
	CountDelayed(ctx context.Context) (int64, error)
	CountFailed(ctx context.Context) (int64, error)

	Close() error
}

type Counts struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Snapshot reads the four gauges one after another; the result is not atomic.
func Snapshot(ctx context.Context, q Queue) (Counts, error) {
	var (
		c   Counts
		err error
	)
	if c.Waiting, err = q.CountWaiting(ctx); err != nil {
		return Counts{}, err
	}
	if c.Active, err = q.CountActive(ctx); err != nil {
		return Counts{}, err
	}
	if c.Delayed, err = q.CountDelayed(ctx); err != nil {
		return Counts{}, err
	}
	if c.Failed, err = q.CountFailed(ctx); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// Backoff returns the exponential delay before retry number attempt (1-based).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	return min(d, time.Hour)
}
