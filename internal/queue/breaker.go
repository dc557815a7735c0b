package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

type breakerQueue struct {
	Queue
	cb *gobreaker.CircuitBreaker
}

// WithCircuitBreaker fails Enqueue fast while the broker keeps erroring.
// Dequeue and the gauges pass straight through.
func WithCircuitBreaker(q Queue, st gobreaker.Settings) Queue {
	if st.Name == "" {
		st.Name = "queue-enqueue"
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		}
	}
	return &breakerQueue{Queue: q, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *breakerQueue) Enqueue(ctx context.Context, e Entry) (bool, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.Queue.Enqueue(ctx, e)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return false, fmt.Errorf("enqueue %s: %w", e.JobID, err)
		}
		return false, err
	}
	return out.(bool), nil
}
