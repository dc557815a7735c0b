// Package memqueue is an in-process queue.Queue with the same delivery semantics as the
// broker-backed drivers. It does not survive a restart.
package memqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/suPer8Hu/jobflow/internal/queue"
)

type Options struct {
	MaxAttempts  int
	Backoff      time.Duration
	PollInterval time.Duration
}

type delayed struct {
	entry queue.Entry
	due   time.Time
}

type Queue struct {
	opts Options

	mu       sync.Mutex
	wait     []queue.Entry
	active   map[string]queue.Entry
	delayed  map[string]delayed
	failed   map[string]string
	attempts map[string]int
	known    map[string]struct{}
	closed   bool

	notify chan struct{}
	done   chan struct{}
	now    func() time.Time
}

func New(opts Options) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return &Queue{
		opts:     opts,
		active:   make(map[string]queue.Entry),
		delayed:  make(map[string]delayed),
		failed:   make(map[string]string),
		attempts: make(map[string]int),
		known:    make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

func (q *Queue) Enqueue(ctx context.Context, e queue.Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, queue.ErrClosed
	}
	if _, ok := q.known[e.JobID]; ok {
		return false, nil
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now()
	}
	q.known[e.JobID] = struct{}{}
	q.wait = append(q.wait, e)
	q.signal()
	return true, nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ErrClosed
		}
		q.promoteLocked()
		if len(q.wait) > 0 {
			e := q.wait[0]
			q.wait = q.wait[1:]
			q.active[e.JobID] = e
			q.mu.Unlock()
			return &delivery{q: q, entry: e}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, queue.ErrClosed
		case <-q.notify:
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *Queue) promoteLocked() {
	now := q.now()
	for id, d := range q.delayed {
		if !d.due.After(now) {
			delete(q.delayed, id)
			q.wait = append(q.wait, d.entry)
		}
	}
}

// RecoverActive puts every unacknowledged delivery back on the wait list,
// as a broker does when a consumer dies mid-job.
func (q *Queue) RecoverActive() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, e := range q.active {
		delete(q.active, id)
		q.wait = append(q.wait, e)
		n++
	}
	if n > 0 {
		q.signal()
	}
	return n
}

// FailedReason returns the recorded failure for a job that exhausted its attempts.
func (q *Queue) FailedReason(jobID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.failed[jobID]
	return r, ok
}

func (q *Queue) count(f func() int) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(f()), nil
}

func (q *Queue) CountWaiting(ctx context.Context) (int64, error) {
	return q.count(func() int { return len(q.wait) })
}

func (q *Queue) CountActive(ctx context.Context) (int64, error) {
	return q.count(func() int { return len(q.active) })
}

func (q *Queue) CountDelayed(ctx context.Context) (int64, error) {
	return q.count(func() int { return len(q.delayed) })
}

func (q *Queue) CountFailed(ctx context.Context) (int64, error) {
	return q.count(func() int { return len(q.failed) })
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

type delivery struct {
	q     *Queue
	entry queue.Entry
}

func (d *delivery) Entry() queue.Entry { return d.entry }

func (d *delivery) Ack(ctx context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	delete(d.q.active, d.entry.JobID)
	return nil
}

func (d *delivery) Fail(ctx context.Context, cause error) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	q := d.q
	q.mu.Lock()
	defer q.mu.Unlock()

	id := d.entry.JobID
	if _, ok := q.active[id]; !ok {
		return nil
	}
	delete(q.active, id)

	q.attempts[id]++
	n := q.attempts[id]
	if n < q.opts.MaxAttempts {
		q.delayed[id] = delayed{entry: d.entry, due: q.now().Add(queue.Backoff(q.opts.Backoff, n))}
		return nil
	}
	q.failed[id] = cause.Error()
	return nil
}
