package worker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/jobflow/internal/jobs"
	"github.com/suPer8Hu/jobflow/internal/metrics"
	"github.com/suPer8Hu/jobflow/internal/queue"
	"github.com/suPer8Hu/jobflow/internal/queue/memqueue"
)

type harness struct {
	repo *jobs.MemRepo
	q    *memqueue.Queue
	svc  *jobs.Service
	pool *Pool

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, reg *Registry, opts Options) *harness {
	t.Helper()
	repo := jobs.NewMemRepo()
	q := memqueue.New(memqueue.Options{PollInterval: 5 * time.Millisecond})
	if opts.RateLimit == 0 {
		opts.RateLimit = 1000
	}
	return &harness{
		repo: repo,
		q:    q,
		svc:  jobs.NewService(repo, q, nil),
		pool: NewPool(repo, q, reg, opts),
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.pool.Run(ctx) }()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) submit(t *testing.T, typ string) string {
	t.Helper()
	j, err := h.svc.Submit(context.Background(), typ)
	require.NoError(t, err)
	return j.JobID
}

func (h *harness) waitStatus(t *testing.T, id string, want jobs.Status) *jobs.Job {
	t.Helper()
	var last *jobs.Job
	require.Eventually(t, func() bool {
		j, err := h.repo.FindByID(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func TestPool_CompletesSortJob(t *testing.T) {
	reg := NewRegistry()
	reg.Register(jobs.TypeSort, SortBody(1000))
	m := metrics.New()
	h := newHarness(t, reg, Options{Concurrency: 2, Metrics: m})
	h.start(t)

	id := h.submit(t, "sort")
	j := h.waitStatus(t, id, jobs.StatusCompleted)

	require.NotNil(t, j.CompletedAt)
	require.NotNil(t, j.ProcessingTime)
	assert.GreaterOrEqual(t, *j.ProcessingTime, 0.0)
	assert.Nil(t, j.Error)

	res, err := j.DecodeResult()
	require.NoError(t, err)
	sr := res.(jobs.SortResult)
	assert.Equal(t, 1000, sr.Count)
	require.Len(t, sr.Sample, 10)
	assert.IsNonDecreasing(t, sr.Sample)

	require.Eventually(t, func() bool {
		c, _ := queue.Snapshot(context.Background(), h.q)
		return c == queue.Counts{}
	}, time.Second, 5*time.Millisecond)
	n, err := testutil.GatherAndCount(m.Registry, "job_processing_time_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPool_BodyErrorIsWrittenToRecordAndQueue(t *testing.T) {
	reg := NewRegistry()
	reg.Register(jobs.TypePrime, func(ctx context.Context) (jobs.Result, error) {
		return nil, errors.New("sieve exploded")
	})
	h := newHarness(t, reg, Options{})
	h.start(t)

	id := h.submit(t, "prime")
	j := h.waitStatus(t, id, jobs.StatusFailed)

	require.NotNil(t, j.Error)
	assert.Equal(t, "sieve exploded", *j.Error)
	assert.Empty(t, j.Result)
	assert.NotNil(t, j.CompletedAt)

	require.Eventually(t, func() bool {
		reason, ok := h.q.FailedReason(id)
		return ok && reason == "sieve exploded"
	}, time.Second, 5*time.Millisecond)
}

func TestPool_PanicBecomesFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register(jobs.TypeBcrypt, func(ctx context.Context) (jobs.Result, error) {
		panic("bad cost")
	})
	h := newHarness(t, reg, Options{})
	h.start(t)

	id := h.submit(t, "bcrypt")
	j := h.waitStatus(t, id, jobs.StatusFailed)
	require.NotNil(t, j.Error)
	assert.Equal(t, "panic: bad cost", *j.Error)
	assert.True(t, h.pool.Running())
}

func TestPool_UnregisteredTypeFails(t *testing.T) {
	h := newHarness(t, NewRegistry(), Options{})
	h.start(t)

	id := h.submit(t, "sort")
	j := h.waitStatus(t, id, jobs.StatusFailed)
	assert.Contains(t, *j.Error, "unknown job type")
}

func TestPool_RespectsConcurrencyCeiling(t *testing.T) {
	const limit = 3
	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	reg := NewRegistry()
	reg.Register(jobs.TypeSort, func(ctx context.Context) (jobs.Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		current.Add(-1)
		return jobs.SortResult{}, nil
	})
	h := newHarness(t, reg, Options{Concurrency: limit})

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = h.submit(t, "sort")
	}
	h.start(t)

	for _, id := range ids {
		h.waitStatus(t, id, jobs.StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestPool_RateLimitCapsPickupsPerWindow(t *testing.T) {
	const (
		limit  = 5
		window = 500 * time.Millisecond
		// scheduling slack between the limiter releasing a pickup and the body starting
		slack = 30 * time.Millisecond
	)
	var (
		mu     sync.Mutex
		starts []time.Time
	)
	reg := NewRegistry()
	reg.Register(jobs.TypeSort, func(ctx context.Context) (jobs.Result, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return jobs.SortResult{}, nil
	})
	h := newHarness(t, reg, Options{Concurrency: 20, RateLimit: limit, RateWindow: window})

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = h.submit(t, "sort")
	}
	h.start(t)
	for _, id := range ids {
		h.waitStatus(t, id, jobs.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, len(ids))
	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })

	inFirstWindow := 0
	for _, ts := range starts {
		if ts.Sub(starts[0]) < window-slack {
			inFirstWindow++
		}
	}
	assert.LessOrEqual(t, inFirstWindow, limit)

	// any limit+1 consecutive pickups span at least one window
	for i := 0; i+limit < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i+limit].Sub(starts[i]), window-slack, "pickups %d..%d", i, i+limit)
	}
}

func TestPool_NilResultIsFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register(jobs.TypePrime, func(ctx context.Context) (jobs.Result, error) {
		return nil, nil
	})
	m := metrics.New()
	h := newHarness(t, reg, Options{Metrics: m})
	h.start(t)

	id := h.submit(t, "prime")
	j := h.waitStatus(t, id, jobs.StatusFailed)
	require.NotNil(t, j.Error)
	assert.Equal(t, "prime body returned no result", *j.Error)
	assert.Empty(t, j.Result)
	assert.NotNil(t, j.CompletedAt)

	require.Eventually(t, func() bool {
		_, ok := h.q.FailedReason(id)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestPool_SkipsRedeliveredTerminalJob(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.Register(jobs.TypePrime, func(ctx context.Context) (jobs.Result, error) {
		calls.Add(1)
		return jobs.PrimeResult{}, nil
	})
	h := newHarness(t, reg, Options{})
	ctx := context.Background()

	_, err := h.repo.Create(ctx, jobs.NewJob{ID: "done", Type: jobs.TypePrime})
	require.NoError(t, err)
	_, err = h.repo.UpdateWithResult(ctx, "done", jobs.PrimeResult{Count: 7}, 1.5, "")
	require.NoError(t, err)
	_, err = h.q.Enqueue(ctx, queue.Entry{JobID: "done", Type: "prime"})
	require.NoError(t, err)

	h.start(t)
	require.Eventually(t, func() bool {
		c, _ := queue.Snapshot(ctx, h.q)
		return c == queue.Counts{}
	}, time.Second, 5*time.Millisecond)

	assert.Zero(t, calls.Load())
	j, err := h.repo.FindByID(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, j.Status)
	assert.InDelta(t, 1.5, *j.ProcessingTime, 1e-9)
}

func TestPool_MissingRecordFailsDelivery(t *testing.T) {
	h := newHarness(t, DefaultRegistry(BodyConfig{}), Options{})
	_, err := h.q.Enqueue(context.Background(), queue.Entry{JobID: "ghost", Type: "sort"})
	require.NoError(t, err)

	h.start(t)
	require.Eventually(t, func() bool {
		_, ok := h.q.FailedReason("ghost")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestPool_ShutdownWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	reg := NewRegistry()
	reg.Register(jobs.TypeSort, func(ctx context.Context) (jobs.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return jobs.SortResult{Count: 1, Sample: []int{1}}, nil
	})
	h := newHarness(t, reg, Options{})
	id := h.submit(t, "sort")
	h.start(t)

	<-started
	assert.Equal(t, int64(1), h.pool.Active())

	h.cancel()
	select {
	case <-h.done:
		t.Fatal("Run returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the job finished")
	}
	h.cancel = nil

	j, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, j.Status)
	assert.False(t, h.pool.Running())
	assert.Zero(t, h.pool.Active())
}

func TestErrorName(t *testing.T) {
	assert.Equal(t, "PanicError", errorName(&PanicError{Value: 1}))
	assert.Equal(t, "UnknownJobTypeError", errorName(ErrUnknownType))
	assert.Equal(t, "JobNotFoundError", errorName(jobs.ErrJobNotFound))
	assert.Equal(t, "Error", errorName(errors.New("x")))
}
