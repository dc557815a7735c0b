package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/suPer8Hu/jobflow/internal/jobs"
	"github.com/suPer8Hu/jobflow/internal/logger"
	"github.com/suPer8Hu/jobflow/internal/metrics"
	"github.com/suPer8Hu/jobflow/internal/queue"
)

const maxConcurrency = 50

type Options struct {
	Concurrency int
	// At most RateLimit jobs start in any RateWindow; pickups are spaced RateWindow/RateLimit apart.
	RateLimit  int
	RateWindow time.Duration

	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// PanicError is a recovered panic from a job body.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

type Pool struct {
	repo jobs.Repository
	q    queue.Queue
	reg  *Registry

	concurrency int
	sem         *semaphore.Weighted
	interval    time.Duration
	limiter     *rate.Limiter

	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	active  atomic.Int64
	running atomic.Bool
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewPool(repo jobs.Repository, q queue.Queue, reg *Registry, opts Options) *Pool {
	n := opts.Concurrency
	if n <= 0 {
		n = 5
	}
	if n > maxConcurrency {
		n = maxConcurrency
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = 10
	}
	window := opts.RateWindow
	if window <= 0 {
		window = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("worker")
	}

	return &Pool{
		repo:        repo,
		q:           q,
		reg:         reg,
		concurrency: n,
		sem:         semaphore.NewWeighted(int64(n)),
		interval:    window / time.Duration(limit),
		limiter:     rate.NewLimiter(rate.Every(window/time.Duration(limit)), 1),
		log:         opts.Logger.With("component", "worker"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		now:         time.Now,
	}
}

// Active reports jobs currently executing.
func (p *Pool) Active() int64 { return p.active.Load() }

// Running reports whether Run is consuming.
func (p *Pool) Running() bool { return p.running.Load() }

// Run consumes until ctx ends, then waits for in-flight jobs. A dequeued job always runs
// to completion; shutdown only stops new pickups.
func (p *Pool) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)
	defer p.wg.Wait()

	p.log.Info("worker started", "concurrency", p.concurrency, "pickupInterval", p.interval)

	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.log.Info("worker shutting down")
			return nil
		}
		if err := p.limiter.Wait(ctx); err != nil {
			p.sem.Release(1)
			p.log.Info("worker shutting down")
			return nil
		}

		d, err := p.q.Dequeue(ctx)
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				p.log.Info("worker shutting down")
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			p.log.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		p.wg.Add(1)
		p.setActive(p.active.Add(1))
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer func() { p.setActive(p.active.Add(-1)) }()
			p.handle(context.WithoutCancel(ctx), d)
		}()
	}
}

func (p *Pool) setActive(n int64) {
	if p.metrics != nil {
		p.metrics.SetActiveJobs(n)
	}
}

func (p *Pool) handle(ctx context.Context, d queue.Delivery) {
	e := d.Entry()
	log := p.log.With("jobId", e.JobID, "type", e.Type)

	ctx, span := p.tracer.Start(ctx, "job.process", trace.WithAttributes(
		attribute.String("job.id", e.JobID),
		attribute.String("job.type", e.Type),
	))
	defer span.End()

	j, err := p.repo.FindByID(ctx, e.JobID)
	if err != nil {
		log.Error("job record unavailable", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "record unavailable")
		p.fail(ctx, log, d, err)
		return
	}
	if j.Status.Terminal() {
		// redelivery after the terminal write already landed
		log.Info("skipping finished job", "status", j.Status)
		p.ack(ctx, log, d)
		return
	}

	if _, err := p.repo.MarkProcessing(ctx, j.JobID); err != nil {
		log.Warn("mark processing failed", "error", err)
	}

	start := p.now()
	res, runErr := p.run(ctx, j.Type)
	elapsed := p.now().Sub(start).Seconds()

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		p.observeFailure(j.Type, runErr)
		if _, err := p.repo.UpdateWithResult(ctx, j.JobID, nil, elapsed, runErr.Error()); err != nil {
			log.Error("record failure failed", "error", err)
		}
		log.Warn("job failed", "cost", elapsed, "error", runErr)
		p.fail(ctx, log, d, runErr)
		return
	}

	if _, err := p.repo.UpdateWithResult(ctx, j.JobID, res, elapsed, ""); err != nil {
		// the record is still non-terminal, so a redelivery runs the job again
		log.Error("record result failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "record result failed")
		p.observeFailure(j.Type, err)
		p.fail(ctx, log, d, err)
		return
	}

	if p.metrics != nil {
		p.metrics.ObserveSuccess(string(j.Type), elapsed)
	}
	log.Info("job completed", "cost", elapsed)
	p.ack(ctx, log, d)
}

func (p *Pool) run(ctx context.Context, t jobs.Type) (res jobs.Result, err error) {
	body, err := p.reg.Get(t)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &PanicError{Value: r}
		}
	}()
	res, err = body(ctx)
	if err == nil && res == nil {
		err = fmt.Errorf("%s body returned no result", t)
	}
	return res, err
}

func (p *Pool) ack(ctx context.Context, log *logger.Logger, d queue.Delivery) {
	if err := d.Ack(ctx); err != nil {
		log.Error("ack failed", "error", err)
	}
}

func (p *Pool) fail(ctx context.Context, log *logger.Logger, d queue.Delivery, cause error) {
	if err := d.Fail(ctx, cause); err != nil {
		log.Error("queue fail failed", "error", err)
	}
}

func (p *Pool) observeFailure(t jobs.Type, err error) {
	if p.metrics != nil {
		p.metrics.ObserveFailure(string(t), errorName(err))
	}
}

// errorName is the error label on job_errors_total.
func errorName(err error) string {
	var pe *PanicError
	switch {
	case errors.As(err, &pe):
		return "PanicError"
	case errors.Is(err, ErrUnknownType):
		return "UnknownJobTypeError"
	case errors.Is(err, jobs.ErrJobNotFound):
		return "JobNotFoundError"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	default:
		return "Error"
	}
}
