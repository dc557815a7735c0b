package stats

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/jobflow/internal/jobs"
	"github.com/suPer8Hu/jobflow/internal/metrics"
	"github.com/suPer8Hu/jobflow/internal/queue"
)

type DatabaseStats struct {
	Total      int64 `json:"total"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Processing int64 `json:"processing"`
	Queued     int64 `json:"queued"`
}

type PerformanceStats struct {
	AvgProcessingTime float64       `json:"avgProcessingTime"`
	StatsByType       []jobs.Bucket `json:"statsByType"`
}

type Report struct {
	Queue       queue.Counts     `json:"queue"`
	Database    DatabaseStats    `json:"database"`
	Performance PerformanceStats `json:"performance"`
	Timestamp   time.Time        `json:"timestamp"`
}

type AnalyticsReport struct {
	Analytics []jobs.Bucket `json:"analytics"`
	Timestamp time.Time     `json:"timestamp"`
}

// Service reads aggregates only. The figures come from independent reads and
// may disagree slightly while jobs are moving.
type Service struct {
	repo  jobs.Repository
	queue queue.Queue
	now   func() time.Time
}

func NewService(repo jobs.Repository, q queue.Queue) *Service {
	return &Service{repo: repo, queue: q, now: time.Now}
}

func (s *Service) Stats(ctx context.Context) (*Report, error) {
	var (
		r   Report
		avg float64
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		r.Queue, err = queue.Snapshot(gctx, s.queue)
		return err
	})
	g.Go(func() (err error) {
		r.Database.Total, err = s.repo.Count(gctx, jobs.Filter{})
		return err
	})
	for st, dst := range map[jobs.Status]*int64{
		jobs.StatusCompleted:  &r.Database.Completed,
		jobs.StatusFailed:     &r.Database.Failed,
		jobs.StatusProcessing: &r.Database.Processing,
		jobs.StatusQueued:     &r.Database.Queued,
	} {
		g.Go(func() (err error) {
			*dst, err = s.repo.CountByStatus(gctx, st)
			return err
		})
	}
	g.Go(func() (err error) {
		avg, err = s.repo.AverageProcessingTime(gctx)
		return err
	})
	g.Go(func() (err error) {
		r.Performance.StatsByType, err = s.repo.AggregateByTypeAndStatus(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	r.Performance.AvgProcessingTime = round3(avg)
	if r.Performance.StatsByType == nil {
		r.Performance.StatsByType = []jobs.Bucket{}
	}
	r.Timestamp = s.now().UTC()
	return &r, nil
}

func (s *Service) Analytics(ctx context.Context) (*AnalyticsReport, error) {
	buckets, err := s.repo.AggregateByTypeAndStatus(ctx)
	if err != nil {
		return nil, err
	}
	if buckets == nil {
		buckets = []jobs.Bucket{}
	}
	return &AnalyticsReport{Analytics: buckets, Timestamp: s.now().UTC()}, nil
}

// Gauges feeds the metrics collector. Active is the queue's view of in-flight jobs.
func (s *Service) Gauges(ctx context.Context) (metrics.Gauges, error) {
	var gs metrics.Gauges
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		gs.Submitted, err = s.repo.Count(gctx, jobs.Filter{})
		return err
	})
	g.Go(func() (err error) {
		gs.Completed, err = s.repo.CountByStatus(gctx, jobs.StatusCompleted)
		return err
	})
	g.Go(func() (err error) {
		gs.Failed, err = s.repo.CountByStatus(gctx, jobs.StatusFailed)
		return err
	})
	g.Go(func() (err error) {
		gs.QueueLength, err = s.queue.CountWaiting(gctx)
		return err
	})
	g.Go(func() (err error) {
		gs.Active, err = s.queue.CountActive(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return metrics.Gauges{}, err
	}
	return gs, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
