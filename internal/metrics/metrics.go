package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/jobflow/internal/logger"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

type Metrics struct {
	Registry *prometheus.Registry

	jobsProcessed  *prometheus.CounterVec
	processingTime *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec

	totalSubmitted prometheus.Gauge
	totalCompleted prometheus.Gauge
	totalFailed    prometheus.Gauge
	queueLength    prometheus.Gauge
	activeJobs     prometheus.Gauge
}

// New registers every job metric on a private registry, plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total number of jobs processed",
		}, []string{"type", "status"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_processing_time_seconds",
			Help:    "Time taken to process jobs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"type"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_errors_total",
			Help: "Total number of job processing errors",
		}, []string{"type", "error"}),
		totalSubmitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "total_jobs_submitted",
			Help: "Total number of jobs submitted",
		}),
		totalCompleted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "total_jobs_completed",
			Help: "Total number of jobs completed",
		}),
		totalFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "total_jobs_failed",
			Help: "Total number of jobs failed",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_length",
			Help: "Number of jobs waiting in the queue",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_jobs",
			Help: "Number of jobs currently being processed",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsProcessed, m.processingTime, m.jobErrors,
		m.totalSubmitted, m.totalCompleted, m.totalFailed, m.queueLength, m.activeJobs,
	)
	return m
}

func (m *Metrics) ObserveSuccess(jobType string, seconds float64) {
	m.jobsProcessed.WithLabelValues(jobType, StatusSuccess).Inc()
	m.processingTime.WithLabelValues(jobType).Observe(seconds)
}

func (m *Metrics) ObserveFailure(jobType, errName string) {
	if errName == "" {
		errName = "UnknownError"
	}
	m.jobsProcessed.WithLabelValues(jobType, StatusFailed).Inc()
	m.jobErrors.WithLabelValues(jobType, errName).Inc()
}

func (m *Metrics) SetActiveJobs(n int64) { m.activeJobs.Set(float64(n)) }

type Gauges struct {
	Submitted   int64
	Completed   int64
	Failed      int64
	QueueLength int64
	Active      int64
}

// GaugeSource reads the current totals behind the gauges.
type GaugeSource func(ctx context.Context) (Gauges, error)

func (m *Metrics) SetGauges(g Gauges) {
	m.totalSubmitted.Set(float64(g.Submitted))
	m.totalCompleted.Set(float64(g.Completed))
	m.totalFailed.Set(float64(g.Failed))
	m.queueLength.Set(float64(g.QueueLength))
	m.activeJobs.Set(float64(g.Active))
}

// Collector refreshes the gauges from src on a ticker and right before each scrape.
type Collector struct {
	m   *Metrics
	src GaugeSource
	log *logger.Logger
}

func NewCollector(m *Metrics, src GaugeSource, log *logger.Logger) *Collector {
	if log == nil {
		log = logger.NewNop()
	}
	return &Collector{m: m, src: src, log: log}
}

func (c *Collector) Refresh(ctx context.Context) error {
	g, err := c.src(ctx)
	if err != nil {
		return err
	}
	c.m.SetGauges(g)
	return nil
}

// Run refreshes every interval until ctx ends.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("metrics: gauge refresh failed", "error", err)
			}
		}
	}
}

// Handler serves the registry. With a collector the gauges are refreshed first.
func (m *Metrics) Handler(c *Collector) http.Handler {
	h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
	if c == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := c.Refresh(ctx); err != nil {
			c.log.Warn("metrics: refresh before scrape failed", "error", err)
		}
		cancel()
		h.ServeHTTP(w, r)
	})
}
