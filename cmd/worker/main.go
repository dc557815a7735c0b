package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/jobflow/internal/config"
	"github.com/suPer8Hu/jobflow/internal/db"
	"github.com/suPer8Hu/jobflow/internal/httpapi"
	"github.com/suPer8Hu/jobflow/internal/httpapi/handlers"
	"github.com/suPer8Hu/jobflow/internal/jobs"
	"github.com/suPer8Hu/jobflow/internal/logger"
	"github.com/suPer8Hu/jobflow/internal/metrics"
	"github.com/suPer8Hu/jobflow/internal/store"
	"github.com/suPer8Hu/jobflow/internal/tracing"
	"github.com/suPer8Hu/jobflow/internal/worker"
)

const serviceName = "job-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg, err := logger.New(cfg.AppEnv)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("worker exited", "error", err)
		lg.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, lg *logger.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, lg, tracing.Config{
		ServiceName: serviceName,
		Environment: cfg.AppEnv,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN, lg)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	q, err := store.OpenQueue(ctx, cfg, lg)
	if err != nil {
		return err
	}
	defer q.Close()

	m := metrics.New()
	reg := worker.DefaultRegistry(worker.BodyConfig{
		PrimeLimit: cfg.PrimeLimit,
		SortSize:   cfg.SortSize,
		BcryptCost: cfg.BcryptCost,
	})
	pool := worker.NewPool(jobs.NewGormRepo(gdb), q, reg, worker.Options{
		Concurrency: cfg.WorkerConcurrency,
		RateLimit:   cfg.WorkerRateLimit,
		RateWindow:  cfg.WorkerRateWindow,
		Logger:      lg,
		Metrics:     m,
		Tracer:      tracing.Tracer("jobflow/worker"),
	})

	h := handlers.NewHandler(handlers.Deps{
		ServiceName:   serviceName,
		Logger:        lg,
		WorkerRunning: pool.Running,
	})
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.WorkerPort),
		Handler: httpapi.NewWorkerRouter(h, httpapi.Options{
			ServiceName: serviceName,
			Logger:      lg,
			Metrics:     m.Handler(nil),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	if q.Maintain != nil {
		g.Go(func() error {
			q.Maintain(gctx)
			return nil
		})
	}
	g.Go(func() error {
		lg.Info("worker http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("worker shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Warn("http shutdown", "error", err)
		}
		return nil
	})

	err = g.Wait()

	// in-flight jobs have finished, flush their spans
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := shutdownTracing(shutdownCtx); serr != nil {
		lg.Warn("tracing shutdown", "error", serr)
	}
	return err
}
