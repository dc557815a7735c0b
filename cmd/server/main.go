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

	"github.com/suPer8Hu/jobflow/internal/config"
	"github.com/suPer8Hu/jobflow/internal/db"
	"github.com/suPer8Hu/jobflow/internal/httpapi"
	"github.com/suPer8Hu/jobflow/internal/httpapi/handlers"
	"github.com/suPer8Hu/jobflow/internal/jobs"
	"github.com/suPer8Hu/jobflow/internal/logger"
	"github.com/suPer8Hu/jobflow/internal/metrics"
	"github.com/suPer8Hu/jobflow/internal/stats"
	"github.com/suPer8Hu/jobflow/internal/store"
	"github.com/suPer8Hu/jobflow/internal/tracing"
)

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
		lg.Error("server exited", "error", err)
		lg.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, lg *logger.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, lg, tracing.Config{
		ServiceName: cfg.ServiceName,
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

	repo := jobs.NewGormRepo(gdb)
	statsSvc := stats.NewService(repo, q)

	m := metrics.New()
	collector := metrics.NewCollector(m, statsSvc.Gauges, lg)
	if err := collector.Refresh(ctx); err != nil {
		lg.Warn("initial metrics refresh failed", "error", err)
	}
	go collector.Run(ctx, cfg.MetricsInterval)

	h := handlers.NewHandler(handlers.Deps{
		Jobs:        jobs.NewService(repo, q, lg),
		Stats:       statsSvc,
		ServiceName: cfg.ServiceName,
		Logger:      lg,
	})
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: httpapi.NewRouter(h, httpapi.Options{
			ServiceName: cfg.ServiceName,
			CORSOrigins: cfg.CORSOrigins,
			Logger:      lg,
			Metrics:     m.Handler(collector),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("http server listening", "addr", srv.Addr, "queue", cfg.QueueDriver, "db", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		lg.Warn("tracing shutdown", "error", err)
	}
	return nil
}
