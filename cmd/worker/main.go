package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kirillkom/grounded-qa/internal/bootstrap"
	"github.com/kirillkom/grounded-qa/internal/config"
	"github.com/kirillkom/grounded-qa/internal/core/ports"
	"github.com/kirillkom/grounded-qa/internal/observability/logging"
	"github.com/kirillkom/grounded-qa/internal/observability/metrics"
)

const (
	service        = "grounded-qa-worker"
	cleanupTimeout = 5 * time.Minute
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Logger: logger})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics(service)
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := scheduler.AddFunc(cfg.MemoryCleanupSchedule, func() {
		runCleanup(ctx, app.Memory, workerMetrics, logger)
	}); err != nil {
		logger.Error("invalid_cleanup_schedule", "schedule", cfg.MemoryCleanupSchedule, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	logger.Info("worker_started", "cleanup_schedule", cfg.MemoryCleanupSchedule)

	<-ctx.Done()
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker_metrics_shutdown_failed", "error", err)
	}
}

func runCleanup(ctx context.Context, janitor ports.ConversationJanitor, m *metrics.WorkerMetrics, logger *slog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	m.StartCleanup()
	start := time.Now()
	deleted, err := janitor.Cleanup(runCtx)
	m.FinishCleanup(time.Since(start), deleted, err)
	if err != nil {
		logger.Error("conversation_cleanup_failed", "error", err)
		return
	}
	logger.Info("conversation_cleanup_completed", "sessions_deleted", deleted)
}
