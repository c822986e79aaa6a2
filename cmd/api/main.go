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

	httpadapter "github.com/kirillkom/grounded-qa/internal/adapters/http"
	"github.com/kirillkom/grounded-qa/internal/bootstrap"
	"github.com/kirillkom/grounded-qa/internal/config"
	"github.com/kirillkom/grounded-qa/internal/core/ports"
	"github.com/kirillkom/grounded-qa/internal/observability/logging"
	"github.com/kirillkom/grounded-qa/internal/observability/metrics"
)

const service = "grounded-qa-api"

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics(service)
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Logger:          logger,
		StateObserver:   httpMetrics.ObserveBreakerState,
		WithBroadcaster: true,
	})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	go subscribeInvalidations(ctx, app.Broadcaster, app.Answer, httpMetrics, logger)

	router := httpadapter.NewRouter(cfg, httpadapter.RouterDeps{
		Answerer:    app.Answer,
		Notifier:    app.Answer,
		Diagnostics: app.Diagnose,
		CacheStats:  app.Answer,
		Metrics:     httpMetrics,
		Logger:      logger,
		ReadinessFns: []func(*http.Request) error{
			func(r *http.Request) error { return app.DB.PingContext(r.Context()) },
		},
	}).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RAGGenerationTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_failed", "error", err)
	}
}

func subscribeInvalidations(
	ctx context.Context,
	subscriber ports.InvalidationSubscriber,
	invalidator ports.RetrievalInvalidator,
	m *metrics.HTTPServerMetrics,
	logger *slog.Logger,
) {
	err := subscriber.SubscribeDatasetChanged(ctx, func(handlerCtx context.Context, datasetID string) error {
		invalidateCtx, cancel := context.WithTimeout(handlerCtx, 10*time.Second)
		defer cancel()
		if err := invalidator.Invalidate(invalidateCtx, datasetID); err != nil {
			return err
		}
		m.RecordInvalidation("broadcast")
		return nil
	})
	if err != nil {
		logger.Error("invalidation_subscriber_stopped", "error", err)
	}
}
