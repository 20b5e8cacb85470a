// Command ingress starts the sidefx ingress HTTP server: run creation,
// SSE event streaming, health/readiness, and debug readouts (§4.7).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sidefxio/sidefx/internal/artifact"
	"github.com/sidefxio/sidefx/internal/broker"
	"github.com/sidefxio/sidefx/internal/config"
	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/events"
	"github.com/sidefxio/sidefx/internal/eventstore"
	"github.com/sidefxio/sidefx/internal/httpapi"
	"github.com/sidefxio/sidefx/internal/ledger"
	"github.com/sidefxio/sidefx/internal/observability"
	"github.com/sidefxio/sidefx/internal/orchestrator"
	"github.com/sidefxio/sidefx/internal/registry"
	"github.com/sidefxio/sidefx/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ingress metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	if err := storage.Migrate(cfg.DBURL, logger); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := storage.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	producer, err := broker.NewProducer(cfg.KafkaBrokers, pool)
	if err != nil {
		slog.Error("broker producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	artifacts, err := artifact.New(cfg.ArtifactsDir)
	if err != nil {
		slog.Error("artifact sink init failed", slog.Any("error", err))
		os.Exit(1)
	}

	effectLedger := ledger.New(pool)
	eventHistory := eventstore.New(pool)
	emitter := events.NewWithRecorder(producer, eventHistory)
	runs := registry.New()

	orch := &orchestrator.Orchestrator{
		Broker:             producer,
		Registry:           runs,
		Events:             emitter,
		NewRunID:           uuid.NewString,
		MaxAttemptsDefault: cfg.MaxAttemptsDefault,
	}

	srv := &httpapi.Server{
		Orchestrator: orch,
		Registry:     runs,
		NewConsumer: func(_ context.Context, topic, groupID string) (httpapi.EventsConsumer, error) {
			return broker.NewConsumer(cfg.KafkaBrokers, groupID, cfg.Owner, []string{topic}, cfg.LeaseDuration)
		},
		LedgerReader: effectLedger,
		Artifacts:    artifacts,
		EventHistory: eventHistory,
		PeekDLQ: func(ctx context.Context, limit int) ([][]byte, error) {
			return broker.PeekRecent(ctx, cfg.KafkaBrokers, domain.DLQTopic, limit, 5*time.Second)
		},
		DBCheck: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
		BrokerCheck: func(ctx context.Context) error {
			return producer.Ping(ctx)
		},
	}

	handler := httpapi.NewRouter(srv, cfg.CORSAllowOrigins, cfg.RateLimitPerMin)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ingress http server starting", slog.Int("port", cfg.HTTPPort))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}
