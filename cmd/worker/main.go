// Command worker consumes commands from the commands topic and runs them
// through the Command Handler and Retry/DLQ Scheduler (§4.5, §4.6).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sidefxio/sidefx/internal/artifact"
	"github.com/sidefxio/sidefx/internal/broker"
	"github.com/sidefxio/sidefx/internal/config"
	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/events"
	"github.com/sidefxio/sidefx/internal/eventstore"
	"github.com/sidefxio/sidefx/internal/handler"
	"github.com/sidefxio/sidefx/internal/ledger"
	"github.com/sidefxio/sidefx/internal/observability"
	"github.com/sidefxio/sidefx/internal/scheduler"
	"github.com/sidefxio/sidefx/internal/storage"
	"github.com/sidefxio/sidefx/internal/workerpool"
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
			slog.Error("worker metrics server error", slog.Any("error", err))
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	if err := producer.EnsureTopic(ctx, domain.CommandsTopic, 3); err != nil {
		slog.Error("ensure commands topic failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := producer.EnsureTopic(ctx, domain.DLQTopic, 3); err != nil {
		slog.Error("ensure dlq topic failed", slog.Any("error", err))
		os.Exit(1)
	}

	consumer, err := broker.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, cfg.Owner, []string{domain.CommandsTopic}, cfg.LeaseDuration)
	if err != nil {
		slog.Error("broker consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()

	artifacts, err := artifact.New(cfg.ArtifactsDir)
	if err != nil {
		slog.Error("artifact sink init failed", slog.Any("error", err))
		os.Exit(1)
	}

	effectLedger := ledger.New(pool)
	emitter := events.NewWithRecorder(producer, eventstore.New(pool))

	h := &handler.Handler{
		Ledger:    effectLedger,
		Artifacts: artifacts,
		Events:    emitter,
	}
	sched := &scheduler.Scheduler{
		Producer:        producer,
		Events:          emitter,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
	}

	slog.Info("worker starting",
		slog.String("owner", cfg.Owner),
		slog.String("worker_group", cfg.WorkerGroup),
		slog.Int("min_concurrency", cfg.WorkerMinConcurrency),
		slog.Int("max_concurrency", cfg.WorkerMaxConcurrency))

	deliveries := consumer.ConsumeStream(ctx)

	p := &workerpool.Pool[broker.Delivery]{
		Deliveries: deliveries,
		Process: func(ctx context.Context, d broker.Delivery) {
			processDelivery(ctx, h, sched, d)
		},
		Min:           cfg.WorkerMinConcurrency,
		Max:           cfg.WorkerMaxConcurrency,
		ScaleInterval: cfg.WorkerScalingInterval,
		IdleTimeout:   cfg.WorkerIdleTimeout,
		QueueLen:      func() int { return len(deliveries) },
	}

	go runStuckClaimSweeper(ctx, effectLedger, cfg.StuckClaimAge, cfg.StuckSweepInterval)

	p.Run(ctx)
	slog.Info("worker stopped")
}

// processDelivery decodes one Command delivery, runs it through the Command
// Handler, and on failure hands it to the Retry/DLQ Scheduler. Per §4.5/§4.6,
// the original delivery is always acked afterward — a retry is a fresh
// message, never a broker redelivery.
func processDelivery(ctx context.Context, h *handler.Handler, sched *scheduler.Scheduler, d broker.Delivery) {
	defer d.Ack()

	var cmd domain.Command
	if err := json.Unmarshal(d.Value, &cmd); err != nil {
		slog.Warn("poison command: decode failed, dropping", slog.Any("error", err))
		return
	}
	if !cmd.Valid() {
		slog.Warn("poison command: missing required fields, dropping",
			slog.String("run_id", cmd.RunID), slog.String("step_id", cmd.StepID))
		return
	}

	if err := h.Handle(ctx, cmd); err != nil {
		if schedErr := sched.HandleFailure(ctx, cmd, err); schedErr != nil {
			slog.Error("scheduler failed to route failure, command may be lost",
				slog.String("run_id", cmd.RunID), slog.String("step_id", cmd.StepID), slog.Any("error", schedErr))
		}
	}
}

// runStuckClaimSweeper periodically logs and counts in_progress ledger rows
// older than age, purely for operator visibility — it never mutates rows;
// only the Command Handler's heal path may transition them.
func runStuckClaimSweeper(ctx context.Context, l *ledger.Ledger, age, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stuck, err := l.StuckInProgress(ctx, age)
			if err != nil {
				slog.Warn("stuck claim sweep failed", slog.Any("error", err))
				continue
			}
			observability.StuckClaimsGauge.Set(float64(len(stuck)))
			if len(stuck) > 0 {
				slog.Warn("stuck in_progress ledger rows detected", slog.Int("count", len(stuck)))
			}
		}
	}
}
