//go:build integration

// Package integration runs the exactly-once pipeline against real Postgres
// and Kafka containers instead of the fakes used by the package-level unit
// tests. Run with `go test -tags=integration ./internal/integration/...`.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sidefxio/sidefx/internal/artifact"
	"github.com/sidefxio/sidefx/internal/broker"
	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/events"
	"github.com/sidefxio/sidefx/internal/eventstore"
	"github.com/sidefxio/sidefx/internal/handler"
	"github.com/sidefxio/sidefx/internal/ledger"
	"github.com/sidefxio/sidefx/internal/storage"
)

func setupPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()

	pgC, err := postgrescontainer.Run(ctx,
		"postgres:16-alpine",
		postgrescontainer.WithDatabase("sidefx"),
		postgrescontainer.WithUsername("sidefx"),
		postgrescontainer.WithPassword("sidefx"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func setupKafka(ctx context.Context, t *testing.T) []string {
	t.Helper()

	kC, err := kafkacontainer.RunContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kC.Terminate(ctx) })

	brokers, err := kC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers
}

// TestExactlyOnceDelivery_SucceedsOnFirstAttempt drives one command all the
// way from produce to a done ledger row and a written artifact, against real
// Postgres and Kafka, matching the at-least-once-delivery/exactly-once-effect
// contract of the Command Handler (§4.5).
func TestExactlyOnceDelivery_SucceedsOnFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	dsn := setupPostgres(ctx, t)
	brokers := setupKafka(ctx, t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	require.NoError(t, storage.Migrate(dsn, logger))

	pool, err := storage.NewPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	producer, err := broker.NewProducer(brokers, pool)
	require.NoError(t, err)
	defer producer.Close()
	require.NoError(t, producer.EnsureTopic(ctx, domain.CommandsTopic, 1))

	consumer, err := broker.NewConsumer(brokers, "integration-worker", "integration-test", []string{domain.CommandsTopic}, 30*time.Second)
	require.NoError(t, err)
	defer consumer.Close()

	artifactDir := t.TempDir()
	sink, err := artifact.New(filepath.Join(artifactDir, "artifacts"))
	require.NoError(t, err)

	effectLedger := ledger.New(pool)
	eventHistory := eventstore.New(pool)
	emitter := events.NewWithRecorder(producer, eventHistory)

	h := &handler.Handler{Ledger: effectLedger, Artifacts: sink, Events: emitter}

	runID := "integration-run-1"
	cmd := domain.Command{
		Ts:          time.Now().UTC(),
		Type:        "command",
		RunID:       runID,
		EventsTopic: domain.EventsTopicFor(runID),
		StepID:      domain.StepCharge,
		BusinessKey: "order-integration-1",
		Amount:      42.5,
		Attempt:     0,
		MaxAttempts: 5,
	}
	require.NoError(t, producer.Produce(ctx, domain.CommandsTopic, cmd, fmt.Sprintf("%s:0", cmd.EffectID())))

	deliveries := consumer.ConsumeStream(ctx)
	select {
	case d := <-deliveries:
		var got domain.Command
		require.NoError(t, json.Unmarshal(d.Value, &got))
		require.NoError(t, h.Handle(ctx, got))
		d.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for command delivery")
	}

	status, ref, err := effectLedger.GetStatus(ctx, cmd.EffectID())
	require.NoError(t, err)
	require.Equal(t, domain.EffectDone, status)
	require.FileExists(t, ref)

	require.Eventually(t, func() bool {
		recorded, err := eventHistory.ListByRun(ctx, runID)
		return err == nil && len(recorded) >= 4
	}, 10*time.Second, 100*time.Millisecond, "expected the audit mirror to catch up with the emitted events")
}
