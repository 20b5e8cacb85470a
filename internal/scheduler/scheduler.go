// Package scheduler implements the Retry/DLQ Scheduler: on handler failure,
// it either re-produces the command with attempt+1 or produces a DLQ
// record, then the caller acks the original delivery (§4.6).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/observability"
)

// Producer is the narrow broker surface the scheduler depends on.
type Producer interface {
	Produce(ctx context.Context, topic string, value any, idempotencyKey string) error
}

// Emitter is the narrow Event Emitter surface the scheduler depends on.
type Emitter interface {
	RetryConsidered(ctx context.Context, topic, runID, stepID string, attempt, next int, lastErr string, backoffS float64)
	RetryScheduled(ctx context.Context, topic, runID, stepID string, next int)
	RunDLQ(ctx context.Context, topic, runID, stepID string)
}

// Scheduler translates a Command Handler failure into either a fresh retry
// command or a terminal DLQ record.
type Scheduler struct {
	Producer Producer
	Events   Emitter

	// InitialInterval, MaxInterval, and Multiplier parameterize the
	// advisory backoff curve (§4.6). Zero values fall back to the
	// defaults of 1s, 10s, and 2.0.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// backoffForAttempt computes the advisory backoff duration for the given
// attempt: min(initial*multiplier^attempt, max), using cenkalti/backoff's
// ExponentialBackOff as the stepping engine (with its own jitter disabled)
// rather than hand-rolled pow() math, plus a separate uniform [0,1) second
// jitter term added on top to match §4.6's exact formula. Zero fields fall
// back to 1s/2.0/10s, §4.6's original defaults.
func (s *Scheduler) backoffForAttempt(attempt int) time.Duration {
	initial := s.InitialInterval
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := s.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	maxInterval := s.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 10 * time.Second
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = multiplier
	b.MaxInterval = maxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	jitter := time.Duration(rand.Float64() * float64(time.Second)) //nolint:gosec // advisory backoff only, not security sensitive
	return d + jitter
}

// HandleFailure runs §4.6 steps 1-4 for a Command whose handler attempt
// just failed with cause. The caller is responsible for acking the original
// delivery after this returns, in both the retry and DLQ branches — retry is
// modeled as a fresh message, never broker redelivery.
func (s *Scheduler) HandleFailure(ctx context.Context, cmd domain.Command, cause error) error {
	next := cmd.Attempt + 1
	d := s.backoffForAttempt(cmd.Attempt)

	log := slog.With(
		slog.String("run_id", cmd.RunID),
		slog.String("step_id", cmd.StepID),
		slog.String("business_key", cmd.BusinessKey),
		slog.Int("attempt", cmd.Attempt),
		slog.Int("next_attempt", next),
	)

	s.Events.RetryConsidered(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID, cmd.Attempt, next, cause.Error(), d.Seconds())

	if next >= cmd.MaxAttempts {
		rec := domain.DLQRecord{
			Command:     cmd,
			LastError:   cause.Error(),
			Attempt:     cmd.Attempt,
			MaxAttempts: cmd.MaxAttempts,
			Ts:          time.Now().UTC(),
		}
		key := domain.DLQIdempotencyKey(cmd.RunID, cmd.StepID, cmd.BusinessKey)
		if err := s.Producer.Produce(ctx, domain.DLQTopic, rec, key); err != nil {
			return fmt.Errorf("op=scheduler.handle_failure.produce_dlq: %w", domain.ErrInternal)
		}
		observability.DLQRecordsTotal.WithLabelValues(cmd.RunID).Inc()
		log.Warn("max attempts exhausted, routed to DLQ", slog.String("cause", cause.Error()))
		s.Events.RunDLQ(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID)
		return nil
	}

	retryCmd := cmd
	retryCmd.Attempt = next
	retryCmd.Ts = time.Now().UTC()
	key := domain.CommandIdempotencyKey(cmd.RunID, cmd.StepID, cmd.BusinessKey, next)
	if err := s.Producer.Produce(ctx, domain.CommandsTopic, retryCmd, key); err != nil {
		return fmt.Errorf("op=scheduler.handle_failure.produce_retry: %w", domain.ErrInternal)
	}
	observability.RetriesScheduledTotal.WithLabelValues(cmd.RunID).Inc()
	log.Info("retry scheduled as new message", slog.Duration("backoff", d))
	s.Events.RetryScheduled(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID, next)
	return nil
}
