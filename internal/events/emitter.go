// Package events implements the Event Emitter: a best-effort,
// fire-and-forget wrapper around the broker producer that publishes the
// run lifecycle timeline. Emission failure is always a warning, never an
// error the caller must act on — the event stream is observability, not
// control (§4.4).
package events

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/observability"
)

// Producer is the narrow broker surface the emitter depends on.
type Producer interface {
	Produce(ctx context.Context, topic string, value any, idempotencyKey string) error
}

// Recorder is the narrow audit-mirror surface the emitter depends on;
// *eventstore.Store satisfies it. A nil Recorder disables mirroring.
type Recorder interface {
	Record(ctx context.Context, runID, eventType string, tsMs int64, payload map[string]any) error
}

// Emitter publishes RunEvents to a run's events topic and, best-effort,
// mirrors them into the audit store for the debug readouts.
type Emitter struct {
	producer Producer
	recorder Recorder
}

// New constructs an Emitter backed by producer with no audit mirror.
func New(producer Producer) *Emitter {
	return &Emitter{producer: producer}
}

// NewWithRecorder constructs an Emitter that also mirrors every event into
// recorder (§4.7's debug event history).
func NewWithRecorder(producer Producer, recorder Recorder) *Emitter {
	return &Emitter{producer: producer, recorder: recorder}
}

// Emit produces event to topic with idempotencyKey and swallows any error
// beyond a warning log and a metric increment. Per §4.4 and §7, an emission
// failure must never alter the handler's or scheduler's control-flow
// decision. Mirroring to the audit store is equally best-effort.
func (e *Emitter) Emit(ctx context.Context, topic string, eventType, runID string, payload map[string]any, idempotencyKey string) {
	now := time.Now().UTC()
	ev := domain.RunEvent{
		Ts:      now,
		Type:    eventType,
		RunID:   runID,
		Payload: payload,
	}
	if err := e.producer.Produce(ctx, topic, ev, idempotencyKey); err != nil {
		observability.EventEmitFailuresTotal.WithLabelValues(eventType).Inc()
		spanCtx := trace.SpanContextFromContext(ctx)
		slog.Warn("event emission failed, continuing",
			slog.String("event_type", eventType),
			slog.String("run_id", runID),
			slog.String("topic", topic),
			slog.String("idempotency_key", idempotencyKey),
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.Any("error", err))
	}

	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, runID, eventType, now.UnixMilli(), payload); err != nil {
		slog.Warn("event audit mirror failed, continuing",
			slog.String("event_type", eventType), slog.String("run_id", runID), slog.Any("error", err))
	}
}

// StepStarted emits step.started (§4.5 phase 1).
func (e *Emitter) StepStarted(ctx context.Context, topic, runID, stepID string, attempt int) {
	e.Emit(ctx, topic, domain.EventStepStarted, runID, map[string]any{"step_id": stepID, "attempt": attempt},
		domain.EventIdempotencyKey(runID, stepID, domain.EventStepStarted, attempt))
}

// StepFailedBeforeEffect emits step.failed for the forced pre-effect
// failure path (§4.5 phase 2).
func (e *Emitter) StepFailedBeforeEffect(ctx context.Context, topic, runID, stepID string, attempt int) {
	e.Emit(ctx, topic, domain.EventStepFailed, runID,
		map[string]any{"step_id": stepID, "attempt": attempt, "reason": domain.FailReasonForcedBeforeSideEffect},
		domain.EventIdempotencyKey(runID, stepID, domain.EventStepFailed, attempt))
}

// SideEffectExecuting emits side_effect.executing (§4.5 phase 4, won branch).
func (e *Emitter) SideEffectExecuting(ctx context.Context, topic, runID, stepID string) {
	e.Emit(ctx, topic, domain.EventSideEffectExecuting, runID, map[string]any{"step_id": stepID},
		domain.EventIdempotencyKey(runID, stepID, domain.EventSideEffectExecuting, 0))
}

// SideEffectDone emits side_effect.done (§4.5 phase 4, won branch, on
// success).
func (e *Emitter) SideEffectDone(ctx context.Context, topic, runID, stepID, artifactRef string) {
	e.Emit(ctx, topic, domain.EventSideEffectDone, runID,
		map[string]any{"step_id": stepID, "artifact_ref": artifactRef},
		domain.EventIdempotencyKey(runID, stepID, domain.EventSideEffectDone, 0))
}

// SideEffectSkipped emits side_effect.skipped with the given reason (§4.5
// phase 3 "already_done" branch, or phase 4 losing-claim "already_in_progress"
// branch). The two reasons carry distinct idempotency keys since they share
// an event type.
func (e *Emitter) SideEffectSkipped(ctx context.Context, topic, runID, stepID, reason string) {
	e.Emit(ctx, topic, domain.EventSideEffectSkipped, runID,
		map[string]any{"step_id": stepID, "reason": reason},
		domain.SideEffectSkippedIdempotencyKey(runID, stepID, reason))
}

// SideEffectHealed emits side_effect.healed (§4.5 phase 4, heal branch).
func (e *Emitter) SideEffectHealed(ctx context.Context, topic, runID, stepID, artifactRef string) {
	e.Emit(ctx, topic, domain.EventSideEffectHealed, runID,
		map[string]any{"step_id": stepID, "artifact_ref": artifactRef},
		"evt:"+runID+":"+stepID+":effect:healed")
}

// ChaosCrashNow emits chaos.crash_now immediately before the process exits
// abruptly (§4.5 phase 5). Emission is best-effort; the process may not
// survive long enough for it to land.
func (e *Emitter) ChaosCrashNow(ctx context.Context, topic, runID, stepID string) {
	e.Emit(ctx, topic, domain.EventChaosCrashNow, runID, map[string]any{"step_id": stepID},
		domain.EventIdempotencyKey(runID, stepID, domain.EventChaosCrashNow, 0))
}

// StepCompleted emits step.completed (§4.5 phase 6).
func (e *Emitter) StepCompleted(ctx context.Context, topic, runID, stepID string, attempt int) {
	e.Emit(ctx, topic, domain.EventStepCompleted, runID, map[string]any{"step_id": stepID, "attempt": attempt},
		domain.EventIdempotencyKey(runID, stepID, domain.EventStepCompleted, attempt))
}

// RunCompleted emits run.completed (§4.5 phase 6, terminal success).
func (e *Emitter) RunCompleted(ctx context.Context, topic, runID string) {
	e.Emit(ctx, topic, domain.EventRunCompleted, runID, nil,
		domain.EventIdempotencyKey(runID, "", domain.EventRunCompleted, 0))
}

// RetryConsidered emits retry.considered (§4.6 step 2).
func (e *Emitter) RetryConsidered(ctx context.Context, topic, runID, stepID string, attempt, next int, lastErr string, backoffS float64) {
	e.Emit(ctx, topic, domain.EventRetryConsidered, runID, map[string]any{
		"step_id": stepID, "attempt": attempt, "next_attempt": next, "error": lastErr, "backoff_s": backoffS,
	}, domain.EventIdempotencyKey(runID, stepID, domain.EventRetryConsidered, attempt))
}

// RetryScheduled emits retry.scheduled (§4.6 step 4).
func (e *Emitter) RetryScheduled(ctx context.Context, topic, runID, stepID string, next int) {
	e.Emit(ctx, topic, domain.EventRetryScheduled, runID, map[string]any{"step_id": stepID, "next_attempt": next},
		domain.EventIdempotencyKey(runID, stepID, domain.EventRetryScheduled, next))
}

// RunDLQ emits run.dlq (§4.6 step 3).
func (e *Emitter) RunDLQ(ctx context.Context, topic, runID, stepID string) {
	e.Emit(ctx, topic, domain.EventRunDLQ, runID, map[string]any{"step_id": stepID},
		domain.EventIdempotencyKey(runID, stepID, domain.EventRunDLQ, 0))
}

// RunCreated emits run.created (§4.7 create-run).
func (e *Emitter) RunCreated(ctx context.Context, topic, runID string, payload map[string]any) {
	e.Emit(ctx, topic, domain.EventRunCreated, runID, payload,
		domain.EventIdempotencyKey(runID, "", domain.EventRunCreated, 0))
}

// CommandEnqueued emits command.enqueued (§4.7 create-run).
func (e *Emitter) CommandEnqueued(ctx context.Context, topic, runID string, attempt int) {
	e.Emit(ctx, topic, domain.EventCommandEnqueued, runID, map[string]any{"attempt": attempt},
		domain.EventIdempotencyKey(runID, "", domain.EventCommandEnqueued, attempt))
}
