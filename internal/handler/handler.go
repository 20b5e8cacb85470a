// Package handler implements the Command Handler: the state machine that
// consumes one command, performs the protected side effect at most once,
// and emits the lifecycle event timeline (§4.5).
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sidefxio/sidefx/internal/artifact"
	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/observability"
)

// Ledger is the narrow Effect Ledger surface the handler depends on.
type Ledger interface {
	GetStatus(ctx context.Context, effectID string) (domain.EffectStatus, string, error)
	Claim(ctx context.Context, effectID, runID, stepID, businessKey, payloadSnapshot string) (bool, error)
	MarkDone(ctx context.Context, effectID, artifactRef string) error
}

// ArtifactSink is the narrow Artifact Sink surface the handler depends on.
type ArtifactSink interface {
	Create(ctx context.Context, businessKey string, data []byte) (artifact.Result, error)
	Exists(businessKey string) (bool, error)
	Path(businessKey string) string
}

// Emitter is the narrow Event Emitter surface the handler depends on.
type Emitter interface {
	StepStarted(ctx context.Context, topic, runID, stepID string, attempt int)
	StepFailedBeforeEffect(ctx context.Context, topic, runID, stepID string, attempt int)
	SideEffectExecuting(ctx context.Context, topic, runID, stepID string)
	SideEffectDone(ctx context.Context, topic, runID, stepID, artifactRef string)
	SideEffectSkipped(ctx context.Context, topic, runID, stepID, reason string)
	SideEffectHealed(ctx context.Context, topic, runID, stepID, artifactRef string)
	ChaosCrashNow(ctx context.Context, topic, runID, stepID string)
	StepCompleted(ctx context.Context, topic, runID, stepID string, attempt int)
	RunCompleted(ctx context.Context, topic, runID string)
}

// Handler is the Command Handler. One Handler instance is shared across all
// concurrent deliveries in a process; its only synchronization with other
// processes is through Ledger.Claim (§5).
type Handler struct {
	Ledger    Ledger
	Artifacts ArtifactSink
	Events    Emitter

	// Exit terminates the process for the chaos-injection path (§4.5 phase
	// 5). Defaults to os.Exit(1) in production; tests inject a recording
	// stand-in so Handle returns instead of killing the test binary.
	Exit func(code int)
}

// errForcedBeforeEffect is returned by the injected pre-effect failure path
// (§4.5 phase 2). It is always a transient-class failure from the scheduler's
// point of view: the scheduler retries or DLQs it like any other failure.
var errForcedBeforeEffect = errors.New("forced_failure_before_side_effect")

// Handle processes one delivered Command. A nil return means the caller may
// ack and consider the delivery successful; a non-nil return means the
// caller should hand the command to the retry/DLQ scheduler (§4.6) and then
// still ack the original delivery (retry is modeled as a fresh message, not
// broker redelivery).
func (h *Handler) Handle(ctx context.Context, cmd domain.Command) error {
	effectID := cmd.EffectID()
	log := slog.With(
		slog.String("run_id", cmd.RunID),
		slog.String("step_id", cmd.StepID),
		slog.String("business_key", cmd.BusinessKey),
		slog.String("effect_id", effectID),
		slog.Int("attempt", cmd.Attempt),
	)

	// Phase 1: bind & emit step.started.
	h.Events.StepStarted(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID, cmd.Attempt)

	// Phase 2: injected pre-effect failure. Never touches the ledger or
	// artifact sink — proves retry safety without performing any state
	// mutation.
	if cmd.Attempt < cmd.FailBeforeEffectN {
		log.Info("forced pre-effect failure", slog.Int("fail_before_effect_n", cmd.FailBeforeEffectN))
		h.Events.StepFailedBeforeEffect(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID, cmd.Attempt)
		return fmt.Errorf("op=handler.handle: %w", errForcedBeforeEffect)
	}

	executedSideEffect := false

	// Phase 3: status probe.
	status, _, err := h.Ledger.GetStatus(ctx, effectID)
	switch {
	case err == nil && (status == domain.EffectDone || status == domain.EffectFailed):
		// A done or (terminally) failed effect is never re-acted on; a failed
		// status only ever reaches this point via the DLQ path, never via a
		// fresh redelivery of the same effect_id, but the handler treats it
		// identically to done for safety (§4.5, "get_status shows failed").
		log.Info("side effect already settled, skipping", slog.String("status", string(status)))
		h.Events.SideEffectSkipped(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID, domain.SkipReasonAlreadyDone)

	case err == nil && status == domain.EffectInProgress:
		// Fall through to the guarded critical section below: another
		// delivery already claimed or this one must attempt to.
		executedSideEffect, err = h.criticalSection(ctx, cmd, effectID, log)
		if err != nil {
			return err
		}

	case errors.Is(err, domain.ErrNotFound):
		executedSideEffect, err = h.criticalSection(ctx, cmd, effectID, log)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("op=handler.handle.get_status: %w", domain.ErrInternal)
	}

	// Phase 5: injected post-effect crash. Only applies to the attempt that
	// actually performed the side effect — a later attempt that merely
	// skips or heals must not re-crash, or the run would never converge.
	if executedSideEffect && cmd.FailMode == domain.FailModeCrashAfterEffectBeforeAck {
		log.Warn("chaos: crashing after side effect, before ack")
		h.Events.ChaosCrashNow(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID)
		exit := h.Exit
		if exit == nil {
			exit = defaultExit
		}
		exit(1)
		return nil
	}

	// Phase 6: completion.
	h.Events.StepCompleted(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID, cmd.Attempt)
	h.Events.RunCompleted(ctx, cmd.EventsTopic, cmd.RunID)
	return nil
}

// criticalSection implements §4.5 phase 4. It returns (true, nil) only when
// this call actually performed (or re-confirmed) the side effect — the
// signal phase 5 uses to decide whether a chaos crash applies.
func (h *Handler) criticalSection(ctx context.Context, cmd domain.Command, effectID string, log *slog.Logger) (bool, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return false, fmt.Errorf("op=handler.critical_section.marshal: %w", domain.ErrInternal)
	}

	won, err := h.Ledger.Claim(ctx, effectID, cmd.RunID, cmd.StepID, cmd.BusinessKey, string(payload))
	if err != nil {
		return false, fmt.Errorf("op=handler.critical_section.claim: %w", domain.ErrInternal)
	}

	if !won {
		observability.ClaimsLostTotal.WithLabelValues(cmd.RunID).Inc()
		exists, err := h.Artifacts.Exists(cmd.BusinessKey)
		if err != nil {
			return false, fmt.Errorf("op=handler.critical_section.artifact_exists: %w", domain.ErrInternal)
		}
		if exists {
			ref := h.Artifacts.Path(cmd.BusinessKey)
			if err := h.Ledger.MarkDone(ctx, effectID, ref); err != nil {
				return false, fmt.Errorf("op=handler.critical_section.mark_done_heal: %w", domain.ErrInternal)
			}
			observability.HealsTotal.Inc()
			log.Info("healed orphaned in_progress effect from existing artifact", slog.String("artifact_ref", ref))
			h.Events.SideEffectHealed(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID, ref)
			return false, nil
		}
		log.Info("claim lost and no artifact yet, skipping without acting")
		h.Events.SideEffectSkipped(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID, domain.SkipReasonAlreadyInProgress)
		return false, nil
	}

	observability.ClaimsWonTotal.WithLabelValues(cmd.RunID).Inc()
	h.Events.SideEffectExecuting(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID)

	result, err := h.Artifacts.Create(ctx, cmd.BusinessKey, payload)
	if err != nil {
		return false, fmt.Errorf("op=handler.critical_section.artifact_create: %w", domain.ErrInternal)
	}
	if result == artifact.Created {
		observability.ArtifactsCreatedTotal.Inc()
	}

	ref := h.Artifacts.Path(cmd.BusinessKey)
	if err := h.Ledger.MarkDone(ctx, effectID, ref); err != nil {
		return false, fmt.Errorf("op=handler.critical_section.mark_done: %w", domain.ErrInternal)
	}
	log.Info("side effect performed", slog.String("artifact_result", string(result)))
	h.Events.SideEffectDone(ctx, cmd.EventsTopic, cmd.RunID, cmd.StepID, ref)
	return true, nil
}

func defaultExit(code int) { os.Exit(code) }
