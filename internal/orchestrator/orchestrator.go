// Package orchestrator implements the ingress-side Run Orchestrator: it
// receives a run request, ensures topics, produces the first command and
// the run.created/command.enqueued events, and registers the run for later
// SSE lookup (§4.7).
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sidefxio/sidefx/internal/domain"
)

// defaultPartitions is used for every topic this orchestrator ensures; a
// single modest default keeps local/dev clusters cheap to stand up.
const defaultPartitions = int32(3)

// Broker is the narrow broker-adapter surface the orchestrator depends on.
type Broker interface {
	EnsureTopic(ctx context.Context, topic string, partitions int32) error
	Produce(ctx context.Context, topic string, value any, idempotencyKey string) error
}

// Registry is the narrow Run Registry surface the orchestrator depends on.
type Registry interface {
	Register(meta domain.RunMeta)
}

// Emitter is the narrow Event Emitter surface the orchestrator depends on.
type Emitter interface {
	RunCreated(ctx context.Context, topic, runID string, payload map[string]any)
	CommandEnqueued(ctx context.Context, topic, runID string, attempt int)
}

// Orchestrator implements the ingress-side run-creation and bookkeeping
// operations named in §4.7.
type Orchestrator struct {
	Broker   Broker
	Registry Registry
	Events   Emitter

	// NewRunID generates a fresh run id; production wiring injects
	// uuid.NewString, tests inject a deterministic stand-in.
	NewRunID func() string

	// MaxAttemptsDefault is used when CreateRunInput.MaxAttempts is <= 0.
	MaxAttemptsDefault int
}

// CreateRunInput is the already-validated business input to CreateRun. HTTP
// request parsing and go-playground/validator checks happen one layer up,
// in internal/httpapi.
type CreateRunInput struct {
	BusinessKey       string
	Amount            float64
	FailBeforeEffectN int
	FailMode          domain.FailMode
	MaxAttempts       int
}

// CreateRunResult is returned to the ingress HTTP handler for the response
// body (§6: POST /runs -> {run_id, events_topic}).
type CreateRunResult struct {
	RunID       string
	EventsTopic string
}

// CreateRun assigns a run id, registers RunMeta, ensures the commands/DLQ/
// events topics, and produces the initial run.command (attempt 0) along
// with its run.created and command.enqueued events.
func (o *Orchestrator) CreateRun(ctx context.Context, in CreateRunInput) (CreateRunResult, error) {
	runID := o.NewRunID()
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.MaxAttemptsDefault
	}
	eventsTopic := domain.EventsTopicFor(runID)

	for _, t := range []string{domain.CommandsTopic, domain.DLQTopic, eventsTopic} {
		if err := o.Broker.EnsureTopic(ctx, t, defaultPartitions); err != nil {
			return CreateRunResult{}, fmt.Errorf("op=orchestrator.create_run.ensure_topic: %w", err)
		}
	}

	now := time.Now().UTC()
	meta := domain.RunMeta{
		RunID:             runID,
		BusinessKey:       in.BusinessKey,
		Amount:            in.Amount,
		FailBeforeEffectN: in.FailBeforeEffectN,
		FailMode:          in.FailMode,
		MaxAttempts:       maxAttempts,
		EventsTopic:       eventsTopic,
		CreatedMs:         now.UnixMilli(),
	}
	o.Registry.Register(meta)

	cmd := domain.Command{
		Ts:                now,
		Type:              "run.command",
		RunID:             runID,
		EventsTopic:       eventsTopic,
		StepID:            domain.StepCharge,
		BusinessKey:       in.BusinessKey,
		Amount:            in.Amount,
		Attempt:           0,
		MaxAttempts:       maxAttempts,
		FailBeforeEffectN: in.FailBeforeEffectN,
		FailMode:          in.FailMode,
	}
	key := domain.CommandIdempotencyKey(runID, domain.StepCharge, in.BusinessKey, 0)
	if err := o.Broker.Produce(ctx, domain.CommandsTopic, cmd, key); err != nil {
		return CreateRunResult{}, fmt.Errorf("op=orchestrator.create_run.produce_command: %w", err)
	}

	o.Events.RunCreated(ctx, eventsTopic, runID, map[string]any{
		"business_key": in.BusinessKey,
		"amount":       in.Amount,
		"max_attempts": maxAttempts,
	})
	o.Events.CommandEnqueued(ctx, eventsTopic, runID, 0)

	return CreateRunResult{RunID: runID, EventsTopic: eventsTopic}, nil
}
