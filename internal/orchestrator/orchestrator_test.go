package orchestrator_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/orchestrator"
)

type fakeBroker struct {
	mu            sync.Mutex
	ensuredTopics []string
	produced      []struct {
		topic, key string
		value      any
	}
}

func (b *fakeBroker) EnsureTopic(_ context.Context, topic string, _ int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensuredTopics = append(b.ensuredTopics, topic)
	return nil
}

func (b *fakeBroker) Produce(_ context.Context, topic string, value any, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.produced = append(b.produced, struct {
		topic, key string
		value      any
	}{topic, key, value})
	return nil
}

type fakeRegistry struct {
	mu   sync.Mutex
	runs []domain.RunMeta
}

func (r *fakeRegistry) Register(meta domain.RunMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, meta)
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEmitter) RunCreated(context.Context, string, string, map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "run.created")
}

func (e *fakeEmitter) CommandEnqueued(context.Context, string, string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, "command.enqueued")
}

func TestCreateRun_ProducesInitialCommandAndEvents(t *testing.T) {
	broker, reg, em := &fakeBroker{}, &fakeRegistry{}, &fakeEmitter{}
	o := &orchestrator.Orchestrator{
		Broker:             broker,
		Registry:           reg,
		Events:             em,
		NewRunID:           func() string { return "run-123" },
		MaxAttemptsDefault: 5,
	}

	res, err := o.CreateRun(context.Background(), orchestrator.CreateRunInput{
		BusinessKey: "order-A",
		Amount:      42.0,
	})
	require.NoError(t, err)
	require.Equal(t, "run-123", res.RunID)
	require.Equal(t, domain.EventsTopicFor("run-123"), res.EventsTopic)

	require.Len(t, reg.runs, 1)
	require.Equal(t, 5, reg.runs[0].MaxAttempts)

	require.Len(t, broker.produced, 1)
	require.Equal(t, domain.CommandsTopic, broker.produced[0].topic)
	require.Equal(t, "cmd:run-123:charge_card:order-A:a0", broker.produced[0].key)

	cmd, ok := broker.produced[0].value.(domain.Command)
	require.True(t, ok)
	require.Equal(t, 0, cmd.Attempt)
	require.Equal(t, 5, cmd.MaxAttempts)

	require.Equal(t, []string{"run.created", "command.enqueued"}, em.events)
}

func TestCreateRun_ExplicitMaxAttemptsOverridesDefault(t *testing.T) {
	broker, reg, em := &fakeBroker{}, &fakeRegistry{}, &fakeEmitter{}
	o := &orchestrator.Orchestrator{
		Broker:             broker,
		Registry:           reg,
		Events:             em,
		NewRunID:           func() string { return "run-1" },
		MaxAttemptsDefault: 5,
	}

	_, err := o.CreateRun(context.Background(), orchestrator.CreateRunInput{
		BusinessKey: "order-B",
		MaxAttempts: 2,
	})
	require.NoError(t, err)
	require.Equal(t, 2, reg.runs[0].MaxAttempts)
}
