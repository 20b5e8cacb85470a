package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/scheduler"
)

type recordedProduce struct {
	topic          string
	value          any
	idempotencyKey string
}

type fakeProducer struct {
	mu    sync.Mutex
	calls []recordedProduce
}

func (f *fakeProducer) Produce(_ context.Context, topic string, value any, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedProduce{topic, value, idempotencyKey})
	return nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *fakeEmitter) record(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, s)
}

func (e *fakeEmitter) RetryConsidered(context.Context, string, string, string, int, int, string, float64) {
	e.record("retry.considered")
}
func (e *fakeEmitter) RetryScheduled(context.Context, string, string, string, int) {
	e.record("retry.scheduled")
}
func (e *fakeEmitter) RunDLQ(context.Context, string, string, string) {
	e.record("run.dlq")
}

func baseCommand() domain.Command {
	return domain.Command{
		RunID:       "run-1",
		EventsTopic: domain.EventsTopicFor("run-1"),
		StepID:      domain.StepCharge,
		BusinessKey: "order-A",
		Attempt:     0,
		MaxAttempts: 3,
	}
}

func TestHandleFailure_SchedulesRetry(t *testing.T) {
	p, e := &fakeProducer{}, &fakeEmitter{}
	s := &scheduler.Scheduler{Producer: p, Events: e}

	err := s.HandleFailure(context.Background(), baseCommand(), errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, []string{"retry.considered", "retry.scheduled"}, e.events)

	require.Len(t, p.calls, 1)
	require.Equal(t, domain.CommandsTopic, p.calls[0].topic)
	require.Equal(t, "cmd:run-1:charge_card:order-A:a1", p.calls[0].idempotencyKey)

	retried, ok := p.calls[0].value.(domain.Command)
	require.True(t, ok)
	require.Equal(t, 1, retried.Attempt)
}

func TestHandleFailure_ExhaustedAttemptsRoutesToDLQ(t *testing.T) {
	p, e := &fakeProducer{}, &fakeEmitter{}
	s := &scheduler.Scheduler{Producer: p, Events: e}

	cmd := baseCommand()
	cmd.Attempt = 2 // next = 3 >= MaxAttempts(3)

	err := s.HandleFailure(context.Background(), cmd, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, []string{"retry.considered", "run.dlq"}, e.events)

	require.Len(t, p.calls, 1)
	require.Equal(t, domain.DLQTopic, p.calls[0].topic)
	require.Equal(t, "dlq:run-1:charge_card:order-A", p.calls[0].idempotencyKey)
}

// Boundary: max_attempts=1, attempt=0 (fail_before_effect_n=1) -> immediate DLQ.
func TestHandleFailure_MaxAttemptsOne_ImmediateDLQ(t *testing.T) {
	p, e := &fakeProducer{}, &fakeEmitter{}
	s := &scheduler.Scheduler{Producer: p, Events: e}

	cmd := baseCommand()
	cmd.MaxAttempts = 1
	cmd.Attempt = 0

	require.NoError(t, s.HandleFailure(context.Background(), cmd, errors.New("boom")))
	require.Equal(t, []string{"retry.considered", "run.dlq"}, e.events)
	require.Equal(t, domain.DLQTopic, p.calls[0].topic)
}
