package events_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sidefxio/sidefx/internal/events"
)

type recordedProduce struct {
	topic          string
	value          any
	idempotencyKey string
}

type fakeProducer struct {
	mu       sync.Mutex
	calls    []recordedProduce
	failKeys map[string]bool
}

func (f *fakeProducer) Produce(_ context.Context, topic string, value any, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedProduce{topic, value, idempotencyKey})
	if f.failKeys[idempotencyKey] {
		return fmt.Errorf("boom")
	}
	return nil
}

func TestEmit_SwallowsProducerError(t *testing.T) {
	fp := &fakeProducer{failKeys: map[string]bool{"evt:run-1:completed": true}}
	e := events.New(fp)

	require.NotPanics(t, func() {
		e.RunCompleted(context.Background(), "sidefx.events.run-1", "run-1")
	})
	require.Len(t, fp.calls, 1)
}

func TestSideEffectSkipped_DistinctIdempotencyKeysPerReason(t *testing.T) {
	fp := &fakeProducer{}
	e := events.New(fp)
	ctx := context.Background()

	e.SideEffectSkipped(ctx, "sidefx.events.run-1", "run-1", "charge_card", "already_done")
	e.SideEffectSkipped(ctx, "sidefx.events.run-1", "run-1", "charge_card", "already_in_progress")

	require.Len(t, fp.calls, 2)
	require.NotEqual(t, fp.calls[0].idempotencyKey, fp.calls[1].idempotencyKey)
}

func TestStepStarted_IdempotencyKeyMatchesTemplate(t *testing.T) {
	fp := &fakeProducer{}
	e := events.New(fp)

	e.StepStarted(context.Background(), "sidefx.events.run-1", "run-1", "charge_card", 2)

	require.Len(t, fp.calls, 1)
	require.Equal(t, "evt:run-1:charge_card:started:a2", fp.calls[0].idempotencyKey)
}
