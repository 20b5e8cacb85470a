package httpapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sidefxio/sidefx/internal/broker"
	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/httpapi"
)

type fakeEventsConsumer struct {
	deliveries chan broker.Delivery
	closed     bool
}

func (f *fakeEventsConsumer) ConsumeStream(context.Context) <-chan broker.Delivery { return f.deliveries }
func (f *fakeEventsConsumer) Close()                                              { f.closed = true }

func TestStreamEventsHandler_UnknownRun(t *testing.T) {
	srv := &httpapi.Server{Registry: &fakeRegistry{runs: map[string]domain.RunMeta{}}}
	req := withURLParam(httptest.NewRequest(http.MethodGet, "/runs/missing/events", nil), "id", "missing")
	rec := httptest.NewRecorder()

	srv.StreamEventsHandler()(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEventsHandler_RelaysEvents(t *testing.T) {
	consumer := &fakeEventsConsumer{deliveries: make(chan broker.Delivery, 1)}
	consumer.deliveries <- broker.Delivery{Value: []byte(`{"type":"run.created","run_id":"run-1"}`)}
	close(consumer.deliveries)

	srv := &httpapi.Server{
		Registry: &fakeRegistry{runs: map[string]domain.RunMeta{
			"run-1": {RunID: "run-1", EventsTopic: "sidefx.events.run-1"},
		}},
		NewConsumer: func(context.Context, string, string) (httpapi.EventsConsumer, error) {
			return consumer, nil
		},
	}

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/runs/run-1/events", nil), "id", "run-1")
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	srv.StreamEventsHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "event: run.created")
	require.True(t, consumer.closed)
}

func TestStreamEventsHandler_ConsumerInitFailure(t *testing.T) {
	srv := &httpapi.Server{
		Registry: &fakeRegistry{runs: map[string]domain.RunMeta{
			"run-1": {RunID: "run-1", EventsTopic: "sidefx.events.run-1"},
		}},
		NewConsumer: func(context.Context, string, string) (httpapi.EventsConsumer, error) {
			return nil, require.AnError
		},
	}

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/runs/run-1/events", nil), "id", "run-1")
	rec := httptest.NewRecorder()

	srv.StreamEventsHandler()(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
