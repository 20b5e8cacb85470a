package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sidefxio/sidefx/internal/domain"
)

// defaultInactivityTimeout disconnects an SSE subscriber that receives
// nothing for this long, per §4.7's "inactivity timeout".
const defaultInactivityTimeout = 5 * time.Minute

// StreamEventsHandler implements GET /runs/{id}/events (§4.7): it looks the
// run up in the Run Registry (404 if unknown, since the registry is
// advisory per §9), then relays the run's events topic as Server-Sent
// Events until the client disconnects or goes inactive.
func (s *Server) StreamEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := runIDParam(r)
		meta, err := s.Registry.Get(runID)
		if err != nil {
			writeError(w, domain.ErrNotFound)
			return
		}

		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			clientID = newULID()
		}
		groupID := fmt.Sprintf("events-%s-%s", runID, clientID)

		consumer, err := s.NewConsumer(r.Context(), meta.EventsTopic, groupID)
		if err != nil {
			LoggerFrom(r).Error("sse: consumer init failed", "run_id", runID, "error", err)
			writeError(w, domain.ErrInternal)
			return
		}
		defer consumer.Close()

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, domain.ErrInternal)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := r.Context()
		deliveries := consumer.ConsumeStream(ctx)

		timeout := defaultInactivityTimeout
		idle := time.NewTimer(timeout)
		defer idle.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
				LoggerFrom(r).Info("sse: inactivity timeout, disconnecting", "run_id", runID, "client_id", clientID)
				return
			case d, more := <-deliveries:
				if !more {
					return
				}
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(timeout)

				var ev domain.RunEvent
				if err := json.Unmarshal(d.Value, &ev); err != nil {
					// Poison event on the debug mirror path: skip, don't
					// abort the whole stream over one malformed record.
					d.Ack()
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, d.Value)
				flusher.Flush()
				d.Ack()
			}
		}
	}
}
