package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sidefxio/sidefx/internal/domain"
)

// LedgerReader is the narrow ledger surface the debug ledger readout
// depends on.
type LedgerReader interface {
	Get(ctx context.Context, effectID string) (domain.EffectRecord, error)
}

// ArtifactLister is the narrow artifact sink surface the debug artifact
// readout depends on.
type ArtifactLister interface {
	List() ([]string, error)
}

// EventHistory is the narrow audit-mirror surface the debug event-history
// readout depends on; *eventstore.Store satisfies it.
type EventHistory interface {
	ListByRun(ctx context.Context, runID string) ([]domain.RunEvent, error)
}

// DebugLedgerHandler implements GET /debug/ledger/{effect_id} (§4.7,
// non-normative): a plain JSON dump, unauthenticated — these are
// explicitly non-critical-path debug aids, not a credentialed admin surface.
func (s *Server) DebugLedgerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		effectID := chi.URLParam(r, "effect_id")
		rec, err := s.LedgerReader.Get(r.Context(), effectID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// DebugArtifactsHandler implements GET /debug/artifacts: a directory
// listing of every business key with a written artifact.
func (s *Server) DebugArtifactsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.Artifacts.List()
		if err != nil {
			writeError(w, domain.ErrInternal)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"business_keys": keys})
	}
}

// DebugDLQHandler implements GET /debug/dlq: a best-effort peek at up to 50
// DLQ records, via broker.PeekRecent rather than a consumer group so
// peeking never interferes with redelivery. The peek reads from the start
// of the topic, so these are the oldest retained records, not the newest.
func (s *Server) DebugDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.PeekDLQ == nil {
			writeJSON(w, http.StatusOK, map[string]any{"records": []string{}})
			return
		}
		raw, err := s.PeekDLQ(r.Context(), 50)
		if err != nil {
			writeError(w, domain.ErrInternal)
			return
		}
		records := make([]string, len(raw))
		for i, b := range raw {
			records[i] = string(b)
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})
	}
}

// DebugRegistryHandler reports how many runs this ingress process has
// registered, for quick local-dev visibility into the advisory registry.
func (s *Server) DebugRegistryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"runs_registered": s.Registry.Len()})
	}
}

// DebugEventsHandler implements GET /debug/events/{run_id}: the full
// recorded event timeline for a run, read from the audit mirror rather than
// a live SSE subscription, so it works even after every subscriber has
// disconnected.
func (s *Server) DebugEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.EventHistory == nil {
			writeJSON(w, http.StatusOK, map[string]any{"events": []domain.RunEvent{}})
			return
		}
		runID := chi.URLParam(r, "run_id")
		events, err := s.EventHistory.ListByRun(r.Context(), runID)
		if err != nil {
			writeError(w, domain.ErrInternal)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}
