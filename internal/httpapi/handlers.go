package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sidefxio/sidefx/internal/broker"
	"github.com/sidefxio/sidefx/internal/domain"
	"github.com/sidefxio/sidefx/internal/orchestrator"
)

// RunCreator is the narrow orchestrator surface CreateRunHandler depends on.
type RunCreator interface {
	CreateRun(ctx context.Context, in orchestrator.CreateRunInput) (orchestrator.CreateRunResult, error)
}

// RunLookup is the narrow registry surface the SSE and debug handlers
// depend on.
type RunLookup interface {
	Get(runID string) (domain.RunMeta, error)
	Len() int
}

// EventsConsumer is the narrow broker.Consumer surface the SSE handler
// depends on; *broker.Consumer satisfies it directly.
type EventsConsumer interface {
	ConsumeStream(ctx context.Context) <-chan broker.Delivery
	Close()
}

// EventsConsumerFactory constructs a fresh, scoped consumer for one SSE
// subscription under the given consumer group.
type EventsConsumerFactory func(ctx context.Context, topic, groupID string) (EventsConsumer, error)

// Server aggregates the dependencies every handler in this package needs.
type Server struct {
	Orchestrator RunCreator
	Registry     RunLookup
	NewConsumer  EventsConsumerFactory

	LedgerReader LedgerReader
	Artifacts    ArtifactLister
	EventHistory EventHistory
	PeekDLQ      func(ctx context.Context, limit int) ([][]byte, error)
	DBCheck      func(ctx context.Context) error
	BrokerCheck  func(ctx context.Context) error
}

// CreateRunHandler implements POST /runs (§6).
func (s *Server) CreateRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.ErrInvalidArgument)
			return
		}
		if err := req.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		res, err := s.Orchestrator.CreateRun(r.Context(), orchestrator.CreateRunInput{
			BusinessKey:       req.BusinessKey,
			Amount:            req.Amount,
			FailBeforeEffectN: req.FailBeforeEffectN,
			FailMode:          domain.FailMode(req.FailMode),
			MaxAttempts:       req.MaxAttempts,
		})
		if err != nil {
			LoggerFrom(r).Error("create run failed", "error", err)
			writeError(w, domain.ErrInternal)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"run_id":       res.RunID,
			"events_topic": res.EventsTopic,
		})
	}
}

// runIDParam reads the {id} chi URL param shared by the run-scoped routes.
func runIDParam(r *http.Request) string {
	return chi.URLParam(r, "id")
}
