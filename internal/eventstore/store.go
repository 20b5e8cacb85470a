// Package eventstore implements the audit mirror of the per-run events
// topic: every event the Event Emitter publishes is also durably recorded
// in run_registry_events, so the debug readouts (§4.7) can answer
// "what happened on this run" without needing a live Kafka consumer group
// or relying on topic retention.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sidefxio/sidefx/internal/domain"
)

// Pool is the minimal Postgres surface the store needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store persists and replays run events against run_registry_events.
type Store struct {
	pool Pool
}

// New constructs a Store backed by pool.
func New(pool Pool) *Store { return &Store{pool: pool} }

// Record appends one event row. Called by the Event Emitter as a best-effort
// side channel: a failure here is logged and swallowed by the caller, never
// surfaced as a control-flow error (§4.4).
func (s *Store) Record(ctx context.Context, runID, eventType string, tsMs int64, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=eventstore.record.marshal: %w", err)
	}
	q := `INSERT INTO run_registry_events (run_id, event_type, ts_ms, payload) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, runID, eventType, tsMs, b); err != nil {
		return fmt.Errorf("op=eventstore.record: %w", err)
	}
	return nil
}

// ListByRun returns every mirrored event for runID in emission order, for
// the GET /debug/events/{run_id} readout.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]domain.RunEvent, error) {
	q := `SELECT event_type, ts_ms, payload FROM run_registry_events WHERE run_id = $1 ORDER BY id ASC`
	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("op=eventstore.list_by_run: %w", err)
	}
	defer rows.Close()

	var out []domain.RunEvent
	for rows.Next() {
		var eventType string
		var tsMs int64
		var payload []byte
		if err := rows.Scan(&eventType, &tsMs, &payload); err != nil {
			return nil, fmt.Errorf("op=eventstore.list_by_run_scan: %w", err)
		}
		var p map[string]any
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("op=eventstore.list_by_run_unmarshal: %w", err)
			}
		}
		out = append(out, domain.RunEvent{
			Ts:      time.UnixMilli(tsMs).UTC(),
			Type:    eventType,
			RunID:   runID,
			Payload: p,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=eventstore.list_by_run_rows: %w", err)
	}
	return out, nil
}
