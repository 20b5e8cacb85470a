// Package ledger implements the Effect Ledger: the durable keyed store that
// maps an effect id to a status record and is the sole synchronization
// primitive for the at-most-once side effect guarantee.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sidefxio/sidefx/internal/domain"
)

// Pool is a minimal subset of pgxpool used by the ledger for easy testing.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Ledger persists EffectRecords in Postgres and provides the atomic claim
// that is the exclusive-access token for the Command Handler's critical
// section.
type Ledger struct {
	pool Pool
}

// New constructs a Ledger backed by the given pool.
func New(pool Pool) *Ledger { return &Ledger{pool: pool} }

// GetStatus returns the current status and artifact ref for an effect id, or
// domain.ErrNotFound if no row exists.
func (l *Ledger) GetStatus(ctx context.Context, effectID string) (domain.EffectStatus, string, error) {
	tracer := otel.Tracer("ledger")
	ctx, span := tracer.Start(ctx, "ledger.GetStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "effect_ledger"),
	)

	q := `SELECT status, artifact_ref FROM effect_ledger WHERE effect_id = $1`
	row := l.pool.QueryRow(ctx, q, effectID)
	var status string
	var artifactRef string
	if err := row.Scan(&status, &artifactRef); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", fmt.Errorf("op=ledger.get_status: %w", domain.ErrNotFound)
		}
		return "", "", fmt.Errorf("op=ledger.get_status: %w", err)
	}
	return domain.EffectStatus(status), artifactRef, nil
}

// Claim performs the atomic unique-insert that grants exclusive right to
// perform the side effect. It returns true if this call inserted the row
// (the caller "won" the claim), false if a row already existed (the caller
// "lost" — another delivery is ahead of it at the ledger gate).
//
// claim never blocks on another caller: the INSERT either succeeds or is
// silently skipped by ON CONFLICT DO NOTHING, and RowsAffected tells the two
// cases apart.
func (l *Ledger) Claim(ctx context.Context, effectID, runID, stepID, businessKey, payloadSnapshot string) (bool, error) {
	tracer := otel.Tracer("ledger")
	ctx, span := tracer.Start(ctx, "ledger.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "effect_ledger"),
		attribute.String("effect_id", effectID),
	)

	now := time.Now().UTC().UnixMilli()
	q := `INSERT INTO effect_ledger (effect_id, run_id, step_id, business_key, status, created_ms, updated_ms, payload_snapshot)
	      VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	      ON CONFLICT (effect_id) DO NOTHING`
	tag, err := l.pool.Exec(ctx, q, effectID, runID, stepID, businessKey, string(domain.EffectInProgress), now, now, payloadSnapshot)
	if err != nil {
		slog.Error("ledger claim exec failed", slog.String("effect_id", effectID), slog.Any("error", err))
		return false, fmt.Errorf("op=ledger.claim: %w", err)
	}

	won := tag.RowsAffected() == 1
	slog.Info("ledger claim evaluated",
		slog.String("effect_id", effectID),
		slog.String("run_id", runID),
		slog.Bool("won", won),
	)
	return won, nil
}

// MarkDone unconditionally transitions an effect to done, recording the
// artifact ref. Used both on the normal completion path and on the heal
// path (§4.5 step 4).
func (l *Ledger) MarkDone(ctx context.Context, effectID, artifactRef string) error {
	tracer := otel.Tracer("ledger")
	ctx, span := tracer.Start(ctx, "ledger.MarkDone")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "effect_ledger"),
		attribute.String("effect_id", effectID),
	)

	q := `UPDATE effect_ledger SET status = $2, artifact_ref = $3, updated_ms = $4 WHERE effect_id = $1`
	tag, err := l.pool.Exec(ctx, q, effectID, string(domain.EffectDone), artifactRef, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("op=ledger.mark_done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("mark_done affected no rows", slog.String("effect_id", effectID))
	}
	return nil
}

// MarkFailed transitions an effect to failed. Per §4.5, a failed status is
// still treated as "don't re-act" by the handler; the scheduler's DLQ record
// is the terminal artifact of a permanently failed effect.
func (l *Ledger) MarkFailed(ctx context.Context, effectID, reason string) error {
	tracer := otel.Tracer("ledger")
	ctx, span := tracer.Start(ctx, "ledger.MarkFailed")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "effect_ledger"),
		attribute.String("effect_id", effectID),
	)

	q := `UPDATE effect_ledger SET status = $2, updated_ms = $3 WHERE effect_id = $1`
	_, err := l.pool.Exec(ctx, q, effectID, string(domain.EffectFailed), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("op=ledger.mark_failed: %w", err)
	}
	slog.Info("ledger marked failed", slog.String("effect_id", effectID), slog.String("reason", reason))
	return nil
}

// StuckInProgress returns effect ids whose status is still in_progress and
// whose updated_ms is older than olderThan. Used only by the operational
// sweeper, for visibility; it never mutates these rows, since only the heal
// path in the Command Handler may transition in_progress to done.
func (l *Ledger) StuckInProgress(ctx context.Context, olderThan time.Duration) ([]domain.EffectRecord, error) {
	tracer := otel.Tracer("ledger")
	ctx, span := tracer.Start(ctx, "ledger.StuckInProgress")
	defer span.End()

	cutoff := time.Now().Add(-olderThan).UTC().UnixMilli()
	q := `SELECT effect_id, run_id, step_id, business_key, status, artifact_ref, created_ms, updated_ms
	      FROM effect_ledger WHERE status = $1 AND updated_ms < $2`
	rows, err := l.pool.Query(ctx, q, string(domain.EffectInProgress), cutoff)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.stuck_in_progress: %w", err)
	}
	defer rows.Close()

	var out []domain.EffectRecord
	for rows.Next() {
		var r domain.EffectRecord
		var status string
		if err := rows.Scan(&r.EffectID, &r.RunID, &r.StepID, &r.BusinessKey, &status, &r.ArtifactRef, &r.CreatedMs, &r.UpdatedMs); err != nil {
			return nil, fmt.Errorf("op=ledger.stuck_in_progress_scan: %w", err)
		}
		r.Status = domain.EffectStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ledger.stuck_in_progress_rows: %w", err)
	}
	return out, nil
}

// Get loads the full EffectRecord for an effect id, used by the debug ledger
// readout.
func (l *Ledger) Get(ctx context.Context, effectID string) (domain.EffectRecord, error) {
	tracer := otel.Tracer("ledger")
	ctx, span := tracer.Start(ctx, "ledger.Get")
	defer span.End()

	q := `SELECT effect_id, run_id, step_id, business_key, status, artifact_ref, created_ms, updated_ms, payload_snapshot
	      FROM effect_ledger WHERE effect_id = $1`
	row := l.pool.QueryRow(ctx, q, effectID)
	var r domain.EffectRecord
	var status string
	if err := row.Scan(&r.EffectID, &r.RunID, &r.StepID, &r.BusinessKey, &status, &r.ArtifactRef, &r.CreatedMs, &r.UpdatedMs, &r.PayloadSnapshot); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EffectRecord{}, fmt.Errorf("op=ledger.get: %w", domain.ErrNotFound)
		}
		return domain.EffectRecord{}, fmt.Errorf("op=ledger.get: %w", err)
	}
	r.Status = domain.EffectStatus(status)
	return r, nil
}
