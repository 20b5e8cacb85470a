package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// DedupPool is the minimal Postgres surface the produce-dedup table needs.
type DedupPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// dedup realizes "if idempotency_key was previously seen on the same
// topic, drop the duplicate" (§4.3): an atomic unique-insert into
// produced_keys, claimed before the record is handed to the Kafka client,
// using the same idiom as the effect ledger's claim.
type dedup struct {
	pool DedupPool
}

func newDedup(pool DedupPool) *dedup { return &dedup{pool: pool} }

// claim returns true if this call is the first to see (topic, key); false if
// it has already been produced.
func (d *dedup) claim(ctx context.Context, topic, key string) (bool, error) {
	if key == "" {
		// No idempotency key: every call is a fresh, unguarded produce.
		return true, nil
	}
	q := `INSERT INTO produced_keys (topic, idempotency_key, produced_ms) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	tag, err := d.pool.Exec(ctx, q, topic, key, time.Now().UTC().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("op=broker.dedup.claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
