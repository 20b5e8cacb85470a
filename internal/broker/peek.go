package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// PeekRecent opens a short-lived, non-group client against topic and
// collects up to limit records, starting from the earliest retained offset
// (or until deadline elapses), without
// committing any offsets and without disturbing any consumer group's
// progress. It backs the non-critical-path debug readouts (§4.7: DLQ peek)
// — a real consumer group is the wrong tool there since peeking must never
// affect redelivery of in-flight commands.
func PeekRecent(ctx context.Context, brokers []string, topic string, limit int, deadline time.Duration) ([][]byte, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("op=broker.peek_recent.new_client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var out [][]byte
	for len(out) < limit {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		done := false
		fetches.EachRecord(func(rec *kgo.Record) {
			if len(out) >= limit {
				done = true
				return
			}
			out = append(out, rec.Value)
		})
		if done || len(fetches.Records()) == 0 {
			break
		}
	}
	return out, nil
}
