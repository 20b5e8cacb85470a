package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// idempotencyHeader carries the caller-supplied idempotency key on every
// record, so a debug consumer can always recover it even though dedup
// itself happens before the record reaches Kafka.
const idempotencyHeader = "idempotency-key"

// Producer produces records to arbitrary topics, using the produced_keys
// table for idempotency-keyed dedup instead of Kafka transactions.
type Producer struct {
	client *kgo.Client
	dedup  *dedup
}

// NewProducer constructs a plain (non-transactional) producer. dedupPool may
// be nil, in which case every produce call is unguarded (used by tests and
// by callers that never pass an idempotency key).
func NewProducer(brokers []string, dedupPool DedupPool) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=broker.new_producer: no seed brokers provided")
	}

	tracerProvider := otel.GetTracerProvider()
	tracer := kotel.NewTracer(kotel.TracerProvider(tracerProvider))
	kotelOpt := kotel.NewKotel(kotel.WithTracer(tracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelOpt.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=broker.new_producer: %w", err)
	}

	var d *dedup
	if dedupPool != nil {
		d = newDedup(dedupPool)
	}
	return &Producer{client: client, dedup: d}, nil
}

// EnsureTopic creates topic with the given partition count if it does not
// already exist.
func (p *Producer) EnsureTopic(ctx context.Context, topic string, partitions int32) error {
	return ensureTopic(ctx, p.client, topic, partitions, 1)
}

// Produce serializes value as canonical JSON and produces it to topic. If
// idempotencyKey is non-empty and has already been produced to this topic
// (per the produced_keys table), Produce is a no-op success — this is the
// adapter's concrete realization of "the broker drops the duplicate".
func (p *Producer) Produce(ctx context.Context, topic string, value any, idempotencyKey string) error {
	if p.dedup != nil {
		won, err := p.dedup.claim(ctx, topic, idempotencyKey)
		if err != nil {
			return fmt.Errorf("op=broker.produce: %w", err)
		}
		if !won {
			slog.Info("produce deduped, idempotency key already seen",
				slog.String("topic", topic), slog.String("idempotency_key", idempotencyKey))
			return nil
		}
	}

	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("op=broker.produce.marshal: %w", err)
	}

	record := &kgo.Record{
		Topic: topic,
		Value: b,
	}
	if idempotencyKey != "" {
		record.Key = []byte(idempotencyKey)
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: idempotencyHeader, Value: []byte(idempotencyKey)})
	}

	promise := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, promise.Promise())
	if err := promise.Err(); err != nil {
		return fmt.Errorf("op=broker.produce: %w", err)
	}

	slog.Debug("produced record", slog.String("topic", topic), slog.String("idempotency_key", idempotencyKey))
	return nil
}

// Ping verifies connectivity to the broker, for the ingress /readyz check.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("op=broker.ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
