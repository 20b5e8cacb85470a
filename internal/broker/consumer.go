package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// Delivery is one leased message handed to a consumer of ConsumeStream.
// Ack releases the lease; calling it more than once is a no-op.
type Delivery struct {
	Topic     string
	Partition int32
	Offset    int64
	Value     []byte

	ack func()
}

// Ack commits the delivery's offset and cancels its lease timer. A
// lease-lost ack error (the consumer group rebalanced this partition away)
// is logged and swallowed, per §7 — the redelivery that follows is absorbed
// by the Command Handler's status probe or heal path.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Consumer wraps a franz-go consumer group client with manual offset
// management (no AutoCommitMarks) and a per-delivery lease timer: a
// delivery that is not acked within leaseDuration is rewound so the next
// poll redelivers it, exactly mirroring "if not acked within the lease, the
// broker redelivers" from the broker adapter's assumed capabilities.
type Consumer struct {
	client        *kgo.Client
	leaseDuration time.Duration
	owner         string

	mu      sync.Mutex
	pending map[partitionOffset]*time.Timer
}

type partitionOffset struct {
	topic     string
	partition int32
	offset    int64
}

// NewConsumer constructs a Consumer subscribed to topics under groupID.
// owner is kept on the Consumer as its identity (defaults to host name by
// convention at the call site); it is not passed to the broker client and
// no log line includes it.
func NewConsumer(brokers []string, groupID, owner string, topics []string, leaseDuration time.Duration) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=broker.new_consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=broker.new_consumer: group id required")
	}

	tracerProvider := otel.GetTracerProvider()
	tracer := kotel.NewTracer(kotel.TracerProvider(tracerProvider))
	kotelOpt := kotel.NewKotel(kotel.WithTracer(tracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kotelOpt.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=broker.new_consumer: %w", err)
	}

	return &Consumer{
		client:        client,
		leaseDuration: leaseDuration,
		owner:         owner,
		pending:       make(map[partitionOffset]*time.Timer),
	}, nil
}

// EnsureTopic creates topic with the given partition count if it does not
// already exist.
func (c *Consumer) EnsureTopic(ctx context.Context, topic string, partitions int32) error {
	return ensureTopic(ctx, c.client, topic, partitions, 1)
}

// deliveryBuffer is the capacity of the channel ConsumeStream returns, so
// that len() on it reports the backlog the worker pool scales on.
const deliveryBuffer = 64

// ConsumeStream returns a buffered channel of leased deliveries. It
// reconnects on fetch errors and stops when ctx is canceled. The
// lazy-sequence / reconnect-on-close behavior mirrors the broker adapter's
// assumed consume_stream capability.
func (c *Consumer) ConsumeStream(ctx context.Context) <-chan Delivery {
	out := make(chan Delivery, deliveryBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			fetches := c.client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				slog.Warn("fetch error, will retry on next poll",
					slog.String("topic", topic), slog.Int("partition", int(partition)), slog.Any("error", err))
			})

			fetches.EachRecord(func(rec *kgo.Record) {
				key := partitionOffset{topic: rec.Topic, partition: rec.Partition, offset: rec.Offset}
				d := Delivery{
					Topic:     rec.Topic,
					Partition: rec.Partition,
					Offset:    rec.Offset,
					Value:     rec.Value,
				}

				var once sync.Once
				timer := time.AfterFunc(c.leaseDuration, func() {
					c.leaseExpired(key)
				})
				c.mu.Lock()
				c.pending[key] = timer
				c.mu.Unlock()

				d.ack = func() {
					once.Do(func() {
						c.mu.Lock()
						if t, ok := c.pending[key]; ok {
							t.Stop()
							delete(c.pending, key)
						}
						c.mu.Unlock()

						if err := c.client.CommitRecords(ctx, rec); err != nil {
							slog.Warn("ack: commit failed, treating as lease lost (non-fatal)",
								slog.String("topic", rec.Topic), slog.Int64("offset", rec.Offset), slog.Any("error", err))
						}
					})
				}

				select {
				case out <- d:
				case <-ctx.Done():
				}
			})
		}
	}()
	return out
}

// leaseExpired rewinds the consumer's view of the partition back to the
// unacked offset so the next poll redelivers it, the concrete redelivery
// mechanism behind the broker's lease semantics.
func (c *Consumer) leaseExpired(key partitionOffset) {
	c.mu.Lock()
	_, stillPending := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !stillPending {
		return
	}

	slog.Warn("lease expired without ack, rewinding for redelivery",
		slog.String("topic", key.topic), slog.Int("partition", int(key.partition)), slog.Int64("offset", key.offset))

	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		key.topic: {
			key.partition: {Epoch: -1, Offset: key.offset},
		},
	})
}

// Close releases the underlying client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
