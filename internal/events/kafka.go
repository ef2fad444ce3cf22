package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer is the slice of *kgo.Client the publisher uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaPublisher writes lifecycle events to a Kafka topic, keyed by library
// so per-library ordering holds across partitions.
type KafkaPublisher struct {
	client producer
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher connects to the given brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Value: payload,
	}
	// Sweep summaries have no library; an unkeyed record is fine there.
	if !event.LibraryID.IsZero() {
		record.Key = []byte(event.LibraryID.String())
	}
	// Fire and forget; delivery failures surface in the callback log, not
	// in the domain operation that produced the event.
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("event delivery failed",
				"type", string(event.Type),
				"library_id", event.LibraryID.String(),
				"error", err,
			)
		}
	})
	return nil
}

// Close flushes any buffered records before releasing the client, so
// events published shortly before shutdown still reach the broker.
func (p *KafkaPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	return err
}
