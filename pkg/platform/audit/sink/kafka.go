// Package sink provides best-effort audit event destinations. The engine's
// source of truth is the audit store; sinks feed external consumers.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	audit "shuttle/pkg/platform/audit"
)

// Kafka produces audit events to a topic. Delivery is asynchronous and
// fire-and-forget: a broker outage must never block or fail a transfer.
type Kafka struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func NewKafka(brokers []string, topic string, logger *slog.Logger) (*Kafka, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{client: client, topic: topic, logger: logger}, nil
}

func (k *Kafka) Send(ctx context.Context, event audit.Event) {
	value, err := json.Marshal(event)
	if err != nil {
		k.logger.Error("marshal audit event for kafka", "action", event.Action, "error", err)
		return
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(event.ObjectID),
		Value: value,
	}
	k.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			k.logger.Warn("produce audit event", "action", event.Action, "error", err)
		}
	})
}

// Close flushes outstanding produces and releases the client.
func (k *Kafka) Close() {
	k.client.Close()
}
