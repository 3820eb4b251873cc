package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-bidding/internal/models"
)

// KafkaProducer publishes every committed negotiation transition to the
// bid-events topic, keyed by ride id so one ride's history stays ordered
// within a partition. Downstream consumers project dashboards and audits
// from this stream.
type KafkaProducer struct {
	writer *kafka.Writer
	log    *slog.Logger
}

func NewKafkaProducer(brokers []string, topic string, log *slog.Logger) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, log: log}
}

// OnStateChange satisfies the engine's notifier contract. Publish failures
// are logged, never surfaced: the ledger committed already and the stream
// is a projection, not the source of truth.
func (k *KafkaProducer) OnStateChange(ctx context.Context, ev models.BidEvent) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		k.log.Error("cannot marshal bid event", "error", err)
		return
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b}); err != nil {
		k.log.Error("cannot publish bid event", "ride_id", ev.RideID, "kind", ev.Kind, "error", err)
	}
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
