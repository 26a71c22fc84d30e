// Package kafka adapts segmentio/kafka-go to the eventbus contracts.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/tracing"
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is an eventbus.Emitter. Messages are partitioned by key so every
// event of one invoice lands on the same partition in publish order.
type Producer struct {
	log *slog.Logger
	w   writer
}

func NewProducer(log *slog.Logger, brokers []string) *Producer {
	return &Producer{
		log: log,
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *Producer) Emit(ctx context.Context, msg eventbus.Message) error {
	headers := make(map[string]string, len(msg.Headers)+1)
	maps.Copy(headers, msg.Headers)
	headers = tracing.InjectHeaders(ctx, headers)

	km := kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: toKafkaHeaders(headers),
	}
	if err := p.w.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Topic, err)
	}
	p.log.Debug("kafka message written", "topic", msg.Topic, "key", msg.Key, "event_id", msg.EventID())
	return nil
}

func (p *Producer) Close() error {
	return p.w.Close()
}

func toKafkaHeaders(h map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(h))
	for _, k := range slices.Sorted(maps.Keys(h)) {
		out = append(out, kafka.Header{Key: k, Value: []byte(h[k])})
	}
	return out
}

func fromKafka(m kafka.Message) eventbus.Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}
	return eventbus.Message{
		Topic:   m.Topic,
		Key:     string(m.Key),
		Value:   m.Value,
		Headers: headers,
	}
}
