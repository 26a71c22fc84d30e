package kafka

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/metrics"
	"github.com/fitness360/billing-pipeline/pkg/tracing"
)

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer is an eventbus.Subscriber backed by one consumer-group reader over
// every subscribed topic. Offsets are committed only after all handlers of a
// message finished or exhausted their attempts.
type Consumer struct {
	log         *slog.Logger
	newReader   func(topics []string) Reader
	handlers    map[string][]eventbus.Handler
	maxAttempts int
	backoff     time.Duration
	metrics     *metrics.Consumer
	tracer      trace.Tracer
}

type ConsumerOption func(*Consumer)

func WithReader(f func(topics []string) Reader) ConsumerOption {
	return func(c *Consumer) { c.newReader = f }
}

func WithMaxAttempts(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.backoff = d }
}

func WithMetrics(m *metrics.Consumer) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

func NewConsumer(log *slog.Logger, brokers []string, group string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		log:      log,
		handlers: make(map[string][]eventbus.Handler),
		newReader: func(topics []string) Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:     brokers,
				GroupID:     group,
				GroupTopics: topics,
			})
		},
		maxAttempts: 5,
		backoff:     200 * time.Millisecond,
		tracer:      otel.Tracer("kafka-consumer"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Subscribe must be called before Run.
func (c *Consumer) Subscribe(topic string, h eventbus.Handler) {
	c.handlers[topic] = append(c.handlers[topic], h)
}

func (c *Consumer) Run(ctx context.Context) error {
	if len(c.handlers) == 0 {
		return errors.New("kafka consumer: no subscriptions")
	}
	topics := slices.Sorted(maps.Keys(c.handlers))
	reader := c.newReader(topics)
	defer reader.Close()

	c.log.Info("consumer started", "topics", topics)
	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("consumer stopping")
				return nil
			}
			return err
		}

		if !c.handle(ctx, km) {
			// cancelled mid-retry; leave the offset for the next owner
			return nil
		}
		if err := reader.CommitMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("commit failed", "topic", km.Topic, "partition", km.Partition, "offset", km.Offset, "err", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, km kafka.Message) bool {
	msg := fromKafka(km)

	msgCtx := tracing.ExtractHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "consume "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", km.Partition),
			attribute.Int64("messaging.kafka.offset", km.Offset),
		))
	defer span.End()

	for _, h := range c.handlers[msg.Topic] {
		if err := c.deliver(msgCtx, h, msg, km); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if ctx.Err() != nil {
				return false
			}
		}
	}
	return true
}

func (c *Consumer) deliver(ctx context.Context, h eventbus.Handler, msg eventbus.Message, km kafka.Message) error {
	for attempt := 1; ; attempt++ {
		err := h(ctx, msg)
		if err == nil {
			c.metrics.Consumed(msg.Topic, "ok")
			return nil
		}
		if errors.Is(err, eventbus.ErrPermanent) {
			c.log.Error("message dropped, not retryable",
				"topic", msg.Topic, "partition", km.Partition, "offset", km.Offset,
				"event_id", msg.EventID(), "err", err)
			c.metrics.Consumed(msg.Topic, "dropped")
			return err
		}
		if attempt >= c.maxAttempts {
			c.log.Error("message dropped after retries",
				"topic", msg.Topic, "partition", km.Partition, "offset", km.Offset,
				"event_id", msg.EventID(), "attempts", attempt, "err", err)
			c.metrics.Consumed(msg.Topic, "dropped")
			return err
		}

		c.log.Warn("handler failed, retrying", "topic", msg.Topic, "event_id", msg.EventID(), "attempt", attempt, "err", err)
		c.metrics.Consumed(msg.Topic, "retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
}
