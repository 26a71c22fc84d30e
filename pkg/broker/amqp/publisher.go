// Package amqp publishes billing events to a RabbitMQ topic exchange. The
// routing key is the event topic, so queues bind with patterns such as
// "payment.*".
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/tracing"
)

const HeaderKey = "message_key"

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	log      *slog.Logger
	conn     *amqp.Connection
	ch       channel
	exchange string
	now      func() time.Time
}

// Dial connects and declares the durable topic exchange.
func Dial(log *slog.Logger, url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{log: log, conn: conn, ch: ch, exchange: exchange, now: time.Now}, nil
}

func (p *Publisher) Emit(ctx context.Context, msg eventbus.Message) error {
	hs := make(map[string]string, len(msg.Headers)+2)
	maps.Copy(hs, msg.Headers)
	hs = tracing.InjectHeaders(ctx, hs)
	if msg.Key != "" {
		hs[HeaderKey] = msg.Key
	}
	headers := make(amqp.Table, len(hs))
	for k, v := range hs {
		headers[k] = v
	}

	contentType := msg.Header(eventbus.HeaderContentType)
	if contentType == "" {
		contentType = eventbus.ContentTypeJSON
	}

	err := p.ch.PublishWithContext(ctx, p.exchange, msg.Topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  contentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.EventID(),
			Type:         msg.Topic,
			Timestamp:    p.now(),
			Headers:      headers,
			Body:         msg.Value,
		})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Topic, err)
	}
	p.log.Debug("amqp message published", "exchange", p.exchange, "routing_key", msg.Topic, "event_id", msg.EventID())
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
