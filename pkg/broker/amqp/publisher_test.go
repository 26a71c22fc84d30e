package amqp

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/logging"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	out []published
	err error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.out = append(c.out, published{exchange, key, msg})
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestEmitRoutesByTopic(t *testing.T) {
	ch := &fakeChannel{}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := &Publisher{log: logging.Discard(), ch: ch, exchange: "billing.events", now: func() time.Time { return at }}

	msg, err := eventbus.NewMessage("payment.failure", "inv-1", map[string]string{"error": "declined"}, map[string]string{
		eventbus.HeaderEventID: "evt-1",
	})
	require.NoError(t, err)
	require.NoError(t, p.Emit(context.Background(), msg))

	require.Len(t, ch.out, 1)
	got := ch.out[0]
	assert.Equal(t, "billing.events", got.exchange)
	assert.Equal(t, "payment.failure", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "evt-1", got.msg.MessageId)
	assert.Equal(t, "payment.failure", got.msg.Type)
	assert.Equal(t, at, got.msg.Timestamp)
	assert.Equal(t, "inv-1", got.msg.Headers[HeaderKey])
	assert.Equal(t, "evt-1", got.msg.Headers[eventbus.HeaderEventID])
	assert.JSONEq(t, `{"error":"declined"}`, string(got.msg.Body))
}

func TestEmitWrapsChannelError(t *testing.T) {
	p := &Publisher{log: logging.Discard(), ch: &fakeChannel{err: amqp.ErrClosed}, exchange: "billing.events", now: time.Now}
	err := p.Emit(context.Background(), eventbus.Message{Topic: "invoice.created"})
	assert.True(t, errors.Is(err, amqp.ErrClosed))
}
