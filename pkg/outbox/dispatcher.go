package outbox

import (
	"context"
	"log/slog"

	"github.com/fitness360/billing-pipeline/pkg/eventbus"
)

// Dispatcher hands stored events to the real broker.
type Dispatcher struct {
	log     *slog.Logger
	emitter eventbus.Emitter
}

func NewDispatcher(log *slog.Logger, emitter eventbus.Emitter) *Dispatcher {
	return &Dispatcher{log: log, emitter: emitter}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	msg := eventbus.Message{
		Topic:   event.Topic,
		Key:     event.Key,
		Value:   event.Payload,
		Headers: event.Headers,
	}
	if err := d.emitter.Emit(ctx, msg); err != nil {
		d.log.Error("outbox dispatch failed", "outbox_id", event.ID, "topic", event.Topic, "err", err)
		return err
	}
	d.log.Debug("outbox dispatched", "outbox_id", event.ID, "topic", event.Topic, "event_id", msg.EventID())
	return nil
}
