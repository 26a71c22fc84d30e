package outbox

import (
	"context"
	"fmt"

	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/tracing"
)

type Appender interface {
	Append(ctx context.Context, e Event) error
}

// Recorder is an eventbus.Emitter that stores messages for the Relay instead
// of sending them. The caller's trace context is captured at record time.
type Recorder struct {
	store Appender
}

func NewRecorder(store Appender) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Emit(ctx context.Context, msg eventbus.Message) error {
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers = tracing.InjectHeaders(ctx, headers)

	e := Event{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Payload: msg.Value,
		Headers: headers,
		Status:  StatusPending,
	}
	if err := r.store.Append(ctx, e); err != nil {
		return fmt.Errorf("outbox append %s: %w", msg.Topic, err)
	}
	return nil
}
