// Package eventbus defines the publish/subscribe contract shared by billing
// producers and downstream consumers, plus an in-process implementation.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	HeaderContentType = "content-type"
	HeaderEventID     = "event_id"
	HeaderEventType   = "event_type"
	HeaderOrigin      = "origin"
	HeaderOccurredAt  = "occurred_at"

	ContentTypeJSON = "application/json"
)

// Message is one entry appended to a topic.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Header returns the named header or "".
func (m Message) Header(k string) string {
	return m.Headers[k]
}

// EventID returns the producer-assigned event identifier, if any.
func (m Message) EventID() string {
	return m.Headers[HeaderEventID]
}

// NewMessage encodes payload as JSON. Caller headers win over the defaults.
func NewMessage(topic, key string, payload any, headers map[string]string) (Message, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	h := map[string]string{
		HeaderContentType: ContentTypeJSON,
		HeaderEventType:   topic,
	}
	for k, v := range headers {
		h[k] = v
	}
	return Message{Topic: topic, Key: key, Value: value, Headers: h}, nil
}

// Decode unmarshals the message value into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Topic, err)
	}
	return nil
}

// ErrPermanent marks a handler failure that no redelivery can fix, such as a
// payload that does not decode. Consumers drop such messages without retrying.
var ErrPermanent = errors.New("permanent failure")

// Handler reacts to one delivered message. Deliveries are at-least-once, so
// handlers must tolerate seeing the same message more than once.
type Handler func(ctx context.Context, msg Message) error

// Emitter appends messages to topics.
type Emitter interface {
	Emit(ctx context.Context, msg Message) error
}

// Subscriber registers handlers for topics.
type Subscriber interface {
	Subscribe(topic string, h Handler)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, msg Message) error

func (f EmitterFunc) Emit(ctx context.Context, msg Message) error { return f(ctx, msg) }
