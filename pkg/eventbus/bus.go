package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("eventbus: closed")

type delivery struct {
	ctx context.Context
	msg Message
}

type subscription struct {
	topic   string
	handler Handler
	ch      chan delivery
}

// Bus is an in-process Emitter and Subscriber. Every subscription owns a
// buffered channel drained by its own goroutine, so a slow handler only
// delays its own topic and never the emitter beyond a full buffer.
type Bus struct {
	log    *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
	wg     sync.WaitGroup
}

func NewBus(log *slog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		log:    log,
		buffer: buffer,
		subs:   make(map[string][]*subscription),
	}
}

func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscription{topic: topic, handler: h, ch: make(chan delivery, b.buffer)}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.run(sub)
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.ch {
		if err := sub.handler(d.ctx, d.msg); err != nil {
			b.log.Error("eventbus handler failed", "topic", sub.topic, "event_id", d.msg.EventID(), "err", err)
		}
	}
}

// Emit fans msg out to every subscriber of its topic. It blocks only while a
// subscriber buffer is full, and gives up when ctx is done.
func (b *Bus) Emit(ctx context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	hctx := context.WithoutCancel(ctx)
	for _, sub := range b.subs[msg.Topic] {
		select {
		case sub.ch <- delivery{ctx: hctx, msg: msg}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting messages and waits for queued deliveries to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}
