package outbox

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/logging"
)

type fakeStore struct {
	mu       sync.Mutex
	pending  []Event
	leased   map[int64]Event
	nextID   int64
	sent     []int64
	failed   map[int64]string
	released []int64
	extended [][]int64
}

// requeue puts leased events back in id order.
func (s *fakeStore) requeue(ids ...int64) {
	for _, id := range ids {
		e, ok := s.leased[id]
		if !ok {
			continue
		}
		delete(s.leased, id)
		s.pending = append(s.pending, e)
	}
	slices.SortFunc(s.pending, func(a, b Event) int { return cmp.Compare(a.ID, b.ID) })
}

func (s *fakeStore) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	s.pending = append(s.pending, e)
	return nil
}

func (s *fakeStore) LockBatch(_ context.Context, _ string, n int, _ time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := slices.Clone(s.pending[:n])
	s.pending = s.pending[n:]
	if s.leased == nil {
		s.leased = map[int64]Event{}
	}
	for _, e := range batch {
		s.leased[e.ID] = e
	}
	return batch, nil
}

func (s *fakeStore) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ids...)
	for _, id := range ids {
		delete(s.leased, id)
	}
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = map[int64]string{}
	}
	s.failed[id] = msg
	s.requeue(id)
	return nil
}

func (s *fakeStore) Release(_ context.Context, _ string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, ids...)
	s.requeue(ids...)
	return nil
}

func (s *fakeStore) ExtendLease(_ context.Context, _ string, ids []int64, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extended = append(s.extended, ids)
	return nil
}

type captureEmitter struct {
	mu       sync.Mutex
	msgs     []eventbus.Message
	fail     map[string]bool
	failNext int
}

func (c *captureEmitter) Emit(_ context.Context, m eventbus.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[m.Topic] {
		return errors.New("broker unavailable")
	}
	if c.failNext > 0 {
		c.failNext--
		return errors.New("leader not available")
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func TestRecorderThenFlushDeliversInOrder(t *testing.T) {
	store := &fakeStore{}
	rec := NewRecorder(store)
	ctx := context.Background()

	for _, topic := range []string{"payment.created", "payment.success"} {
		m, err := eventbus.NewMessage(topic, "inv-1", map[string]string{"invoiceId": "inv-1"}, map[string]string{
			eventbus.HeaderEventID: topic + "-id",
		})
		require.NoError(t, err)
		require.NoError(t, rec.Emit(ctx, m))
	}

	em := &captureEmitter{}
	relay := NewRelay(logging.Discard(), store, NewDispatcher(logging.Discard(), em), "r1")

	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, store.sent)

	require.Len(t, em.msgs, 2)
	assert.Equal(t, "payment.created", em.msgs[0].Topic)
	assert.Equal(t, "payment.success", em.msgs[1].Topic)
	assert.Equal(t, "inv-1", em.msgs[1].Key)
	assert.Equal(t, "payment.success-id", em.msgs[1].EventID())
	assert.JSONEq(t, `{"invoiceId":"inv-1"}`, string(em.msgs[1].Value))
}

func TestFlushMarksFailedAndContinues(t *testing.T) {
	store := &fakeStore{}
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, Event{Topic: "invoice.created", Key: "a"}))
	require.NoError(t, store.Append(ctx, Event{Topic: "payment.failure", Key: "b"}))

	em := &captureEmitter{fail: map[string]bool{"invoice.created": true}}
	relay := NewRelay(logging.Discard(), store, NewDispatcher(logging.Discard(), em), "r1")

	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{2}, store.sent)
	assert.Equal(t, "broker unavailable", store.failed[1])
}

func TestFlushKeepsKeyOrderAcrossFailedDispatch(t *testing.T) {
	store := &fakeStore{}
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, Event{Topic: "payment.failure", Key: "inv-1", Payload: []byte(`{"attempt":1}`)}))
	require.NoError(t, store.Append(ctx, Event{Topic: "payment.failure", Key: "inv-1", Payload: []byte(`{"attempt":2}`)}))
	require.NoError(t, store.Append(ctx, Event{Topic: "invoice.created", Key: "inv-2", Payload: []byte(`{}`)}))

	em := &captureEmitter{failNext: 1}
	relay := NewRelay(logging.Discard(), store, NewDispatcher(logging.Discard(), em), "r1")

	n, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the unrelated key goes through")
	assert.Equal(t, []int64{2}, store.released)
	assert.Equal(t, []int64{3}, store.sent)

	n, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var payloads []string
	for _, m := range em.msgs {
		if m.Key == "inv-1" {
			payloads = append(payloads, string(m.Value))
		}
	}
	assert.Equal(t, []string{`{"attempt":1}`, `{"attempt":2}`}, payloads)
}

func TestFlushEmptyBatch(t *testing.T) {
	relay := NewRelay(logging.Discard(), &fakeStore{}, NewDispatcher(logging.Discard(), &captureEmitter{}), "r1")
	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlushExtendsLeaseOnSlowBatch(t *testing.T) {
	store := &fakeStore{}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, Event{Topic: "invoice.created"}))
	}

	relay := NewRelay(logging.Discard(), store, NewDispatcher(logging.Discard(), &captureEmitter{}), "r1",
		WithLease(10*time.Second))
	clock := time.Unix(0, 0)
	relay.now = func() time.Time {
		clock = clock.Add(4 * time.Second)
		return clock
	}

	_, err := relay.Flush(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, store.extended)
	assert.Equal(t, []int64{2, 3}, store.extended[0])
}

func TestRunStopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	em := &captureEmitter{}
	require.NoError(t, NewRecorder(store).Emit(context.Background(), eventbus.Message{Topic: "invoice.created"}))

	relay := NewRelay(logging.Discard(), store, NewDispatcher(logging.Discard(), em), "r1",
		WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.sent) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
