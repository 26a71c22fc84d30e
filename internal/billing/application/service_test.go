package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitness360/billing-pipeline/internal/billing/domain"
	"github.com/fitness360/billing-pipeline/internal/billing/infrastructure/memory"
	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/logging"
	"github.com/fitness360/billing-pipeline/pkg/metrics"
)

type recorder struct {
	mu   sync.Mutex
	msgs []eventbus.Message
	err  error
}

func (r *recorder) Emit(_ context.Context, m eventbus.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Topic
	}
	return out
}

func (r *recorder) on(topic string) []eventbus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Message
	for _, m := range r.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type stubGateway struct {
	mu    sync.Mutex
	calls []ChargeRequest
	fn    func(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

func (g *stubGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
	return g.fn(ctx, req)
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func approve(tx string) func(context.Context, ChargeRequest) (ChargeResult, error) {
	return func(context.Context, ChargeRequest) (ChargeResult, error) {
		return ChargeResult{TransactionID: tx}, nil
	}
}

func decline(msg string) func(context.Context, ChargeRequest) (ChargeResult, error) {
	return func(context.Context, ChargeRequest) (ChargeResult, error) {
		return ChargeResult{}, errors.New(msg)
	}
}

type fixture struct {
	svc     *Service
	gateway *stubGateway
	events  *recorder
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	if store == nil {
		store = memory.NewStore()
	}
	f := &fixture{
		gateway: &stubGateway{fn: approve("tx_123")},
		events:  &recorder{},
	}
	f.svc = NewService(logging.Discard(), store, f.gateway, f.events,
		metrics.NewBilling(prometheus.NewRegistry()), Config{Currency: "brl"})

	var mu sync.Mutex
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	seq := 0
	f.svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	f.svc.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("id-%03d", seq)
	}
	return f
}

func (f *fixture) invoice(t *testing.T) domain.Invoice {
	t.Helper()
	inv, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{
		TenantID:    "t1",
		MemberID:    "m1",
		Description: "Monthly fee",
		Amount:      decimal.RequireFromString("99.90"),
		DueDate:     time.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) details(t *testing.T, id string) InvoiceDetails {
	t.Helper()
	d, err := f.svc.Invoice(context.Background(), id)
	require.NoError(t, err)
	return d
}

// paid invoices always have a completed payment behind them
func assertPaidHasCompleted(t *testing.T, d InvoiceDetails) {
	t.Helper()
	if d.Invoice.Status != domain.InvoicePaid {
		return
	}
	for _, p := range d.Payments {
		if p.Status == domain.PaymentCompleted {
			return
		}
	}
	t.Fatalf("invoice %s is PAID without a COMPLETED payment", d.Invoice.ID)
}

type paymentPayload struct {
	EventID       string `json:"eventId"`
	PaymentID     string `json:"paymentId"`
	InvoiceID     string `json:"invoiceId"`
	MemberID      string `json:"memberId"`
	TenantID      string `json:"tenantId"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transactionId"`
	Error         string `json:"error"`
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	inv := f.invoice(t)
	assert.Equal(t, domain.InvoicePending, inv.Status)

	p, err := f.svc.ProcessPayment(ctx, inv.ID, decimal.RequireFromString("99.90"), domain.MethodCreditCard, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	assert.Equal(t, "tx_123", p.TransactionID)

	d := f.details(t, inv.ID)
	assert.Equal(t, domain.InvoicePaid, d.Invoice.Status)
	require.Len(t, d.Payments, 1)
	assert.Equal(t, domain.PaymentCompleted, d.Payments[0].Status)
	assert.Equal(t, "tx_123", d.Payments[0].TransactionID)
	assertPaidHasCompleted(t, d)

	require.Len(t, f.gateway.calls, 1)
	req := f.gateway.calls[0]
	assert.True(t, req.Amount.Equal(decimal.RequireFromString("99.90")))
	assert.Equal(t, "brl", req.Currency)
	assert.Equal(t, domain.MethodCreditCard, req.Method)
	assert.Equal(t, p.ID, req.PaymentID)

	assert.Equal(t, []string{
		domain.TopicInvoiceCreated,
		domain.TopicPaymentCreated,
		domain.TopicPaymentSuccess,
	}, f.events.topics())

	success := f.events.on(domain.TopicPaymentSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, inv.ID, success[0].Key)
	assert.Equal(t, "billing-service", success[0].Header(eventbus.HeaderOrigin))
	assert.Equal(t, eventbus.ContentTypeJSON, success[0].Header(eventbus.HeaderContentType))

	var body paymentPayload
	require.NoError(t, success[0].Decode(&body))
	assert.Equal(t, p.ID, body.PaymentID)
	assert.Equal(t, inv.ID, body.InvoiceID)
	assert.Equal(t, "m1", body.MemberID)
	assert.Equal(t, "t1", body.TenantID)
	assert.Equal(t, "tx_123", body.TransactionID)
	assert.Equal(t, success[0].EventID(), body.EventID)
}

func TestGatewayDecline(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.fn = decline("card declined")
	inv := f.invoice(t)

	p, err := f.svc.ProcessPayment(context.Background(), inv.ID, inv.Amount, domain.MethodCreditCard, "t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPaymentProcessingFailed)
	assert.Equal(t, domain.PaymentFailed, p.Status)
	assert.Contains(t, p.FailureReason, "card declined")
	assert.Empty(t, p.TransactionID)

	d := f.details(t, inv.ID)
	assert.Equal(t, domain.InvoiceFailed, d.Invoice.Status)
	require.Len(t, d.Payments, 1)
	assert.Equal(t, domain.PaymentFailed, d.Payments[0].Status)

	assert.Empty(t, f.events.on(domain.TopicPaymentSuccess))
	failure := f.events.on(domain.TopicPaymentFailure)
	require.Len(t, failure, 1)
	var body paymentPayload
	require.NoError(t, failure[0].Decode(&body))
	assert.NotEmpty(t, body.Error)
	assert.Equal(t, p.ID, body.PaymentID)
	assert.Equal(t, "m1", body.MemberID)
}

func TestDoublePaymentRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inv := f.invoice(t)

	_, err := f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodPix, "t1")
	require.NoError(t, err)

	_, err = f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodPix, "t1")
	assert.ErrorIs(t, err, domain.ErrAlreadyPaid)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	assert.Len(t, f.details(t, inv.ID).Payments, 1)
	assert.Equal(t, 1, f.gateway.callCount())
	assert.Len(t, f.events.on(domain.TopicPaymentSuccess), 1)
}

func TestCancelledInvoiceRejectsPayment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inv := f.invoice(t)

	cancelled, err := f.svc.CancelInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceCancelled, cancelled.Status)
	require.Len(t, f.events.on(domain.TopicInvoiceCancelled), 1)
	assert.Equal(t, inv.ID, f.events.on(domain.TopicInvoiceCancelled)[0].Key)

	_, err = f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodBoleto, "t1")
	assert.ErrorIs(t, err, domain.ErrInvoiceCancelled)
	assert.Empty(t, f.details(t, inv.ID).Payments)
	assert.Zero(t, f.gateway.callCount())

	_, err = f.svc.CancelInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, domain.ErrInvoiceCancelled)
	assert.Len(t, f.events.on(domain.TopicInvoiceCancelled), 1)
}

func TestCancelPaidInvoiceRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inv := f.invoice(t)
	_, err := f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodDebitCard, "t1")
	require.NoError(t, err)

	_, err = f.svc.CancelInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, domain.ErrCannotCancelPaidInvoice)
	assert.Equal(t, domain.InvoicePaid, f.details(t, inv.ID).Invoice.Status)
	assert.Empty(t, f.events.on(domain.TopicInvoiceCancelled))
}

func TestFailedInvoiceAcceptsRetry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inv := f.invoice(t)

	f.gateway.fn = decline("insufficient funds")
	first, err := f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodCreditCard, "t1")
	require.Error(t, err)

	f.gateway.fn = approve("tx_retry")
	second, err := f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodCreditCard, "t1")
	require.NoError(t, err)

	d := f.details(t, inv.ID)
	assert.Equal(t, domain.InvoicePaid, d.Invoice.Status)
	assertPaidHasCompleted(t, d)

	history, err := f.svc.MemberPaymentHistory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)
	assert.True(t, history[0].CreatedAt.After(history[1].CreatedAt))
}

func TestPaymentHistoryIsPerMemberNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		inv := f.invoice(t)
		p, err := f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodPix, "t1")
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	_, err := f.svc.CreateInvoice(ctx, CreateInvoiceRequest{TenantID: "t1", MemberID: "m2", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	history, err := f.svc.MemberPaymentHistory(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{history[0].ID, history[1].ID, history[2].ID})

	other, err := f.svc.MemberPaymentHistory(ctx, "m2")
	require.NoError(t, err)
	assert.Empty(t, other)

	invoices, err := f.svc.MemberInvoices(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, invoices, 3)
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, nil)
	f.events.err = errors.New("broker unavailable")
	ctx := context.Background()

	inv := f.invoice(t)
	p, err := f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodCreditCard, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	assert.Equal(t, domain.InvoicePaid, f.details(t, inv.ID).Invoice.Status)
}

func TestPublishSurvivesCancelledCaller(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.invoice(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.gateway.fn = func(context.Context, ChargeRequest) (ChargeResult, error) {
		cancel()
		return ChargeResult{TransactionID: "tx_late"}, nil
	}

	p, err := f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodCreditCard, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, p.Status)
	assert.Len(t, f.events.on(domain.TopicPaymentSuccess), 1)
}

type failingStore struct {
	*memory.Store
	createErr error
	settleErr error
}

func (s *failingStore) CreateInvoice(ctx context.Context, inv domain.Invoice) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.CreateInvoice(ctx, inv)
}

func (s *failingStore) SettlePayment(ctx context.Context, p domain.Payment) (domain.Invoice, error) {
	if s.settleErr != nil {
		return domain.Invoice{}, s.settleErr
	}
	return s.Store.SettlePayment(ctx, p)
}

func TestPersistenceFailurePublishesNothing(t *testing.T) {
	store := &failingStore{Store: memory.NewStore(), createErr: errors.New("connection refused")}
	f := newFixture(t, store)

	_, err := f.svc.CreateInvoice(context.Background(), CreateInvoiceRequest{TenantID: "t1", MemberID: "m1", Amount: decimal.NewFromInt(50)})
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, f.events.topics())
}

func TestSuccessNotRecordedLeavesPaymentPending(t *testing.T) {
	store := &failingStore{Store: memory.NewStore()}
	f := newFixture(t, store)
	inv := f.invoice(t)
	store.settleErr = errors.New("deadlock detected")

	p, err := f.svc.ProcessPayment(context.Background(), inv.ID, inv.Amount, domain.MethodCreditCard, "t1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPaymentProcessingFailed)
	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.Empty(t, f.events.on(domain.TopicPaymentSuccess))

	stored, _, err := store.Payment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, stored.Status)

	// reconciliation through the webhook path once the store recovers
	store.settleErr = nil
	done, err := f.svc.HandlePaymentSuccess(context.Background(), p.ID, "tx_123")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCompleted, done.Status)
	assert.Len(t, f.events.on(domain.TopicPaymentSuccess), 1)
}

func TestFailureNotRecordedJoinsErrors(t *testing.T) {
	store := &failingStore{Store: memory.NewStore()}
	f := newFixture(t, store)
	inv := f.invoice(t)
	store.settleErr = errors.New("disk full")
	f.gateway.fn = decline("card declined")

	_, err := f.svc.ProcessPayment(context.Background(), inv.ID, inv.Amount, domain.MethodCreditCard, "t1")
	assert.ErrorIs(t, err, domain.ErrPaymentProcessingFailed)
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, f.events.on(domain.TopicPaymentFailure))
}

func TestDuplicateSettlementIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inv := f.invoice(t)
	p, err := f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodCreditCard, "t1")
	require.NoError(t, err)

	_, err = f.svc.HandlePaymentSuccess(ctx, p.ID, "tx_other")
	assert.ErrorIs(t, err, domain.ErrPaymentFinalized)
	_, err = f.svc.HandlePaymentFailure(ctx, p.ID, "late decline")
	assert.ErrorIs(t, err, domain.ErrPaymentFinalized)

	d := f.details(t, inv.ID)
	assert.Equal(t, "tx_123", d.Payments[0].TransactionID)
	assert.Equal(t, domain.InvoicePaid, d.Invoice.Status)
	assert.Len(t, f.events.on(domain.TopicPaymentSuccess), 1)
	assert.Empty(t, f.events.on(domain.TopicPaymentFailure))
}

func TestConcurrentAttemptsOnSameInvoice(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.invoice(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.gateway.fn = func(context.Context, ChargeRequest) (ChargeResult, error) {
		close(entered)
		<-release
		return ChargeResult{TransactionID: "tx_first"}, nil
	}

	type result struct {
		p   domain.Payment
		err error
	}
	first := make(chan result, 1)
	go func() {
		p, err := f.svc.ProcessPayment(context.Background(), inv.ID, inv.Amount, domain.MethodCreditCard, "t1")
		first <- result{p, err}
	}()
	<-entered

	_, err := f.svc.ProcessPayment(context.Background(), inv.ID, inv.Amount, domain.MethodCreditCard, "t1")
	assert.ErrorIs(t, err, domain.ErrPaymentInProgress)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = f.svc.CancelInvoice(context.Background(), inv.ID)
	assert.ErrorIs(t, err, domain.ErrPaymentInProgress)

	close(release)
	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, domain.PaymentCompleted, r.p.Status)

	d := f.details(t, inv.ID)
	assert.Len(t, d.Payments, 1)
	assert.Equal(t, domain.InvoicePaid, d.Invoice.Status)
	assert.Equal(t, 1, f.gateway.callCount())
}

func TestGatewayTimeoutIsAFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.cfg.GatewayTimeout = 10 * time.Millisecond
	f.gateway.fn = func(ctx context.Context, _ ChargeRequest) (ChargeResult, error) {
		<-ctx.Done()
		return ChargeResult{}, ctx.Err()
	}
	inv := f.invoice(t)

	p, err := f.svc.ProcessPayment(context.Background(), inv.ID, inv.Amount, domain.MethodPix, "t1")
	assert.ErrorIs(t, err, domain.ErrPaymentProcessingFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.PaymentFailed, p.Status)
	assert.Equal(t, domain.InvoiceFailed, f.details(t, inv.ID).Invoice.Status)
}

func TestPreconditions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inv := f.invoice(t)

	_, err := f.svc.ProcessPayment(ctx, "missing", inv.Amount, domain.MethodPix, "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.MethodPix, "other-tenant")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.ProcessPayment(ctx, inv.ID, inv.Amount, domain.PaymentMethod("CRYPTO"), "t1")
	assert.ErrorIs(t, err, domain.ErrUnsupportedPaymentMethod)

	_, err = f.svc.CancelInvoice(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.HandlePaymentSuccess(ctx, "missing", "tx")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Empty(t, f.details(t, inv.ID).Payments)
	assert.Zero(t, f.gateway.callCount())
}
