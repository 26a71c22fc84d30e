package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fitness360/billing-pipeline/internal/billing/domain"
	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/metrics"
)

type Config struct {
	Origin         string
	Currency       string
	GatewayTimeout time.Duration
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Origin == "" {
		c.Origin = "billing-service"
	}
	if c.Currency == "" {
		c.Currency = "brl"
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 30 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return c
}

// Service owns the invoice and payment state machines. It is the only writer
// of status fields. State is always persisted before the matching event is
// published; publishing is best effort and never fails an operation.
type Service struct {
	log     *slog.Logger
	store   Store
	gateway Gateway
	events  eventbus.Emitter
	metrics *metrics.Billing
	tracer  trace.Tracer
	cfg     Config

	newID func() string
	now   func() time.Time
}

func NewService(log *slog.Logger, store Store, gateway Gateway, events eventbus.Emitter, m *metrics.Billing, cfg Config) *Service {
	return &Service{
		log:     log,
		store:   store,
		gateway: gateway,
		events:  events,
		metrics: m,
		tracer:  otel.Tracer("billing"),
		cfg:     cfg.withDefaults(),
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type CreateInvoiceRequest struct {
	TenantID    string
	MemberID    string
	Description string
	Amount      decimal.Decimal
	DueDate     time.Time
}

// InvoiceDetails is an invoice with its payment attempts, newest first.
type InvoiceDetails struct {
	Invoice  domain.Invoice
	Payments []domain.Payment
}

func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (inv domain.Invoice, err error) {
	ctx, span := s.tracer.Start(ctx, "billing.CreateInvoice", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("member.id", req.MemberID),
	))
	defer func() { end(span, err) }()

	inv = domain.NewInvoice(s.newID(), req.TenantID, req.MemberID, req.Description, req.Amount, req.DueDate, s.now())
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return domain.Invoice{}, fmt.Errorf("create invoice: %w", err)
	}
	s.metrics.InvoiceCreated()
	s.log.Info("invoice created", "invoice_id", inv.ID, "tenant_id", inv.TenantID, "member_id", inv.MemberID, "amount", inv.Amount.String())

	s.publish(ctx, domain.InvoiceCreated{
		EventMeta:   s.meta(),
		InvoiceID:   inv.ID,
		TenantID:    inv.TenantID,
		MemberID:    inv.MemberID,
		Description: inv.Description,
		Amount:      inv.Amount,
		DueDate:     inv.DueDate,
	})
	return inv, nil
}

// ProcessPayment runs one synchronous payment attempt. On success it returns
// the COMPLETED payment. On gateway failure it records the FAILED state and
// returns the FAILED payment together with an error wrapping
// domain.ErrPaymentProcessingFailed.
func (s *Service) ProcessPayment(ctx context.Context, invoiceID string, amount decimal.Decimal, method domain.PaymentMethod, tenantID string) (p domain.Payment, err error) {
	ctx, span := s.tracer.Start(ctx, "billing.ProcessPayment", trace.WithAttributes(
		attribute.String("invoice.id", invoiceID),
		attribute.String("tenant.id", tenantID),
		attribute.String("payment.method", string(method)),
	))
	defer func() { end(span, err) }()

	if !method.Valid() {
		return domain.Payment{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedPaymentMethod, method)
	}

	inv, err := s.store.Invoice(ctx, invoiceID)
	if err != nil {
		return domain.Payment{}, err
	}
	if !inv.OwnedBy(tenantID) {
		return domain.Payment{}, domain.ErrInvoiceNotFound
	}
	if err := inv.CanAcceptPayment(); err != nil {
		return domain.Payment{}, err
	}
	if !amount.Equal(inv.Amount) {
		s.log.Warn("payment amount differs from invoice amount",
			"invoice_id", inv.ID, "invoice_amount", inv.Amount.String(), "payment_amount", amount.String())
	}

	p = domain.NewPayment(s.newID(), inv.ID, tenantID, amount, method, s.now())
	inv, err = s.store.BeginPayment(ctx, p)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("begin payment: %w", err)
	}
	span.SetAttributes(attribute.String("payment.id", p.ID))

	s.publish(ctx, domain.PaymentCreated{
		EventMeta: s.meta(),
		PaymentID: p.ID,
		InvoiceID: inv.ID,
		TenantID:  inv.TenantID,
		MemberID:  inv.MemberID,
		Amount:    p.Amount,
		Method:    p.Method,
	})

	res, gerr := s.charge(ctx, p)

	// The attempt outcome is recorded even if the caller went away.
	settleCtx := context.WithoutCancel(ctx)
	if gerr != nil {
		failed, ferr := s.HandlePaymentFailure(settleCtx, p.ID, gerr.Error())
		if ferr != nil {
			return p, fmt.Errorf("%w (recording failure: %w)", gerr, ferr)
		}
		return failed, gerr
	}

	done, err := s.HandlePaymentSuccess(settleCtx, p.ID, res.TransactionID)
	if err != nil {
		s.log.Error("charge succeeded but could not be recorded",
			"payment_id", p.ID, "transaction_id", res.TransactionID, "err", err)
		return p, fmt.Errorf("record payment success: %w", err)
	}
	return done, nil
}

func (s *Service) charge(ctx context.Context, p domain.Payment) (ChargeResult, error) {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	res, err := s.gateway.Charge(gctx, ChargeRequest{
		PaymentID: p.ID,
		InvoiceID: p.InvoiceID,
		TenantID:  p.TenantID,
		Amount:    p.Amount,
		Currency:  s.cfg.Currency,
		Method:    p.Method,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrPaymentProcessingFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrPaymentProcessingFailed, err)
		}
		return ChargeResult{}, err
	}
	return res, nil
}

// HandlePaymentSuccess marks the payment COMPLETED and its invoice PAID, in
// that order, then publishes payment.success.
func (s *Service) HandlePaymentSuccess(ctx context.Context, paymentID, transactionID string) (p domain.Payment, err error) {
	ctx, span := s.tracer.Start(ctx, "billing.HandlePaymentSuccess", trace.WithAttributes(
		attribute.String("payment.id", paymentID),
	))
	defer func() { end(span, err) }()

	p, inv, err := s.store.Payment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := p.Complete(transactionID, s.now()); err != nil {
		return p, err
	}
	if inv, err = s.store.SettlePayment(ctx, p); err != nil {
		return domain.Payment{}, fmt.Errorf("settle payment: %w", err)
	}
	s.metrics.PaymentProcessed("completed")
	s.log.Info("payment completed", "payment_id", p.ID, "invoice_id", inv.ID, "transaction_id", transactionID)

	s.publish(ctx, domain.PaymentSucceeded{
		EventMeta:     s.meta(),
		PaymentID:     p.ID,
		InvoiceID:     inv.ID,
		TenantID:      inv.TenantID,
		MemberID:      inv.MemberID,
		Amount:        p.Amount,
		TransactionID: p.TransactionID,
	})
	return p, nil
}

// HandlePaymentFailure marks the payment FAILED and its invoice FAILED, in
// that order, then publishes payment.failure.
func (s *Service) HandlePaymentFailure(ctx context.Context, paymentID, reason string) (p domain.Payment, err error) {
	ctx, span := s.tracer.Start(ctx, "billing.HandlePaymentFailure", trace.WithAttributes(
		attribute.String("payment.id", paymentID),
	))
	defer func() { end(span, err) }()

	p, inv, err := s.store.Payment(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if err := p.Fail(reason, s.now()); err != nil {
		return p, err
	}
	if inv, err = s.store.SettlePayment(ctx, p); err != nil {
		return domain.Payment{}, fmt.Errorf("settle payment: %w", err)
	}
	s.metrics.PaymentProcessed("failed")
	s.log.Warn("payment failed", "payment_id", p.ID, "invoice_id", inv.ID, "reason", reason)

	s.publish(ctx, domain.PaymentFailedEvent{
		EventMeta: s.meta(),
		PaymentID: p.ID,
		InvoiceID: inv.ID,
		TenantID:  inv.TenantID,
		MemberID:  inv.MemberID,
		Amount:    p.Amount,
		Error:     reason,
	})
	return p, nil
}

func (s *Service) CancelInvoice(ctx context.Context, invoiceID string) (inv domain.Invoice, err error) {
	ctx, span := s.tracer.Start(ctx, "billing.CancelInvoice", trace.WithAttributes(
		attribute.String("invoice.id", invoiceID),
	))
	defer func() { end(span, err) }()

	inv, err = s.store.CancelInvoice(ctx, invoiceID, s.now())
	if err != nil {
		return domain.Invoice{}, err
	}
	s.metrics.InvoiceCancelled()
	s.log.Info("invoice cancelled", "invoice_id", inv.ID, "tenant_id", inv.TenantID)

	s.publish(ctx, domain.InvoiceCancelledEvent{
		EventMeta: s.meta(),
		InvoiceID: inv.ID,
		TenantID:  inv.TenantID,
		MemberID:  inv.MemberID,
	})
	return inv, nil
}

func (s *Service) MemberPaymentHistory(ctx context.Context, memberID string) ([]domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "billing.MemberPaymentHistory")
	defer span.End()
	return s.store.PaymentsByMember(ctx, memberID)
}

func (s *Service) MemberInvoices(ctx context.Context, memberID string) ([]domain.Invoice, error) {
	ctx, span := s.tracer.Start(ctx, "billing.MemberInvoices")
	defer span.End()
	return s.store.InvoicesByMember(ctx, memberID)
}

func (s *Service) Invoice(ctx context.Context, invoiceID string) (InvoiceDetails, error) {
	ctx, span := s.tracer.Start(ctx, "billing.Invoice")
	defer span.End()

	inv, err := s.store.Invoice(ctx, invoiceID)
	if err != nil {
		return InvoiceDetails{}, err
	}
	payments, err := s.store.PaymentsByInvoice(ctx, invoiceID)
	if err != nil {
		return InvoiceDetails{}, fmt.Errorf("list payments: %w", err)
	}
	return InvoiceDetails{Invoice: inv, Payments: payments}, nil
}

// PaymentByTransaction resolves a payment from its gateway transaction id.
func (s *Service) PaymentByTransaction(ctx context.Context, transactionID string) (domain.Payment, error) {
	return s.store.PaymentByTransaction(ctx, transactionID)
}

func (s *Service) meta() domain.EventMeta {
	return domain.EventMeta{EventID: s.newID(), OccurredAt: s.now()}
}

// publish runs detached from the caller's cancellation and bounded by
// PublishTimeout. Failures are logged and counted only.
func (s *Service) publish(ctx context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PublishTimeout)
	defer cancel()

	m := ev.Metadata()
	msg, err := eventbus.NewMessage(ev.Topic(), ev.Key(), ev, map[string]string{
		eventbus.HeaderEventID:    m.EventID,
		eventbus.HeaderOrigin:     s.cfg.Origin,
		eventbus.HeaderOccurredAt: m.OccurredAt.Format(time.RFC3339Nano),
	})
	if err == nil {
		err = s.events.Emit(ctx, msg)
	}
	s.metrics.EventPublished(ev.Topic(), err == nil)
	if err != nil {
		s.log.Error("event publish failed, state already committed",
			"topic", ev.Topic(), "key", ev.Key(), "event_id", m.EventID, "err", err)
	}
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
