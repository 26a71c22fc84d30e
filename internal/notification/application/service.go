package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fitness360/billing-pipeline/internal/notification/domain"
	"github.com/fitness360/billing-pipeline/pkg/eventbus"
	"github.com/fitness360/billing-pipeline/pkg/metrics"
)

const (
	topicInvoiceCreated   = "invoice.created"
	topicInvoiceCancelled = "invoice.cancelled"
	topicPaymentSuccess   = "payment.success"
	topicPaymentFailure   = "payment.failure"

	origin = "notification-service"
)

// ErrMalformedEvent is permanent: redelivering the same payload cannot help.
var ErrMalformedEvent = fmt.Errorf("%w: malformed event", eventbus.ErrPermanent)

type Sender interface {
	Send(ctx context.Context, n domain.Notification) error
}

// Deduper remembers which sends already happened. *idempotency.Store
// satisfies it.
type Deduper interface {
	Key(group string, msg eventbus.Message) string
	Once(ctx context.Context, key string, fn func(context.Context) error) (bool, error)
}

type Option func(*Service)

// WithSendDedupe makes every single send idempotent per event, recipient and
// channel, so a handler retried after a partial failure does not repeat the
// sends that already went out.
func WithSendDedupe(d Deduper, group string) Option {
	return func(s *Service) {
		s.dedupe = d
		s.group = group
	}
}

// WithMiddleware wraps every registered handler, outermost first.
func WithMiddleware(mw ...func(eventbus.Handler) eventbus.Handler) Option {
	return func(s *Service) { s.middleware = append(s.middleware, mw...) }
}

// WithSentTopic overrides the topic notification.sent events go to.
func WithSentTopic(topic string) Option {
	return func(s *Service) { s.sentTopic = topic }
}

func WithMetrics(m *metrics.Consumer) Option {
	return func(s *Service) { s.metrics = m }
}

// Service turns billing events into member and admin notifications.
type Service struct {
	log        *slog.Logger
	sender     Sender
	events     eventbus.Emitter
	sentTopic  string
	metrics    *metrics.Consumer
	middleware []func(eventbus.Handler) eventbus.Handler
	dedupe     Deduper
	group      string
	tracer     trace.Tracer

	now   func() time.Time
	newID func() string
}

// NewService builds the subscriber. events receives notification.sent and
// may be nil.
func NewService(log *slog.Logger, sender Sender, events eventbus.Emitter, opts ...Option) *Service {
	s := &Service{
		log:       log,
		sender:    sender,
		events:    events,
		sentTopic: domain.TopicNotificationSent,
		tracer:    otel.Tracer("notification-service"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Topics lists the billing topics the service subscribes to.
func Topics() []string {
	return []string{topicInvoiceCreated, topicInvoiceCancelled, topicPaymentSuccess, topicPaymentFailure}
}

func (s *Service) Register(sub eventbus.Subscriber) {
	sub.Subscribe(topicInvoiceCreated, s.wrap(s.onInvoiceCreated))
	sub.Subscribe(topicInvoiceCancelled, s.wrap(s.onInvoiceCancelled))
	sub.Subscribe(topicPaymentSuccess, s.wrap(s.onPaymentSuccess))
	sub.Subscribe(topicPaymentFailure, s.wrap(s.onPaymentFailure))
}

func (s *Service) wrap(h eventbus.Handler) eventbus.Handler {
	traced := func(ctx context.Context, msg eventbus.Message) error {
		ctx, span := s.tracer.Start(ctx, "Notify "+msg.Topic, trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.message.id", msg.EventID()),
		))
		defer span.End()
		err := h(ctx, msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	out := eventbus.Handler(traced)
	for i := len(s.middleware) - 1; i >= 0; i-- {
		out = s.middleware[i](out)
	}
	return out
}

func (s *Service) onInvoiceCreated(ctx context.Context, msg eventbus.Message) error {
	var ev invoiceCreated
	if err := decode(msg, &ev); err != nil {
		return err
	}
	if ev.MemberID == "" {
		return fmt.Errorf("%w: %s without memberId", ErrMalformedEvent, msg.Topic)
	}
	return s.notify(ctx, msg, domain.Notification{
		TenantID:    ev.TenantID,
		RecipientID: ev.MemberID,
		Channel:     domain.ChannelEmail,
		Title:       "New invoice available",
		Body: fmt.Sprintf("A new invoice of R$ %s is due on %s. %s",
			ev.Amount.StringFixed(2), ev.DueDate.Format("02/01/2006"), ev.Description),
		Data: map[string]string{"invoiceId": ev.InvoiceID},
	})
}

func (s *Service) onInvoiceCancelled(ctx context.Context, msg eventbus.Message) error {
	var ev invoiceCancelled
	if err := decode(msg, &ev); err != nil {
		return err
	}
	if ev.MemberID == "" {
		return fmt.Errorf("%w: %s without memberId", ErrMalformedEvent, msg.Topic)
	}
	return s.notify(ctx, msg, domain.Notification{
		TenantID:    ev.TenantID,
		RecipientID: ev.MemberID,
		Channel:     domain.ChannelInApp,
		Title:       "Invoice cancelled",
		Body:        fmt.Sprintf("Invoice %s was cancelled.", ev.InvoiceID),
		Data:        map[string]string{"invoiceId": ev.InvoiceID},
	})
}

func (s *Service) onPaymentSuccess(ctx context.Context, msg eventbus.Message) error {
	var ev paymentSucceeded
	if err := decode(msg, &ev); err != nil {
		return err
	}
	if ev.MemberID == "" {
		return fmt.Errorf("%w: %s without memberId", ErrMalformedEvent, msg.Topic)
	}
	return s.notify(ctx, msg, domain.Notification{
		TenantID:    ev.TenantID,
		RecipientID: ev.MemberID,
		Channel:     domain.ChannelEmail,
		Title:       "Payment confirmed",
		Body:        fmt.Sprintf("We received your payment of R$ %s. Thank you!", ev.Amount.StringFixed(2)),
		Data: map[string]string{
			"invoiceId":     ev.InvoiceID,
			"paymentId":     ev.PaymentID,
			"transactionId": ev.TransactionID,
		},
	})
}

func (s *Service) onPaymentFailure(ctx context.Context, msg eventbus.Message) error {
	var ev paymentFailed
	if err := decode(msg, &ev); err != nil {
		return err
	}
	if ev.MemberID == "" {
		return fmt.Errorf("%w: %s without memberId", ErrMalformedEvent, msg.Topic)
	}
	data := map[string]string{"invoiceId": ev.InvoiceID, "paymentId": ev.PaymentID}

	if err := s.notify(ctx, msg, domain.Notification{
		TenantID:    ev.TenantID,
		RecipientID: ev.MemberID,
		Channel:     domain.ChannelEmail,
		Title:       "Payment failed",
		Body:        fmt.Sprintf("Your payment of R$ %s could not be processed. Please try again.", ev.Amount.StringFixed(2)),
		Data:        data,
	}); err != nil {
		return err
	}
	return s.notify(ctx, msg, domain.Notification{
		TenantID:    ev.TenantID,
		RecipientID: domain.AdminRecipient(ev.TenantID),
		Channel:     domain.ChannelInApp,
		Title:       "Member payment failed",
		Body:        fmt.Sprintf("Payment %s from member %s failed: %s", ev.PaymentID, ev.MemberID, ev.Error),
		Data:        data,
	})
}

func (s *Service) notify(ctx context.Context, msg eventbus.Message, n domain.Notification) error {
	if s.dedupe == nil {
		return s.send(ctx, n)
	}
	key := fmt.Sprintf("%s:%s:%s", s.dedupe.Key(s.group, msg), n.RecipientID, n.Channel)
	ran, err := s.dedupe.Once(ctx, key, func(ctx context.Context) error { return s.send(ctx, n) })
	if err == nil && !ran {
		s.log.Info("notification already sent", "topic", msg.Topic, "event_id", msg.EventID(),
			"recipient_id", n.RecipientID, "channel", string(n.Channel))
	}
	return err
}

func (s *Service) send(ctx context.Context, n domain.Notification) error {
	n.ID = s.newID()
	n.CreatedAt = s.now().UTC()
	if err := s.sender.Send(ctx, n); err != nil {
		return fmt.Errorf("send %s to %s: %w", n.Channel, n.RecipientID, err)
	}
	s.metrics.NotificationSent(string(n.Channel))

	if s.events == nil {
		return nil
	}
	sent := domain.Sent{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		RecipientID:    n.RecipientID,
		Type:           n.Channel,
		Title:          n.Title,
		SentAt:         n.CreatedAt,
	}
	msg, err := eventbus.NewMessage(s.sentTopic, n.RecipientID, sent, map[string]string{
		eventbus.HeaderEventID:    n.ID,
		eventbus.HeaderOrigin:     origin,
		eventbus.HeaderOccurredAt: n.CreatedAt.Format(time.RFC3339Nano),
	})
	if err == nil {
		err = s.events.Emit(ctx, msg)
	}
	// the notification is already out; a retry would send it twice
	if err != nil {
		s.log.Error("notification.sent publish failed", "notification_id", n.ID, "recipient_id", n.RecipientID, "err", err)
	}
	return nil
}

func decode(msg eventbus.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return nil
}
