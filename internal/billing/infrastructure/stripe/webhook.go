package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/fitness360/billing-pipeline/internal/billing/domain"
)

const (
	eventIntentSucceeded = "payment_intent.succeeded"
	eventIntentFailed    = "payment_intent.payment_failed"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Settler is the part of the billing service a webhook drives.
type Settler interface {
	HandlePaymentSuccess(ctx context.Context, paymentID, transactionID string) (domain.Payment, error)
	HandlePaymentFailure(ctx context.Context, paymentID, reason string) (domain.Payment, error)
	PaymentByTransaction(ctx context.Context, transactionID string) (domain.Payment, error)
}

// Webhook verifies Stripe signatures and settles payments. Duplicate or late
// deliveries for an already finalized payment are acknowledged as no-ops.
type Webhook struct {
	log     *slog.Logger
	secret  string
	settler Settler
}

func NewWebhook(log *slog.Logger, secret string, settler Settler) *Webhook {
	return &Webhook{log: log, secret: secret, settler: settler}
}

func (w *Webhook) Handle(ctx context.Context, payload []byte, signature string) error {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, w.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		w.log.Warn("stripe webhook rejected", "err", err)
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	typ := string(evt.Type)
	if typ != eventIntentSucceeded && typ != eventIntentFailed {
		w.log.Debug("stripe webhook ignored", "event_id", evt.ID, "type", typ)
		return nil
	}
	if evt.Data == nil {
		return fmt.Errorf("stripe event %s has no data", evt.ID)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return fmt.Errorf("decode payment intent: %w", err)
	}

	paymentID, err := w.resolve(ctx, &pi)
	if err != nil {
		return err
	}
	if paymentID == "" {
		w.log.Info("stripe webhook for unknown payment", "event_id", evt.ID, "intent_id", pi.ID)
		return nil
	}

	switch typ {
	case eventIntentSucceeded:
		_, err = w.settler.HandlePaymentSuccess(ctx, paymentID, pi.ID)
	case eventIntentFailed:
		reason := "payment failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		_, err = w.settler.HandlePaymentFailure(ctx, paymentID, reason)
	}

	if errors.Is(err, domain.ErrPaymentFinalized) {
		w.log.Info("stripe webhook for finalized payment", "event_id", evt.ID, "payment_id", paymentID, "type", typ)
		return nil
	}
	return err
}

func (w *Webhook) resolve(ctx context.Context, pi *stripe.PaymentIntent) (string, error) {
	if id := pi.Metadata[MetadataPaymentID]; id != "" {
		return id, nil
	}
	p, err := w.settler.PaymentByTransaction(ctx, pi.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}
