// Package stripe charges payments through Stripe PaymentIntents and turns
// signed Stripe webhooks into settlement calls.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"

	"github.com/fitness360/billing-pipeline/internal/billing/application"
	"github.com/fitness360/billing-pipeline/internal/billing/domain"
	"github.com/fitness360/billing-pipeline/pkg/metrics"
)

const (
	MetadataPaymentID = "payment_id"
	MetadataInvoiceID = "invoice_id"
	MetadataTenantID  = "tenant_id"

	opCreateIntent = "payment_intent_create"
)

var instruments = map[domain.PaymentMethod]string{
	domain.MethodCreditCard: "card",
	domain.MethodDebitCard:  "card",
	domain.MethodPix:        "pix",
	domain.MethodBoleto:     "boleto",
}

// Instrument maps a payment method to a Stripe payment_method_type.
// Unknown methods are an error rather than a silent fallback to card.
func Instrument(m domain.PaymentMethod) (string, error) {
	t, ok := instruments[m]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedPaymentMethod, m)
	}
	return t, nil
}

// MinorUnits converts an amount to cents, rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

type intentCreator interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type Gateway struct {
	log     *slog.Logger
	intents intentCreator
	metrics *metrics.Billing
}

func NewGateway(log *slog.Logger, secretKey string, m *metrics.Billing) *Gateway {
	return &Gateway{
		log:     log,
		intents: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
		metrics: m,
	}
}

func (g *Gateway) Charge(ctx context.Context, req application.ChargeRequest) (application.ChargeResult, error) {
	instrument, err := Instrument(req.Method)
	if err != nil {
		return application.ChargeResult{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(MinorUnits(req.Amount)),
		Currency:           stripe.String(req.Currency),
		PaymentMethodTypes: stripe.StringSlice([]string{instrument}),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.PaymentID)
	params.AddMetadata(MetadataPaymentID, req.PaymentID)
	params.AddMetadata(MetadataInvoiceID, req.InvoiceID)
	params.AddMetadata(MetadataTenantID, req.TenantID)

	start := time.Now()
	pi, err := g.intents.New(params)
	g.metrics.GatewayLatency(opCreateIntent, time.Since(start))
	if err != nil {
		return application.ChargeResult{}, g.failure(ctx, req, err)
	}
	if pi.Status == stripe.PaymentIntentStatusCanceled {
		g.metrics.GatewayError("intent_canceled")
		g.log.Error("stripe payment intent canceled", "payment_id", req.PaymentID, "intent_id", pi.ID)
		return application.ChargeResult{}, domain.ErrPaymentProcessingFailed
	}

	g.log.Info("stripe payment intent created",
		"payment_id", req.PaymentID, "intent_id", pi.ID, "status", string(pi.Status), "amount_minor", *params.Amount)
	return application.ChargeResult{TransactionID: pi.ID}, nil
}

// failure logs the gateway detail and returns the generic domain error. Only
// a context timeout or cancellation is kept in the chain.
func (g *Gateway) failure(ctx context.Context, req application.ChargeRequest, err error) error {
	attrs := []any{"payment_id", req.PaymentID, "invoice_id", req.InvoiceID, "err", err}

	var code string
	var serr *stripe.Error
	if errors.As(err, &serr) {
		code = string(serr.Code)
		attrs = append(attrs,
			"stripe_code", code,
			"decline_code", string(serr.DeclineCode),
			"http_status", serr.HTTPStatusCode,
			"request_id", serr.RequestID,
		)
	}
	g.metrics.GatewayError(code)
	g.log.Error("stripe charge failed", attrs...)

	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %w", domain.ErrPaymentProcessingFailed, cerr)
	}
	return domain.ErrPaymentProcessingFailed
}
