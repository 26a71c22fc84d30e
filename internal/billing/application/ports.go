package application

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fitness360/billing-pipeline/internal/billing/domain"
)

// Store persists invoices and payments. Status changes go through the
// conditional methods (BeginPayment, SettlePayment, CancelInvoice) so two
// concurrent writers cannot both win.
type Store interface {
	CreateInvoice(ctx context.Context, inv domain.Invoice) error
	Invoice(ctx context.Context, id string) (domain.Invoice, error)
	InvoicesByMember(ctx context.Context, memberID string) ([]domain.Invoice, error)

	// BeginPayment inserts p (PENDING) if its invoice still accepts payments
	// and has no other attempt in flight. It returns the invoice.
	BeginPayment(ctx context.Context, p domain.Payment) (domain.Invoice, error)
	// SettlePayment persists a finalized payment, then moves its invoice to
	// the matching status, atomically. A payment that is no longer PENDING
	// in the store yields domain.ErrPaymentFinalized.
	SettlePayment(ctx context.Context, p domain.Payment) (domain.Invoice, error)
	CancelInvoice(ctx context.Context, id string, at time.Time) (domain.Invoice, error)

	Payment(ctx context.Context, id string) (domain.Payment, domain.Invoice, error)
	PaymentByTransaction(ctx context.Context, transactionID string) (domain.Payment, error)
	PaymentsByInvoice(ctx context.Context, invoiceID string) ([]domain.Payment, error)
	// PaymentsByMember returns newest first.
	PaymentsByMember(ctx context.Context, memberID string) ([]domain.Payment, error)
}

type ChargeRequest struct {
	PaymentID string
	InvoiceID string
	TenantID  string
	Amount    decimal.Decimal
	Currency  string
	Method    domain.PaymentMethod
}

type ChargeResult struct {
	TransactionID string
}

// Gateway charges a payment instrument. Any failure is returned as an error
// wrapping domain.ErrPaymentProcessingFailed.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}
