package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

type PaymentMethod string

const (
	MethodCreditCard PaymentMethod = "CREDIT_CARD"
	MethodDebitCard  PaymentMethod = "DEBIT_CARD"
	MethodPix        PaymentMethod = "PIX"
	MethodBoleto     PaymentMethod = "BOLETO"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodPix, MethodBoleto:
		return true
	}
	return false
}

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, s)
	}
	return m, nil
}

// Payment is one attempt to settle an Invoice. Status only moves forward:
// PENDING to COMPLETED or PENDING to FAILED.
type Payment struct {
	ID            string
	InvoiceID     string
	TenantID      string
	Amount        decimal.Decimal
	Method        PaymentMethod
	Status        PaymentStatus
	TransactionID string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func NewPayment(id, invoiceID, tenantID string, amount decimal.Decimal, method PaymentMethod, now time.Time) Payment {
	return Payment{
		ID:        id,
		InvoiceID: invoiceID,
		TenantID:  tenantID,
		Amount:    amount,
		Method:    method,
		Status:    PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (p *Payment) Complete(transactionID string, now time.Time) error {
	if p.Status != PaymentPending {
		return ErrPaymentFinalized
	}
	p.Status = PaymentCompleted
	p.TransactionID = transactionID
	p.UpdatedAt = now
	return nil
}

func (p *Payment) Fail(reason string, now time.Time) error {
	if p.Status != PaymentPending {
		return ErrPaymentFinalized
	}
	p.Status = PaymentFailed
	p.FailureReason = reason
	p.UpdatedAt = now
	return nil
}

// InvoiceStatusAfter is the invoice status a finalized payment leads to.
func (p Payment) InvoiceStatusAfter() InvoiceStatus {
	switch p.Status {
	case PaymentCompleted:
		return InvoicePaid
	case PaymentFailed:
		return InvoiceFailed
	}
	return InvoicePending
}
