package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "PENDING"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceFailed    InvoiceStatus = "FAILED"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// Invoice is a billable record owed by a member. Invoices are never deleted.
// PAID and CANCELLED are terminal; FAILED accepts another payment attempt.
type Invoice struct {
	ID          string
	TenantID    string
	MemberID    string
	Description string
	Amount      decimal.Decimal
	DueDate     time.Time
	Status      InvoiceStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewInvoice(id, tenantID, memberID, description string, amount decimal.Decimal, dueDate, now time.Time) Invoice {
	return Invoice{
		ID:          id,
		TenantID:    tenantID,
		MemberID:    memberID,
		Description: description,
		Amount:      amount,
		DueDate:     dueDate,
		Status:      InvoicePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanAcceptPayment reports why a new payment attempt is not allowed, if it isn't.
func (i Invoice) CanAcceptPayment() error {
	switch i.Status {
	case InvoicePaid:
		return ErrAlreadyPaid
	case InvoiceCancelled:
		return ErrInvoiceCancelled
	}
	return nil
}

func (i Invoice) CanCancel() error {
	switch i.Status {
	case InvoicePaid:
		return ErrCannotCancelPaidInvoice
	case InvoiceCancelled:
		return ErrInvoiceCancelled
	}
	return nil
}

func (i Invoice) OwnedBy(tenantID string) bool {
	return i.TenantID == tenantID
}
