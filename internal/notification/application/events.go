package application

import (
	"time"

	"github.com/shopspring/decimal"
)

// Minimal views of the billing payloads this service reacts to.

type invoiceCreated struct {
	InvoiceID   string          `json:"invoiceId"`
	TenantID    string          `json:"tenantId"`
	MemberID    string          `json:"memberId"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	DueDate     time.Time       `json:"dueDate"`
}

type invoiceCancelled struct {
	InvoiceID string `json:"invoiceId"`
	TenantID  string `json:"tenantId"`
	MemberID  string `json:"memberId"`
}

type paymentSucceeded struct {
	PaymentID     string          `json:"paymentId"`
	InvoiceID     string          `json:"invoiceId"`
	TenantID      string          `json:"tenantId"`
	MemberID      string          `json:"memberId"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId"`
}

type paymentFailed struct {
	PaymentID string          `json:"paymentId"`
	InvoiceID string          `json:"invoiceId"`
	TenantID  string          `json:"tenantId"`
	MemberID  string          `json:"memberId"`
	Amount    decimal.Decimal `json:"amount"`
	Error     string          `json:"error"`
}
