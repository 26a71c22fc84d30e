package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicInvoiceCreated   = "invoice.created"
	TopicInvoiceCancelled = "invoice.cancelled"
	TopicPaymentCreated   = "payment.created"
	TopicPaymentSuccess   = "payment.success"
	TopicPaymentFailure   = "payment.failure"
)

// Event is a billing state change published to the broker. Every event is
// keyed by its invoice id so one invoice's stream stays ordered.
type Event interface {
	Topic() string
	Key() string
	Metadata() EventMeta
}

type EventMeta struct {
	EventID    string    `json:"eventId"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (m EventMeta) Metadata() EventMeta { return m }

type InvoiceCreated struct {
	EventMeta
	InvoiceID   string          `json:"invoiceId"`
	TenantID    string          `json:"tenantId"`
	MemberID    string          `json:"memberId"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	DueDate     time.Time       `json:"dueDate"`
}

func (InvoiceCreated) Topic() string { return TopicInvoiceCreated }
func (e InvoiceCreated) Key() string { return e.InvoiceID }

type InvoiceCancelledEvent struct {
	EventMeta
	InvoiceID string `json:"invoiceId"`
	TenantID  string `json:"tenantId"`
	MemberID  string `json:"memberId"`
}

func (InvoiceCancelledEvent) Topic() string { return TopicInvoiceCancelled }
func (e InvoiceCancelledEvent) Key() string { return e.InvoiceID }

type PaymentCreated struct {
	EventMeta
	PaymentID string          `json:"paymentId"`
	InvoiceID string          `json:"invoiceId"`
	TenantID  string          `json:"tenantId"`
	MemberID  string          `json:"memberId"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
}

func (PaymentCreated) Topic() string { return TopicPaymentCreated }
func (e PaymentCreated) Key() string { return e.InvoiceID }

type PaymentSucceeded struct {
	EventMeta
	PaymentID     string          `json:"paymentId"`
	InvoiceID     string          `json:"invoiceId"`
	TenantID      string          `json:"tenantId"`
	MemberID      string          `json:"memberId"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId"`
}

func (PaymentSucceeded) Topic() string { return TopicPaymentSuccess }
func (e PaymentSucceeded) Key() string { return e.InvoiceID }

type PaymentFailedEvent struct {
	EventMeta
	PaymentID string          `json:"paymentId"`
	InvoiceID string          `json:"invoiceId"`
	TenantID  string          `json:"tenantId"`
	MemberID  string          `json:"memberId"`
	Amount    decimal.Decimal `json:"amount"`
	Error     string          `json:"error"`
}

func (PaymentFailedEvent) Topic() string { return TopicPaymentFailure }
func (e PaymentFailedEvent) Key() string { return e.InvoiceID }
