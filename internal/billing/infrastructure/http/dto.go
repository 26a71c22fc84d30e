package http

import (
	"time"

	"github.com/fitness360/billing-pipeline/internal/billing/domain"
)

type invoiceResp struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenantId"`
	MemberID    string        `json:"memberId"`
	Description string        `json:"description"`
	Amount      string        `json:"amount"`
	DueDate     time.Time     `json:"dueDate"`
	Status      string        `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	Payments    []paymentResp `json:"payments,omitempty"`
}

type paymentResp struct {
	ID            string    `json:"id"`
	InvoiceID     string    `json:"invoiceId"`
	Amount        string    `json:"amount"`
	Method        string    `json:"method"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transactionId,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func toInvoice(inv domain.Invoice) invoiceResp {
	return invoiceResp{
		ID:          inv.ID,
		TenantID:    inv.TenantID,
		MemberID:    inv.MemberID,
		Description: inv.Description,
		Amount:      inv.Amount.StringFixed(2),
		DueDate:     inv.DueDate,
		Status:      string(inv.Status),
		CreatedAt:   inv.CreatedAt,
		UpdatedAt:   inv.UpdatedAt,
	}
}

func toPayment(p domain.Payment) paymentResp {
	return paymentResp{
		ID:            p.ID,
		InvoiceID:     p.InvoiceID,
		Amount:        p.Amount.StringFixed(2),
		Method:        string(p.Method),
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func toPayments(ps []domain.Payment) []paymentResp {
	out := make([]paymentResp, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPayment(p))
	}
	return out
}
