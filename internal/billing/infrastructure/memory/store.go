// Package memory is an in-process billing store. It honours the same
// conditional-update rules as the Postgres store and backs tests and
// STORE=memory deployments.
package memory

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/fitness360/billing-pipeline/internal/billing/domain"
)

type Store struct {
	mu       sync.RWMutex
	invoices map[string]domain.Invoice
	payments []domain.Payment
	byID     map[string]int
}

func NewStore() *Store {
	return &Store{
		invoices: make(map[string]domain.Invoice),
		byID:     make(map[string]int),
	}
}

func (s *Store) CreateInvoice(_ context.Context, inv domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = inv
	return nil
}

func (s *Store) Invoice(_ context.Context, id string) (domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *Store) InvoicesByMember(_ context.Context, memberID string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Invoice{}
	for _, inv := range s.invoices {
		if inv.MemberID == memberID {
			out = append(out, inv)
		}
	}
	slices.SortFunc(out, func(a, b domain.Invoice) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) BeginPayment(_ context.Context, p domain.Payment) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[p.InvoiceID]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	if err := inv.CanAcceptPayment(); err != nil {
		return domain.Invoice{}, err
	}
	if err := s.openAttempt(inv.ID); err != nil {
		return domain.Invoice{}, err
	}

	s.byID[p.ID] = len(s.payments)
	s.payments = append(s.payments, p)
	return inv, nil
}

// openAttempt mirrors the partial unique index on payments(invoice_id).
func (s *Store) openAttempt(invoiceID string) error {
	for _, p := range s.payments {
		if p.InvoiceID != invoiceID {
			continue
		}
		switch p.Status {
		case domain.PaymentPending:
			return domain.ErrPaymentInProgress
		case domain.PaymentCompleted:
			return domain.ErrAlreadyPaid
		}
	}
	return nil
}

func (s *Store) SettlePayment(_ context.Context, p domain.Payment) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[p.ID]
	if !ok {
		return domain.Invoice{}, domain.ErrPaymentNotFound
	}
	if s.payments[i].Status != domain.PaymentPending {
		return domain.Invoice{}, domain.ErrPaymentFinalized
	}
	inv, ok := s.invoices[p.InvoiceID]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}

	s.payments[i] = p
	inv.Status = p.InvoiceStatusAfter()
	inv.UpdatedAt = p.UpdatedAt
	s.invoices[inv.ID] = inv
	return inv, nil
}

func (s *Store) CancelInvoice(_ context.Context, id string, at time.Time) (domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	if err := inv.CanCancel(); err != nil {
		return domain.Invoice{}, err
	}
	if err := s.openAttempt(id); err != nil {
		if errors.Is(err, domain.ErrAlreadyPaid) {
			return domain.Invoice{}, domain.ErrCannotCancelPaidInvoice
		}
		return domain.Invoice{}, err
	}

	inv.Status = domain.InvoiceCancelled
	inv.UpdatedAt = at
	s.invoices[id] = inv
	return inv, nil
}

func (s *Store) Payment(_ context.Context, id string) (domain.Payment, domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return domain.Payment{}, domain.Invoice{}, domain.ErrPaymentNotFound
	}
	p := s.payments[i]
	return p, s.invoices[p.InvoiceID], nil
}

func (s *Store) PaymentByTransaction(_ context.Context, transactionID string) (domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if transactionID != "" && p.TransactionID == transactionID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (s *Store) PaymentsByInvoice(_ context.Context, invoiceID string) ([]domain.Payment, error) {
	return s.collect(func(p domain.Payment) bool { return p.InvoiceID == invoiceID }), nil
}

func (s *Store) PaymentsByMember(_ context.Context, memberID string) ([]domain.Payment, error) {
	return s.collect(func(p domain.Payment) bool { return s.invoices[p.InvoiceID].MemberID == memberID }), nil
}

// collect returns matching payments newest first; ties keep reverse insertion order.
func (s *Store) collect(match func(domain.Payment) bool) []domain.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Payment{}
	for i := len(s.payments) - 1; i >= 0; i-- {
		if match(s.payments[i]) {
			out = append(out, s.payments[i])
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Payment) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}
