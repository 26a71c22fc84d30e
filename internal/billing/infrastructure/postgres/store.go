package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fitness360/billing-pipeline/internal/billing/domain"
)

const (
	invoiceColumns = `i.id, i.tenant_id, i.member_id, i.description, i.amount::text, i.due_date, i.status, i.created_at, i.updated_at`
	paymentColumns = `p.id, p.invoice_id, p.tenant_id, p.amount::text, p.method, p.status, p.transaction_id, p.failure_reason, p.created_at, p.updated_at`

	uniqueViolation = "23505"
)

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func (s *Store) CreateInvoice(ctx context.Context, inv domain.Invoice) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO invoices (id, tenant_id, member_id, description, amount, due_date, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8,$9)`,
		inv.ID, inv.TenantID, inv.MemberID, inv.Description, inv.Amount.String(), inv.DueDate, string(inv.Status), inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (s *Store) Invoice(ctx context.Context, id string) (domain.Invoice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices i WHERE i.id=$1`, id)
	return scanInvoice(row)
}

func (s *Store) InvoicesByMember(ctx context.Context, memberID string) ([]domain.Invoice, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices i
		WHERE i.member_id=$1 ORDER BY i.created_at DESC, i.id`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	defer rows.Close()

	out := []domain.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) BeginPayment(ctx context.Context, p domain.Payment) (domain.Invoice, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Invoice{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	inv, err := lockInvoice(ctx, tx, p.InvoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := inv.CanAcceptPayment(); err != nil {
		return domain.Invoice{}, err
	}
	if err := openAttempt(ctx, tx, inv.ID); err != nil {
		return domain.Invoice{}, err
	}

	_, err = tx.Exec(ctx, `INSERT INTO payments (id, invoice_id, tenant_id, amount, method, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4::numeric,$5,$6,$7,$8)`,
		p.ID, p.InvoiceID, p.TenantID, p.Amount.String(), string(p.Method), string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Invoice{}, domain.ErrPaymentInProgress
		}
		return domain.Invoice{}, fmt.Errorf("insert payment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (s *Store) SettlePayment(ctx context.Context, p domain.Payment) (domain.Invoice, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Invoice{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// payment first: a reader never sees PAID without a COMPLETED payment
	ct, err := tx.Exec(ctx, `UPDATE payments SET status=$2, transaction_id=$3, failure_reason=$4, updated_at=$5
		WHERE id=$1 AND status='PENDING'`,
		p.ID, string(p.Status), nullable(p.TransactionID), nullable(p.FailureReason), p.UpdatedAt)
	if err != nil {
		return domain.Invoice{}, fmt.Errorf("update payment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE id=$1)`, p.ID).Scan(&exists); err != nil {
			return domain.Invoice{}, err
		}
		if !exists {
			return domain.Invoice{}, domain.ErrPaymentNotFound
		}
		return domain.Invoice{}, domain.ErrPaymentFinalized
	}

	inv, err := scanInvoice(tx.QueryRow(ctx, `UPDATE invoices i SET status=$2, updated_at=$3
		WHERE i.id=$1 RETURNING `+invoiceColumns,
		p.InvoiceID, string(p.InvoiceStatusAfter()), p.UpdatedAt))
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (s *Store) CancelInvoice(ctx context.Context, id string, at time.Time) (domain.Invoice, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Invoice{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	inv, err := lockInvoice(ctx, tx, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := inv.CanCancel(); err != nil {
		return domain.Invoice{}, err
	}
	if err := openAttempt(ctx, tx, id); err != nil {
		if errors.Is(err, domain.ErrAlreadyPaid) {
			return domain.Invoice{}, domain.ErrCannotCancelPaidInvoice
		}
		return domain.Invoice{}, err
	}

	inv, err = scanInvoice(tx.QueryRow(ctx, `UPDATE invoices i SET status=$2, updated_at=$3
		WHERE i.id=$1 RETURNING `+invoiceColumns, id, string(domain.InvoiceCancelled), at))
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (s *Store) Payment(ctx context.Context, id string) (domain.Payment, domain.Invoice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+`, `+invoiceColumns+`
		FROM payments p JOIN invoices i ON i.id = p.invoice_id WHERE p.id=$1`, id)

	var (
		p   domain.Payment
		inv domain.Invoice
		pa  paymentScan
		ia  invoiceScan
	)
	if err := row.Scan(append(pa.dest(&p), ia.dest(&inv)...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, domain.Invoice{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, domain.Invoice{}, fmt.Errorf("select payment: %w", err)
	}
	if err := pa.finish(&p); err != nil {
		return domain.Payment{}, domain.Invoice{}, err
	}
	if err := ia.finish(&inv); err != nil {
		return domain.Payment{}, domain.Invoice{}, err
	}
	return p, inv, nil
}

func (s *Store) PaymentByTransaction(ctx context.Context, transactionID string) (domain.Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.transaction_id=$1`, transactionID)
	return scanPayment(row)
}

func (s *Store) PaymentsByInvoice(ctx context.Context, invoiceID string) ([]domain.Payment, error) {
	return s.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments p
		WHERE p.invoice_id=$1 ORDER BY p.created_at DESC, p.id DESC`, invoiceID)
}

func (s *Store) PaymentsByMember(ctx context.Context, memberID string) ([]domain.Payment, error) {
	return s.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments p
		JOIN invoices i ON i.id = p.invoice_id
		WHERE i.member_id=$1 ORDER BY p.created_at DESC, p.id DESC`, memberID)
}

func (s *Store) queryPayments(ctx context.Context, sql string, args ...any) ([]domain.Payment, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	out := []domain.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func lockInvoice(ctx context.Context, tx pgx.Tx, id string) (domain.Invoice, error) {
	return scanInvoice(tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices i WHERE i.id=$1 FOR UPDATE`, id))
}

// openAttempt reports an in-flight or completed payment on a locked invoice.
func openAttempt(ctx context.Context, tx pgx.Tx, invoiceID string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM payments
		WHERE invoice_id=$1 AND status IN ('PENDING','COMPLETED')
		ORDER BY status = 'COMPLETED' DESC LIMIT 1`, invoiceID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("check open payment: %w", err)
	case status == string(domain.PaymentCompleted):
		return domain.ErrAlreadyPaid
	default:
		return domain.ErrPaymentInProgress
	}
}

type invoiceScan struct {
	amount string
}

func (s *invoiceScan) dest(inv *domain.Invoice) []any {
	return []any{&inv.ID, &inv.TenantID, &inv.MemberID, &inv.Description, &s.amount, &inv.DueDate, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt}
}

func (s *invoiceScan) finish(inv *domain.Invoice) error {
	amount, err := decimal.NewFromString(s.amount)
	if err != nil {
		return fmt.Errorf("invoice %s amount: %w", inv.ID, err)
	}
	inv.Amount = amount
	return nil
}

func scanInvoice(row pgx.Row) (domain.Invoice, error) {
	var (
		inv domain.Invoice
		s   invoiceScan
	)
	if err := row.Scan(s.dest(&inv)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Invoice{}, domain.ErrInvoiceNotFound
		}
		return domain.Invoice{}, fmt.Errorf("scan invoice: %w", err)
	}
	return inv, s.finish(&inv)
}

type paymentScan struct {
	amount        string
	transactionID *string
	failureReason *string
}

func (s *paymentScan) dest(p *domain.Payment) []any {
	return []any{&p.ID, &p.InvoiceID, &p.TenantID, &s.amount, &p.Method, &p.Status, &s.transactionID, &s.failureReason, &p.CreatedAt, &p.UpdatedAt}
}

func (s *paymentScan) finish(p *domain.Payment) error {
	amount, err := decimal.NewFromString(s.amount)
	if err != nil {
		return fmt.Errorf("payment %s amount: %w", p.ID, err)
	}
	p.Amount = amount
	if s.transactionID != nil {
		p.TransactionID = *s.transactionID
	}
	if s.failureReason != nil {
		p.FailureReason = *s.failureReason
	}
	return nil
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p domain.Payment
		s paymentScan
	)
	if err := row.Scan(s.dest(&p)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("scan payment: %w", err)
	}
	return p, s.finish(&p)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
