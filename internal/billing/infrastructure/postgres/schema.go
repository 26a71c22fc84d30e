package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is idempotent. payments_one_open_attempt allows at most one PENDING
// or COMPLETED payment per invoice, which is what rules out double payment.
const schema = `
CREATE TABLE IF NOT EXISTS invoices (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	member_id   TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	amount      NUMERIC(12,2) NOT NULL,
	due_date    TIMESTAMPTZ NOT NULL,
	status      TEXT NOT NULL CHECK (status IN ('PENDING','PAID','FAILED','CANCELLED')),
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS invoices_member_idx ON invoices (member_id, created_at DESC);

CREATE TABLE IF NOT EXISTS payments (
	id             TEXT PRIMARY KEY,
	invoice_id     TEXT NOT NULL REFERENCES invoices (id),
	tenant_id      TEXT NOT NULL,
	amount         NUMERIC(12,2) NOT NULL,
	method         TEXT NOT NULL,
	status         TEXT NOT NULL CHECK (status IN ('PENDING','COMPLETED','FAILED')),
	transaction_id TEXT,
	failure_reason TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payments_invoice_idx ON payments (invoice_id, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS payments_one_open_attempt ON payments (invoice_id)
	WHERE status IN ('PENDING','COMPLETED');
CREATE UNIQUE INDEX IF NOT EXISTS payments_transaction_idx ON payments (transaction_id)
	WHERE transaction_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS outbox (
	id          BIGSERIAL PRIMARY KEY,
	topic       TEXT NOT NULL,
	message_key TEXT NOT NULL DEFAULT '',
	payload     BYTEA NOT NULL,
	headers     JSONB NOT NULL DEFAULT '{}',
	status      TEXT NOT NULL DEFAULT 'pending',
	relay_id    TEXT,
	lease_until TIMESTAMPTZ,
	retry_count INT NOT NULL DEFAULT 0,
	last_error  TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS outbox_unsent_idx ON outbox (id) WHERE status <> 'sent';
`

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
