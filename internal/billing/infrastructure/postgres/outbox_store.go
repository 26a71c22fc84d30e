package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fitness360/billing-pipeline/pkg/outbox"
)

type OutboxStore struct {
	log        *slog.Logger
	pool       *pgxpool.Pool
	maxRetries int
}

func NewOutboxStore(log *slog.Logger, pool *pgxpool.Pool, maxRetries int) *OutboxStore {
	return &OutboxStore{log: log, pool: pool, maxRetries: maxRetries}
}

func (s *OutboxStore) Append(ctx context.Context, e outbox.Event) error {
	headers := e.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO outbox (topic, message_key, payload, headers, status) VALUES ($1,$2,$3,$4,'pending')`,
		e.Topic, e.Key, e.Payload, headers)
	return err
}

// outboxLeaseLock serialises leasing across relays, so a row can only be
// skipped while an earlier row of its key is being dispatched elsewhere.
const outboxLeaseLock = 7216500113

// LockBatch leases pending rows, rows whose lease expired, and failed rows
// that still have retries left. A row is held back while an earlier row with
// the same key is still leased by another relay; rows of one key are leased
// in id order, so a relay that dispatches its batch in order keeps key order.
func (s *OutboxStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]outbox.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, outboxLeaseLock); err != nil {
		return nil, fmt.Errorf("outbox lease lock: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT o.id, o.topic, o.message_key, o.payload, o.headers, o.created_at, o.retry_count
		FROM outbox o
		WHERE (o.status = 'pending'
		    OR (o.status = 'in_progress' AND o.lease_until < now())
		    OR (o.status = 'failed' AND o.retry_count < $2))
		  AND NOT EXISTS (
		      SELECT 1 FROM outbox e
		      WHERE e.message_key = o.message_key
		        AND o.message_key <> ''
		        AND e.id < o.id
		        AND e.status = 'in_progress'
		        AND e.lease_until >= now())
		ORDER BY o.id
		FOR UPDATE OF o SKIP LOCKED
		LIMIT $1
	`, batchSize, s.maxRetries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var event outbox.Event
		if err := rows.Scan(&event.ID, &event.Topic, &event.Key, &event.Payload, &event.Headers, &event.CreatedAt, &event.RetryCount); err != nil {
			return nil, err
		}
		event.Status = outbox.StatusInProgress
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}

	_, err = tx.Exec(ctx, `UPDATE outbox SET status='in_progress', relay_id=$1, lease_until=now() + make_interval(secs => $2) WHERE id = ANY($3)`,
		relayID, lease.Seconds(), ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	ct, err := s.pool.Exec(ctx, `UPDATE outbox SET status='sent', lease_until=NULL WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errors.New("no rows updated")
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status='failed', last_error=$2, retry_count=retry_count+1, lease_until=NULL WHERE id=$1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark outbox %d failed: %w", id, err)
	}
	return nil
}

func (s *OutboxStore) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET lease_until=now() + make_interval(secs => $1) WHERE id = ANY($2) AND relay_id=$3`,
		lease.Seconds(), ids, relayID)
	return err
}

func (s *OutboxStore) Release(ctx context.Context, relayID string, ids []int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status='pending', relay_id=NULL, lease_until=NULL WHERE id = ANY($1) AND relay_id=$2 AND status='in_progress'`,
		ids, relayID)
	if err != nil {
		return fmt.Errorf("release outbox rows: %w", err)
	}
	return nil
}
