// Package alertbuffer implements the Alert Debouncer (spec.md §4.9):
// per-(tenant,caller) buffered coalescing of operator alerts with 30s
// quiescence. Grounded on internal/worker/messaging/hosted_poller.go's
// ticker-loop sweep shape and internal/messaging/store.go's upsert
// patterns; the sweep-vs-bump exclusion is grounded on
// internal/events/outbox.go's conditional-update-inside-tx discipline.
package alertbuffer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txBeginner interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Buffer is one open AlertBuffer row.
type Buffer struct {
	TenantID      uuid.UUID
	CustomerPhone string
	OperatorPhone string
	Text          string
	Count         int
	SendAt        time.Time
}

// Debouncer persists and sweeps alert_buffers.
type Debouncer struct {
	pool   txBeginner
	window time.Duration
	logger *slog.Logger
}

func New(pool txBeginner, window time.Duration, logger *slog.Logger) *Debouncer {
	if window <= 0 {
		window = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{pool: pool, window: window, logger: logger}
}

// Bump appends body to the open buffer for (tenant, customerPhone),
// incrementing count and resetting send_at = now + window, creating the
// buffer if none is open (spec.md §4.9: "at most one open buffer per
// (tenant, customer)").
func (d *Debouncer) Bump(ctx context.Context, tenantID uuid.UUID, customerPhone, operatorPhone, body string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO alert_buffers (tenant_id, customer_phone, operator_phone, coalesced_text, count, send_at)
		VALUES ($1, $2, $3, $4, 1, now() + $5::interval)
		ON CONFLICT (tenant_id, customer_phone) DO UPDATE SET
			coalesced_text = alert_buffers.coalesced_text || E'\n' || EXCLUDED.coalesced_text,
			count = alert_buffers.count + 1,
			send_at = now() + $5::interval`,
		tenantID, customerPhone, operatorPhone, body, fmt.Sprintf("%d seconds", int(d.window.Seconds())),
	)
	if err != nil {
		return fmt.Errorf("alertbuffer: bump: %w", err)
	}
	return nil
}

// EnqueueFunc hands a composed alert body to the Outbound Queue and returns
// only the enqueue error. The closure in cmd/api calls C8's Enqueue with a
// nil external_id, so swept alert rows carry no idempotency key.
type EnqueueFunc func(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID, operatorPhone, body string) error

// Sweep selects every due buffer, composes one coalesced alert per the
// template in spec.md §4.9, hands it to enqueueFn, and deletes the buffer —
// all inside one write transaction per key so a concurrent Bump cannot be
// lost between compose and delete (spec.md §4.9's mutual-exclusion
// requirement).
func (d *Debouncer) Sweep(ctx context.Context, now time.Time, enqueueFn EnqueueFunc) (int, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT tenant_id, customer_phone, operator_phone, coalesced_text, count
		FROM alert_buffers WHERE send_at <= $1
		ORDER BY send_at ASC`, now)
	if err != nil {
		return 0, fmt.Errorf("alertbuffer: list due: %w", err)
	}
	var due []Buffer
	for rows.Next() {
		var b Buffer
		if err := rows.Scan(&b.TenantID, &b.CustomerPhone, &b.OperatorPhone, &b.Text, &b.Count); err != nil {
			rows.Close()
			return 0, fmt.Errorf("alertbuffer: scan due: %w", err)
		}
		due = append(due, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	delivered := 0
	for _, b := range due {
		if err := d.sweepOne(ctx, b, enqueueFn); err != nil {
			d.logger.Error("alertbuffer: sweep one failed", "tenant", b.TenantID, "phone", b.CustomerPhone, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (d *Debouncer) sweepOne(ctx context.Context, b Buffer, enqueueFn EnqueueFunc) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("alertbuffer: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-read and lock the row inside the transaction; if a concurrent
	// Bump already raced send_at forward, skip it this cycle.
	var current Buffer
	row := tx.QueryRow(ctx, `
		SELECT tenant_id, customer_phone, operator_phone, coalesced_text, count, send_at
		FROM alert_buffers
		WHERE tenant_id = $1 AND customer_phone = $2
		FOR UPDATE`, b.TenantID, b.CustomerPhone)
	var sendAt time.Time
	if err := row.Scan(&current.TenantID, &current.CustomerPhone, &current.OperatorPhone, &current.Text, &current.Count, &sendAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil // already swept by a concurrent worker
		}
		return fmt.Errorf("alertbuffer: lock row: %w", err)
	}
	if sendAt.After(time.Now()) {
		return tx.Commit(ctx) // bumped after we listed it; not due anymore
	}

	body := composeAlert(current.CustomerPhone, current.Text, current.Count)
	if err := enqueueFn(ctx, tx, current.TenantID, current.OperatorPhone, body); err != nil {
		return fmt.Errorf("alertbuffer: enqueue alert: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM alert_buffers WHERE tenant_id = $1 AND customer_phone = $2`, current.TenantID, current.CustomerPhone); err != nil {
		return fmt.Errorf("alertbuffer: delete buffer: %w", err)
	}
	return tx.Commit(ctx)
}

func composeAlert(phone, text string, count int) string {
	if count == 1 {
		return fmt.Sprintf("Lead Alert: %s sent a message:\n---\n%s\n---", phone, text)
	}
	return fmt.Sprintf("Lead Alert: %s sent %d messages:\n---\n%s\n---", phone, count, text)
}
