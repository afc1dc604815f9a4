// Package outbound implements the Outbound Queue (spec.md §4.8): at-least-
// once delivery with atomic claim, exponential backoff, stuck-claim
// recovery, and dead-letter. Grounded on the teacher's
// internal/events/outbox.go (Deliverer/drain loop, conditional
// MarkDelivered-style finalize) combined with
// internal/worker/messaging/retry_sender.go (exponential nextDelay,
// ticker-based Run), generalized into the full claim/backoff/
// stuck-recovery/adaptive-polling state machine spec.md requires.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Status is the OutboundMessage lifecycle state (spec.md §3).
type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusSent           Status = "sent"
	StatusDelivered      Status = "delivered"
	StatusFailed         Status = "failed"
	StatusFailedOptOut   Status = "failed_optout"
	StatusFailedSafety   Status = "failed_safety"
	StatusFailedPermanent Status = "failed_permanent"
	StatusCancelled      Status = "cancelled"
)

// EnqueueResult is the outcome of Enqueue.
type EnqueueResult string

const (
	Queued       EnqueueResult = "queued"
	Deduplicated EnqueueResult = "deduplicated"
	Rejected     EnqueueResult = "rejected"
)

// Message is a row of outbound_messages.
type Message struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	ToNumber          string
	Body              string
	ExternalID        string
	Status            Status
	Attempts          int
	LastAttemptAt     *time.Time
	LockedAt          *time.Time
	ScheduledFor      *time.Time
	CreatedAt         time.Time
	SentAt            *time.Time
	ProviderMessageID string
	IsInternal        bool
	IsEmergencyAck    bool
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queue persists and claims outbound_messages rows.
type Queue struct {
	pool        querier
	maxRetries  int
	stuckAfter  time.Duration
}

// New builds a Queue. maxRetries is the MAX_RETRIES budget (default 5 per
// spec.md §4.8); stuckAfter is the stuck-claim timeout (default 5m).
func New(pool querier, maxRetries int, stuckAfter time.Duration) *Queue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	return &Queue{pool: pool, maxRetries: maxRetries, stuckAfter: stuckAfter}
}

// BackoffSeconds is the fixed schedule from spec.md §4.8, indexed by the
// row's current attempts count.
func BackoffSeconds(attempts int) int {
	switch {
	case attempts <= 0:
		return 0
	case attempts == 1:
		return 5
	case attempts == 2:
		return 30
	case attempts == 3:
		return 120
	case attempts == 4:
		return 600
	default:
		return 1800
	}
}

// Enqueue inserts a new row. A duplicate external_id leaves the prior row
// unchanged and returns Deduplicated.
func (q *Queue) Enqueue(ctx context.Context, tx querier, tenantID uuid.UUID, to, body string, externalID *string, scheduledFor *time.Time, isInternal bool) (EnqueueResult, uuid.UUID, error) {
	return q.enqueue(ctx, tx, tenantID, to, body, externalID, scheduledFor, isInternal, false)
}

// EnqueueEmergencyAck inserts a row flagged as the emergency-response
// acknowledgement, exempting it from the Safety Gate's quiet-hours
// rejection (spec.md §4.7: "quiet_hours ... if classification ≠
// emergency-response").
func (q *Queue) EnqueueEmergencyAck(ctx context.Context, tx querier, tenantID uuid.UUID, to, body string, externalID *string) (EnqueueResult, uuid.UUID, error) {
	return q.enqueue(ctx, tx, tenantID, to, body, externalID, nil, false, true)
}

func (q *Queue) enqueue(ctx context.Context, tx querier, tenantID uuid.UUID, to, body string, externalID *string, scheduledFor *time.Time, isInternal, isEmergencyAck bool) (EnqueueResult, uuid.UUID, error) {
	if tx == nil {
		tx = q.pool
	}
	id := uuid.New()
	var extArg any
	if externalID != nil && *externalID != "" {
		extArg = *externalID
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO outbound_messages (id, tenant_id, to_number, body, external_id, scheduled_for, is_internal, is_emergency_ack)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id`,
		id, tenantID, to, body, extArg, scheduledFor, isInternal, isEmergencyAck,
	)
	var returned uuid.UUID
	if err := row.Scan(&returned); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deduplicated, uuid.Nil, nil
		}
		return Rejected, uuid.Nil, fmt.Errorf("outbound: enqueue: %w", err)
	}
	return Queued, returned, nil
}

const messageColumns = `id, tenant_id, to_number, body, COALESCE(external_id, ''), status, attempts,
	last_attempt_at, locked_at, scheduled_for, created_at, sent_at, COALESCE(provider_message_id, ''), is_internal, is_emergency_ack`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.TenantID, &m.ToNumber, &m.Body, &m.ExternalID, &m.Status, &m.Attempts,
		&m.LastAttemptAt, &m.LockedAt, &m.ScheduledFor, &m.CreatedAt, &m.SentAt, &m.ProviderMessageID, &m.IsInternal, &m.IsEmergencyAck)
	return m, err
}

// ClaimBatch atomically claims up to k rows eligible per spec.md §4.8's
// claim predicate: pending-and-due-by-backoff, OR processing-and-stuck.
// The claim is a single UPDATE ... WHERE id IN (subselect) RETURNING *
// inside one statement, so no two dispatchers can claim the same row.
func (q *Queue) ClaimBatch(ctx context.Context, k int) ([]Message, error) {
	rows, err := q.pool.Query(ctx, `
		UPDATE outbound_messages SET status = 'processing', locked_at = now()
		WHERE id IN (
			SELECT id FROM outbound_messages
			WHERE
				(
					status = 'pending'
					AND (scheduled_for IS NULL OR scheduled_for <= now())
					AND (
						attempts = 0
						OR last_attempt_at IS NULL
						OR last_attempt_at <= now() - (CASE
							WHEN attempts <= 0 THEN interval '0 seconds'
							WHEN attempts = 1 THEN interval '5 seconds'
							WHEN attempts = 2 THEN interval '30 seconds'
							WHEN attempts = 3 THEN interval '120 seconds'
							WHEN attempts = 4 THEN interval '600 seconds'
							ELSE interval '1800 seconds'
						END)
					)
				)
				OR (
					status = 'processing'
					AND (locked_at IS NULL OR locked_at <= now() - $2::interval)
				)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns,
		k, fmt.Sprintf("%d seconds", int(q.stuckAfter.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("outbound: claim batch: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("outbound: scan claimed message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FinalizeSent marks a row sent via the gateway and records the
// provider message id.
func (q *Queue) FinalizeSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE outbound_messages SET status = 'sent', sent_at = now(), provider_message_id = $2
		WHERE id = $1`, id, providerMessageID)
	if err != nil {
		return fmt.Errorf("outbound: finalize sent: %w", err)
	}
	return nil
}

// FinalizeTransient reschedules the row for retry, incrementing attempts.
// If attempts+1 reaches maxRetries it dead-letters to failed_permanent
// instead (spec.md §4.8: "When attempts+1 ≥ MAX_RETRIES, move to
// failed_permanent and emit a critical alert").
func (q *Queue) FinalizeTransient(ctx context.Context, id uuid.UUID, attempts int) (exhausted bool, err error) {
	if attempts+1 >= q.maxRetries {
		if ferr := q.FinalizePermanent(ctx, id); ferr != nil {
			return true, ferr
		}
		return true, nil
	}
	_, err = q.pool.Exec(ctx, `
		UPDATE outbound_messages
		SET status = 'pending', attempts = attempts + 1, last_attempt_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("outbound: finalize transient: %w", err)
	}
	return false, nil
}

// FinalizePermanent dead-letters the row.
func (q *Queue) FinalizePermanent(ctx context.Context, id uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `UPDATE outbound_messages SET status = 'failed_permanent' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbound: finalize permanent: %w", err)
	}
	return nil
}

// FinalizeOptOut drops the row silently per spec.md §7 (ConsentDenied never
// user-visible).
func (q *Queue) FinalizeOptOut(ctx context.Context, id uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `UPDATE outbound_messages SET status = 'failed_optout' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbound: finalize opt-out: %w", err)
	}
	return nil
}

// FinalizeSafety drops the row when the Safety Gate rejects it for a reason
// other than opt-out (invalid tenant/number).
func (q *Queue) FinalizeSafety(ctx context.Context, id uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `UPDATE outbound_messages SET status = 'failed_safety' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbound: finalize safety: %w", err)
	}
	return nil
}

// FinalizeQuietHours re-queues without counting against MAX_RETRIES — see
// DESIGN.md Open Question 3.
func (q *Queue) FinalizeQuietHours(ctx context.Context, id uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE outbound_messages SET status = 'pending', last_attempt_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbound: finalize quiet hours: %w", err)
	}
	return nil
}

// UpdateBody persists a Safety-Gate-mutated body (footer append) before
// send, so a retried row doesn't get the footer appended twice.
func (q *Queue) UpdateBody(ctx context.Context, id uuid.UUID, body string) error {
	_, err := q.pool.Exec(ctx, `UPDATE outbound_messages SET body = $2 WHERE id = $1`, id, body)
	if err != nil {
		return fmt.Errorf("outbound: update body: %w", err)
	}
	return nil
}

// Cancel cancels all pending/processing rows whose external_id matches the
// given SQL LIKE pattern (spec.md §4.12 cancellation contract).
func (q *Queue) Cancel(ctx context.Context, externalIDPattern string) (int, error) {
	ct, err := q.pool.Exec(ctx, `
		UPDATE outbound_messages SET status = 'cancelled'
		WHERE external_id LIKE $1 AND status IN ('pending', 'processing')`,
		externalIDPattern,
	)
	if err != nil {
		return 0, fmt.Errorf("outbound: cancel: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func nudgeExternalID(caller string) string {
	return "nudge_" + caller
}

// EnqueueNudge enqueues a scheduled follow-up keyed by caller, with the
// idempotency-key shape spec.md §4.12 specifies: external_id =
// "nudge_<caller>".
func (q *Queue) EnqueueNudge(ctx context.Context, tenantID uuid.UUID, caller, body string, scheduledFor time.Time) error {
	id := nudgeExternalID(caller)
	_, _, err := q.Enqueue(ctx, nil, tenantID, caller, body, &id, &scheduledFor, false)
	return err
}

// CancelNudges cancels every pending/processing nudge row for caller.
func (q *Queue) CancelNudges(ctx context.Context, caller string) (int, error) {
	return q.Cancel(ctx, nudgeExternalID(caller))
}

// UpdateDeliveryStatus applies a provider delivery-status callback
// (spec.md §6 /sms/status), mapping provider status to {sent, delivered,
// failed, pending} and matching by provider_message_id. The update never
// regresses a row already in a terminal or further-advanced state back to
// pending — a late/out-of-order callback arriving after the row is already
// sent must not re-arm it for claim and risk a double-send (spec.md §8's
// single provider_message_id invariant).
func (q *Queue) UpdateDeliveryStatus(ctx context.Context, providerMessageID string, status Status) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE outbound_messages SET status = $2
		WHERE provider_message_id = $1
		  AND NOT ($2 = $3 AND status IN ($4, $5, $6, $7, $8, $9, $10))`,
		providerMessageID, status, StatusPending,
		StatusSent, StatusDelivered, StatusFailed, StatusFailedOptOut, StatusFailedSafety, StatusFailedPermanent, StatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("outbound: update delivery status: %w", err)
	}
	return nil
}
