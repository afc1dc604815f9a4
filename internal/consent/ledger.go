// Package consent implements the Consent Ledger (spec.md §4.6): an
// append-only record of implied/express grants and revocations, with a
// phone globally "consented" (across tenants) iff a non-revoked,
// non-expired record exists. Grounded on the teacher's
// internal/messaging/store.go InsertUnsubscribe/IsUnsubscribed shape,
// generalized to the richer ConsentRecord model of spec.md §3. Grants and
// revocations are mirrored to the compliance audit trail
// (internal/compliance.AuditService), grounded on the teacher's
// internal/compliance/audit.go.
package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/lead-capture-engine/internal/compliance"
)

// Kind distinguishes implied (expiring) from express (no expiry) consent.
type Kind string

const (
	Implied Kind = "implied"
	Express Kind = "express"
)

// Source names where a consent record originated.
type Source string

const (
	SourceInboundCall Source = "inbound_call"
	SourceInboundSMS  Source = "inbound_sms"
	SourceWebForm     Source = "web_form"
	SourceManual       Source = "manual"
)

// impliedValidity is the default expiry window for implied consent.
const impliedValidity = 2 * 365 * 24 * time.Hour

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger persists consent_records.
type Ledger struct {
	pool querier

	// Audit is optional; a nil value disables audit logging (see
	// compliance.AuditService's nil-safe method set).
	Audit *compliance.AuditService
}

func New(pool querier) *Ledger {
	return &Ledger{pool: pool}
}

// Record appends a new grant. Implied grants get a +2y expiry; express
// grants never expire.
func (l *Ledger) Record(ctx context.Context, q querier, tenantID uuid.UUID, leadID *uuid.UUID, phone string, kind Kind, source Source, metadata map[string]any) error {
	if q == nil {
		q = l.pool
	}
	var expiresAt *time.Time
	if kind == Implied {
		t := time.Now().Add(impliedValidity)
		expiresAt = &t
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("consent: marshal metadata: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO consent_records (id, lead_id, tenant_id, phone, kind, source, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), leadID, tenantID, phone, string(kind), string(source), expiresAt, meta,
	)
	if err != nil {
		return fmt.Errorf("consent: record: %w", err)
	}
	if auditErr := l.Audit.LogConsentGranted(ctx, tenantID, phone, string(kind), string(source)); auditErr != nil {
		return fmt.Errorf("consent: audit grant: %w", auditErr)
	}
	return nil
}

// Revoke marks every non-revoked record for phone as revoked, globally
// across tenants, in a single atomic statement (spec.md §4.6: "Revocation
// updates every non-revoked record for that phone atomically").
func (l *Ledger) Revoke(ctx context.Context, q querier, phone, reason string) error {
	if q == nil {
		q = l.pool
	}
	_, err := q.Exec(ctx, `
		UPDATE consent_records
		SET revoked_at = now(), revocation_reason = $2
		WHERE phone = $1 AND revoked_at IS NULL`,
		phone, reason,
	)
	if err != nil {
		return fmt.Errorf("consent: revoke: %w", err)
	}
	if auditErr := l.Audit.LogConsentRevoked(ctx, phone, reason); auditErr != nil {
		return fmt.Errorf("consent: audit revoke: %w", auditErr)
	}
	return nil
}

// IsValid answers whether phone currently has a live consent record,
// globally (tenantID is accepted for call-site symmetry with spec.md's
// is_valid(phone, tenant) signature but revocation/validity are global per
// the invariant in spec.md §3).
func (l *Ledger) IsValid(ctx context.Context, phone string, tenantID uuid.UUID) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM consent_records
			WHERE phone = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > now())
		)`, phone,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("consent: is_valid: %w", err)
	}
	return exists, nil
}
