package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType names a kind of audit_events row.
type AuditEventType string

const (
	// EventConsentGranted is logged whenever the Consent Ledger records a
	// new implied or express grant.
	EventConsentGranted AuditEventType = "consent.granted"
	// EventConsentRevoked is logged whenever the Consent Ledger revokes a
	// phone's outstanding consent records, whether via STOP keyword or the
	// unsubscribe link.
	EventConsentRevoked AuditEventType = "consent.revoked"
	// EventSafetyRejection is logged whenever the Safety Gate refuses to
	// authorize an outbound draft.
	EventSafetyRejection AuditEventType = "safety.rejected"
)

// AuditEvent is an immutable row appended to audit_events.
type AuditEvent struct {
	TenantID   uuid.NullUUID
	EventType  AuditEventType
	Phone      string
	Detail     any
	OccurredAt time.Time
}

// AuditService appends to the audit_events table. A nil *AuditService is
// valid and every method is a no-op, matching the rest of the codebase's
// optional-dependency pattern (see internal/observability/metrics.Metrics).
type AuditService struct {
	db *sql.DB
}

// NewAuditService wraps a *sql.DB for audit writes.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// LogEvent appends event to the audit trail. It never blocks a caller's
// primary operation on audit failure beyond returning the error; callers log
// and continue rather than fail the consent/safety decision itself.
func (s *AuditService) LogEvent(ctx context.Context, event AuditEvent) error {
	if s == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("compliance: marshal audit detail: %w", err)
	}
	if detail == nil || string(detail) == "null" {
		detail = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (tenant_id, event_type, phone, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		event.TenantID, string(event.EventType), nullString(event.Phone), detail, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("compliance: log audit event: %w", err)
	}
	return nil
}

// LogConsentGranted records a consent grant.
func (s *AuditService) LogConsentGranted(ctx context.Context, tenantID uuid.UUID, phone string, kind, source string) error {
	return s.LogEvent(ctx, AuditEvent{
		TenantID:  uuid.NullUUID{UUID: tenantID, Valid: true},
		EventType: EventConsentGranted,
		Phone:     phone,
		Detail:    map[string]string{"kind": kind, "source": source},
	})
}

// LogConsentRevoked records a consent revocation. Revocation is global
// across tenants, so no tenant ID is attached.
func (s *AuditService) LogConsentRevoked(ctx context.Context, phone, reason string) error {
	return s.LogEvent(ctx, AuditEvent{
		EventType: EventConsentRevoked,
		Phone:     phone,
		Detail:    map[string]string{"reason": reason},
	})
}

// LogSafetyRejection records a Safety Gate rejection, redacting the draft
// body before it is persisted.
func (s *AuditService) LogSafetyRejection(ctx context.Context, tenantID uuid.UUID, phone, reason, body string) error {
	redacted, _ := RedactPAN(body)
	return s.LogEvent(ctx, AuditEvent{
		TenantID:  uuid.NullUUID{UUID: tenantID, Valid: true},
		EventType: EventSafetyRejection,
		Phone:     phone,
		Detail:    map[string]string{"reason": reason, "body": redacted},
	})
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
