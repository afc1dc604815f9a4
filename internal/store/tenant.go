package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Tenant is an isolated customer of the system, owning one inbound number.
type Tenant struct {
	ID                uuid.UUID
	InboundNumber     string
	OperatorNumber    string
	DisplayName       string
	Timezone          string
	DayStart          int
	DayEnd            int
	EveningEnd        int
	EmergencyMode     bool
	AIActive          bool
	AverageJobValue   float64
	ReviewLink        string
	SheetID           string
	NotificationPrefs NotificationPrefs
}

// NotificationPrefs supplements spec.md's single operator number with
// multiple SMS recipients, adapted from the reference's clinic config.
type NotificationPrefs struct {
	SMSRecipients []string `json:"sms_recipients,omitempty"`
}

// Recipients returns the tenant's primary operator number followed by any
// configured operator SMS recipients, skipping empty and duplicate numbers.
func (p NotificationPrefs) Recipients(fallback string) []string {
	seen := make(map[string]struct{}, len(p.SMSRecipients)+1)
	var out []string
	add := func(n string) {
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	add(fallback)
	for _, r := range p.SMSRecipients {
		add(r)
	}
	return out
}

// TenantStore persists and resolves tenants.
type TenantStore struct {
	pool Querier
}

func NewTenantStore(pool Querier) *TenantStore {
	return &TenantStore{pool: pool}
}

// ErrTenantNotFound is returned when a lookup finds no matching tenant.
var ErrTenantNotFound = errors.New("store: tenant not found")

func (s *TenantStore) scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	var prefs []byte
	err := row.Scan(
		&t.ID, &t.InboundNumber, &t.OperatorNumber, &t.DisplayName, &t.Timezone,
		&t.DayStart, &t.DayEnd, &t.EveningEnd, &t.EmergencyMode, &t.AIActive,
		&t.AverageJobValue, &t.ReviewLink, &t.SheetID, &prefs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrTenantNotFound
		}
		return Tenant{}, fmt.Errorf("store: scan tenant: %w", err)
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &t.NotificationPrefs); err != nil {
			return Tenant{}, fmt.Errorf("store: unmarshal notification prefs: %w", err)
		}
	}
	return t, nil
}

const tenantColumns = `id, inbound_number, operator_number, display_name, timezone,
	day_start, day_end, evening_end, emergency_mode, ai_active,
	average_job_value, review_link, sheet_id, notification_prefs`

// GetByInboundNumber resolves the tenant owning the number a webhook's
// "To" field reports.
func (s *TenantStore) GetByInboundNumber(ctx context.Context, number string) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE inbound_number = $1`, number)
	return s.scanTenant(row)
}

// GetByOperatorNumber supports the dial-status fallback lookup (DESIGN.md
// Open Question 2): some provider callbacks echo the operator leg in "To".
func (s *TenantStore) GetByOperatorNumber(ctx context.Context, number string) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE operator_number = $1`, number)
	return s.scanTenant(row)
}

func (s *TenantStore) GetByID(ctx context.Context, id uuid.UUID) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return s.scanTenant(row)
}

// Create is admin-only per spec.md §3; no public mutation path exists here.
func (s *TenantStore) Create(ctx context.Context, t Tenant) (Tenant, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	prefs, err := json.Marshal(t.NotificationPrefs)
	if err != nil {
		return Tenant{}, fmt.Errorf("store: marshal notification prefs: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, inbound_number, operator_number, display_name, timezone,
			day_start, day_end, evening_end, emergency_mode, ai_active,
			average_job_value, review_link, sheet_id, notification_prefs)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING `+tenantColumns,
		t.ID, t.InboundNumber, t.OperatorNumber, t.DisplayName, t.Timezone,
		t.DayStart, t.DayEnd, t.EveningEnd, t.EmergencyMode, t.AIActive,
		t.AverageJobValue, t.ReviewLink, t.SheetID, prefs,
	)
	return s.scanTenant(row)
}

// SetAIActive toggles the global pause flag; exposed for the dashboard API
// (consumed, not implemented here, per spec.md §6).
func (s *TenantStore) SetAIActive(ctx context.Context, id uuid.UUID, active bool) error {
	ct, err := s.pool.Exec(ctx, `UPDATE tenants SET ai_active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("store: set ai_active: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}
