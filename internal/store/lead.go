package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LeadStatus enumerates the lead lifecycle, with a regression guard: once
// Booked, only an admin caller may move it (enforced by AdvanceStatus, which
// non-admin callers use; admin tooling writes status directly).
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadReplied   LeadStatus = "replied"
	LeadBooked    LeadStatus = "booked"
	LeadLost      LeadStatus = "lost"
)

// LeadIntent classifies what kind of inquiry the lead represents.
type LeadIntent string

const (
	IntentNone      LeadIntent = ""
	IntentEmergency LeadIntent = "emergency"
	IntentService   LeadIntent = "service"
	IntentInquiry   LeadIntent = "inquiry"
)

// Lead is unique per (tenant, phone).
type Lead struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Phone         string
	Status        LeadStatus
	Intent        LeadIntent
	OptOut        bool
	Name          string
	CreatedAt     time.Time
	LastContactAt *time.Time
}

var ErrLeadNotFound = errors.New("store: lead not found")

// LeadStore persists leads.
type LeadStore struct {
	pool Querier
}

func NewLeadStore(pool Querier) *LeadStore {
	return &LeadStore{pool: pool}
}

const leadColumns = `id, tenant_id, phone, status, intent, opt_out, name, created_at, last_contact_at`

func scanLead(row pgx.Row) (Lead, error) {
	var l Lead
	var intent *string
	var name *string
	if err := row.Scan(&l.ID, &l.TenantID, &l.Phone, &l.Status, &intent, &l.OptOut, &name, &l.CreatedAt, &l.LastContactAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lead{}, ErrLeadNotFound
		}
		return Lead{}, fmt.Errorf("store: scan lead: %w", err)
	}
	if intent != nil {
		l.Intent = LeadIntent(*intent)
	}
	if name != nil {
		l.Name = *name
	}
	return l, nil
}

// GetOrCreateByPhone finds a tenant's lead by phone or creates a new one in
// status=new, touching last_contact_at on every inbound event.
func (s *LeadStore) GetOrCreateByPhone(ctx context.Context, q Querier, tenantID uuid.UUID, phone string) (Lead, bool, error) {
	if q == nil {
		q = s.pool
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return Lead{}, false, fmt.Errorf("store: phone required")
	}
	row := q.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE tenant_id = $1 AND phone = $2`, tenantID, phone)
	existing, err := scanLead(row)
	if err == nil {
		_, updErr := q.Exec(ctx, `UPDATE leads SET last_contact_at = now() WHERE id = $1`, existing.ID)
		if updErr != nil {
			return Lead{}, false, fmt.Errorf("store: touch lead: %w", updErr)
		}
		return existing, false, nil
	}
	if !errors.Is(err, ErrLeadNotFound) {
		return Lead{}, false, err
	}

	id := uuid.New()
	insertRow := q.QueryRow(ctx, `
		INSERT INTO leads (id, tenant_id, phone, status, last_contact_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (tenant_id, phone) DO UPDATE SET last_contact_at = now()
		RETURNING `+leadColumns,
		id, tenantID, phone, LeadNew)
	created, err := scanLead(insertRow)
	if err != nil {
		return Lead{}, false, err
	}
	return created, created.ID == id, nil
}

// AdvanceStatus moves a lead to newStatus, refusing to move a Booked lead
// (the regression guard in spec.md §3 — "once booked, only admin may move
// it"; this path is the non-admin one used by the routers).
func (s *LeadStore) AdvanceStatus(ctx context.Context, q Querier, leadID uuid.UUID, newStatus LeadStatus) error {
	if q == nil {
		q = s.pool
	}
	ct, err := q.Exec(ctx, `UPDATE leads SET status = $2 WHERE id = $1 AND status <> $3`, leadID, newStatus, LeadBooked)
	if err != nil {
		return fmt.Errorf("store: advance lead status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Either the lead doesn't exist or it is booked; the latter is not
		// an error, it's the guard working as designed.
		return nil
	}
	return nil
}

// AdvanceOnSent moves a lead from new to contacted on the first successful
// outbound send (spec.md §4.8's dispatcher LeadAdvancer dependency); it
// never touches a lead already past new, so a later reply or nudge doesn't
// regress status back from replied/booked.
func (s *LeadStore) AdvanceOnSent(ctx context.Context, tenantID uuid.UUID, to string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE leads SET status = $3
		WHERE tenant_id = $1 AND phone = $2 AND status = $4`,
		tenantID, to, LeadContacted, LeadNew)
	if err != nil {
		return fmt.Errorf("store: advance lead on sent: %w", err)
	}
	return nil
}

// SetIntent records the classified intent (e.g. emergency) for a lead.
func (s *LeadStore) SetIntent(ctx context.Context, q Querier, leadID uuid.UUID, intent LeadIntent) error {
	if q == nil {
		q = s.pool
	}
	_, err := q.Exec(ctx, `UPDATE leads SET intent = $2 WHERE id = $1`, leadID, string(intent))
	if err != nil {
		return fmt.Errorf("store: set lead intent: %w", err)
	}
	return nil
}

// SetOptOut is idempotent: it only ever sets the flag to true. The one path
// that sets it back to false is ClearOptOut, called on START/UNSTOP (see
// internal/consent for the cross-tenant opt-out source of truth).
func (s *LeadStore) SetOptOut(ctx context.Context, q Querier, leadID uuid.UUID) error {
	if q == nil {
		q = s.pool
	}
	_, err := q.Exec(ctx, `UPDATE leads SET opt_out = true WHERE id = $1`, leadID)
	if err != nil {
		return fmt.Errorf("store: set opt-out: %w", err)
	}
	return nil
}

// ClearOptOut reverses SetOptOut for the START/UNSTOP path (spec.md §4.11
// step 5: "clear opt-out, record express consent").
func (s *LeadStore) ClearOptOut(ctx context.Context, q Querier, leadID uuid.UUID) error {
	if q == nil {
		q = s.pool
	}
	_, err := q.Exec(ctx, `UPDATE leads SET opt_out = false WHERE id = $1`, leadID)
	if err != nil {
		return fmt.Errorf("store: clear opt-out: %w", err)
	}
	return nil
}

// SetOptOutAnyTenant marks every tenant's lead row for phone as opted out,
// for the unsubscribe-link path (spec.md §6's GET /unsubscribe), which has
// no single tenant in scope the way the SMS Router's STOP path does.
func (s *LeadStore) SetOptOutAnyTenant(ctx context.Context, phone string) error {
	_, err := s.pool.Exec(ctx, `UPDATE leads SET opt_out = true WHERE phone = $1`, phone)
	if err != nil {
		return fmt.Errorf("store: set opt-out (any tenant): %w", err)
	}
	return nil
}

// IsOptedOutAnyTenant answers the Safety Gate's phone-level opt-out check
// (spec.md §4.7: "opt_out (cache then store)"), matching any tenant since
// consent revocation is itself global (spec.md §3).
func (s *LeadStore) IsOptedOutAnyTenant(ctx context.Context, phone string) (bool, error) {
	var optedOut bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM leads WHERE phone = $1 AND opt_out = true)`, phone).Scan(&optedOut)
	if err != nil {
		return false, fmt.Errorf("store: is opted out: %w", err)
	}
	return optedOut, nil
}

// GetByID fetches a single lead by id.
func (s *LeadStore) GetByID(ctx context.Context, id uuid.UUID) (Lead, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	return scanLead(row)
}

// CountEmergencyLeadsSince supports the dashboard's revenue estimate
// (count(leads where intent=emergency in window) × tenant.average_job_value,
// per spec.md §6) — read-only query over the same store.
func (s *LeadStore) CountEmergencyLeadsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM leads
		WHERE tenant_id = $1 AND intent = $2 AND created_at >= $3`,
		tenantID, string(IntentEmergency), since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count emergency leads: %w", err)
	}
	return count, nil
}
