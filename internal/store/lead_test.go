package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestGetOrCreateByPhoneReturnsExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	leadID := uuid.New()
	tenantID := uuid.New()
	mock.ExpectQuery("SELECT .* FROM leads WHERE tenant_id").
		WithArgs(tenantID, "+15550001111").
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "phone", "status", "intent", "opt_out", "name", "created_at", "last_contact_at"}).
			AddRow(leadID, tenantID, "+15550001111", LeadNew, (*string)(nil), false, (*string)(nil), time.Now(), (*time.Time)(nil)))
	mock.ExpectExec("UPDATE leads SET last_contact_at").
		WithArgs(leadID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := NewLeadStore(mock)
	lead, created, err := s.GetOrCreateByPhone(context.Background(), nil, tenantID, "+15550001111")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if created {
		t.Fatalf("expected existing lead, not created")
	}
	if lead.ID != leadID {
		t.Fatalf("expected lead id %s, got %s", leadID, lead.ID)
	}
}

func TestGetOrCreateByPhoneCreatesOnNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	tenantID := uuid.New()
	mock.ExpectQuery("SELECT .* FROM leads WHERE tenant_id").
		WillReturnError(ErrLeadNotFound)
	mock.ExpectQuery("INSERT INTO leads").
		WillReturnRows(pgxmock.NewRows([]string{"id", "tenant_id", "phone", "status", "intent", "opt_out", "name", "created_at", "last_contact_at"}).
			AddRow(uuid.New(), tenantID, "+15550002222", LeadNew, (*string)(nil), false, (*string)(nil), time.Now(), (*time.Time)(nil)))

	s := NewLeadStore(mock)
	lead, created, err := s.GetOrCreateByPhone(context.Background(), nil, tenantID, "+15550002222")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !created {
		t.Fatalf("expected new lead to report created")
	}
	if lead.Phone != "+15550002222" {
		t.Fatalf("unexpected phone: %s", lead.Phone)
	}
}

func TestGetOrCreateByPhoneRejectsBlankPhone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	s := NewLeadStore(mock)
	if _, _, err := s.GetOrCreateByPhone(context.Background(), nil, uuid.New(), "   "); err == nil {
		t.Fatalf("expected error for blank phone")
	}
}

func TestAdvanceStatusSkipsBookedLeads(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	leadID := uuid.New()
	mock.ExpectExec("UPDATE leads SET status").
		WithArgs(leadID, LeadLost, LeadBooked).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s := NewLeadStore(mock)
	if err := s.AdvanceStatus(context.Background(), nil, leadID, LeadLost); err != nil {
		t.Fatalf("advance status: %v", err)
	}
}

func TestSetOptOutAnyTenantAndIsOptedOutAnyTenant(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec("UPDATE leads SET opt_out = true WHERE phone").
		WithArgs("+15550003333").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("+15550003333").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	s := NewLeadStore(mock)
	if err := s.SetOptOutAnyTenant(context.Background(), "+15550003333"); err != nil {
		t.Fatalf("set opt-out: %v", err)
	}
	optedOut, err := s.IsOptedOutAnyTenant(context.Background(), "+15550003333")
	if err != nil {
		t.Fatalf("is opted out: %v", err)
	}
	if !optedOut {
		t.Fatalf("expected opted out true")
	}
}

func TestCountEmergencyLeadsSince(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	tenantID := uuid.New()
	since := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM leads").
		WithArgs(tenantID, string(IntentEmergency), since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	s := NewLeadStore(mock)
	count, err := s.CountEmergencyLeadsSince(context.Background(), tenantID, since)
	if err != nil {
		t.Fatalf("count emergency leads: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3, got %d", count)
	}
}
