package sms

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/lead-capture-engine/internal/alertbuffer"
	"github.com/wolfman30/lead-capture-engine/internal/consent"
	"github.com/wolfman30/lead-capture-engine/internal/idempotency"
	"github.com/wolfman30/lead-capture-engine/internal/nudge"
	"github.com/wolfman30/lead-capture-engine/internal/outbound"
	"github.com/wolfman30/lead-capture-engine/internal/store"
)

type smsStubTenantResolver struct {
	tenant store.Tenant
	err    error
}

func (s smsStubTenantResolver) GetByInboundNumber(ctx context.Context, number string) (store.Tenant, error) {
	return s.tenant, s.err
}

type smsStubNudgeQueue struct {
	cancelled int
}

func (s *smsStubNudgeQueue) EnqueueNudge(ctx context.Context, tenantID uuid.UUID, caller, body string, scheduledFor time.Time) error {
	return nil
}

func (s *smsStubNudgeQueue) CancelNudges(ctx context.Context, caller string) (int, error) {
	s.cancelled++
	return 0, nil
}

func smsTestTenant() store.Tenant {
	return store.Tenant{ID: uuid.New(), InboundNumber: "+15550001111", OperatorNumber: "+15550002222", AIActive: true}
}

func leadRows() []string {
	return []string{"id", "tenant_id", "phone", "status", "intent", "opt_out", "name", "created_at", "last_contact_at"}
}

func TestHandleStatusEchoIsIgnored(t *testing.T) {
	r := New(smsStubTenantResolver{}, nil, nil, nil, nil, nil, nil, nil)
	outcome, err := r.Handle(context.Background(), Params{SmsStatus: "delivered"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeStatusEcho {
		t.Fatalf("expected status echo outcome, got %v", outcome)
	}
}

func TestHandleUnknownInboundNumber(t *testing.T) {
	r := New(smsStubTenantResolver{err: store.ErrTenantNotFound}, nil, nil, nil, nil, nil, nil, nil)
	outcome, err := r.Handle(context.Background(), Params{To: "+19999999999", Body: "hi"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeUnknownTo {
		t.Fatalf("expected unknown-tenant outcome, got %v", outcome)
	}
}

func TestHandleStopSetsOptOutRevokesAndConfirms(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	tenant := smsTestTenant()
	resolver := smsStubTenantResolver{tenant: tenant}
	guard := idempotency.New(mock)
	leads := store.NewLeadStore(mock)
	ledger := consent.New(mock)
	queue := outbound.New(mock, 5, time.Minute)
	alerts := alertbuffer.New(mock, time.Minute, nil)
	nudgeQueue := &smsStubNudgeQueue{}
	nudges := nudge.New(nudgeQueue)

	leadID := uuid.New()
	mock.ExpectExec("INSERT INTO webhook_events").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT .* FROM leads").WillReturnError(store.ErrLeadNotFound)
	mock.ExpectQuery("INSERT INTO leads").WillReturnRows(pgxmock.NewRows(leadRows()).
		AddRow(leadID, tenant.ID, "+15550003333", "new", (*string)(nil), false, (*string)(nil), time.Now(), time.Now()))
	mock.ExpectExec("UPDATE leads SET opt_out").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE consent_records").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO outbound_messages").WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.New()))

	r := New(resolver, guard, leads, ledger, queue, alerts, nudges, nil)
	outcome, err := r.Handle(context.Background(), Params{MessageSid: "SM1", To: tenant.InboundNumber, From: "+15550003333", Body: "STOP"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeStop {
		t.Fatalf("expected stop outcome, got %v", outcome)
	}
	if nudgeQueue.cancelled != 0 {
		t.Fatalf("expected STOP to short-circuit before nudge cancellation, got %d", nudgeQueue.cancelled)
	}
}

func TestClassifyUrgencyScoring(t *testing.T) {
	if !classifyUrgency("there's a gas leak, please help now") {
		t.Fatalf("expected high-weight keywords to classify as urgent")
	}
	if classifyUrgency("no rush, just checking pricing, asap would be nice") {
		t.Fatalf("expected explicit not-urgent marker to override keyword score")
	}
	if classifyUrgency("just a normal question") {
		t.Fatalf("expected ordinary message to be non-urgent")
	}
}
