package voice

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/lead-capture-engine/internal/clock"
	"github.com/wolfman30/lead-capture-engine/internal/consent"
	"github.com/wolfman30/lead-capture-engine/internal/idempotency"
	"github.com/wolfman30/lead-capture-engine/internal/nudge"
	"github.com/wolfman30/lead-capture-engine/internal/outbound"
	"github.com/wolfman30/lead-capture-engine/internal/store"
	"github.com/wolfman30/lead-capture-engine/internal/telephony"
)

type stubTenantResolver struct {
	tenant store.Tenant
	err    error
}

func (s stubTenantResolver) GetByInboundNumber(ctx context.Context, number string) (store.Tenant, error) {
	return s.tenant, s.err
}

func (s stubTenantResolver) GetByOperatorNumber(ctx context.Context, number string) (store.Tenant, error) {
	return s.tenant, s.err
}

type stubNudgeQueue struct {
	scheduled int
}

func (s *stubNudgeQueue) EnqueueNudge(ctx context.Context, tenantID uuid.UUID, caller, body string, scheduledFor time.Time) error {
	s.scheduled++
	return nil
}

func (s *stubNudgeQueue) CancelNudges(ctx context.Context, caller string) (int, error) {
	return 0, nil
}

func daytimeTenant() store.Tenant {
	return store.Tenant{
		ID: uuid.New(), InboundNumber: "+15550001111", OperatorNumber: "+15550002222",
		DisplayName: "Acme Clinic", Timezone: "America/Chicago", DayStart: 0, DayEnd: 24, EveningEnd: 24,
	}
}

func TestHandleVoiceDaytimeDialsOperator(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	tenant := daytimeTenant()
	resolver := stubTenantResolver{tenant: tenant}
	guard := idempotency.New(mock)
	leads := store.NewLeadStore(mock)
	ledger := consent.New(mock)
	queue := outbound.New(mock, 5, time.Minute)
	nudges := nudge.New(&stubNudgeQueue{})
	gateway := telephony.NewFakeGateway()

	mock.ExpectExec("INSERT INTO webhook_events").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r := New(resolver, guard, leads, ledger, queue, nudges, gateway, clock.New("America/Chicago"), nil)
	twiml, err := r.HandleVoice(context.Background(), VoiceParams{From: "+15550003333", To: tenant.InboundNumber, CallSid: "CA1"}, "/voice/status")
	if err != nil {
		t.Fatalf("handle voice: %v", err)
	}
	if !strings.Contains(twiml, "<Dial") || !strings.Contains(twiml, tenant.OperatorNumber) {
		t.Fatalf("expected dial to operator, got %q", twiml)
	}
}

func TestHandleVoiceUnknownNumberReturnsEmptyResponse(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	resolver := stubTenantResolver{err: store.ErrTenantNotFound}
	guard := idempotency.New(mock)
	leads := store.NewLeadStore(mock)
	ledger := consent.New(mock)
	queue := outbound.New(mock, 5, time.Minute)
	nudges := nudge.New(&stubNudgeQueue{})
	gateway := telephony.NewFakeGateway()

	r := New(resolver, guard, leads, ledger, queue, nudges, gateway, clock.New("America/Chicago"), nil)
	twiml, err := r.HandleVoice(context.Background(), VoiceParams{From: "+15550003333", To: "+19999999999", CallSid: "CA2"}, "/voice/status")
	if err != nil {
		t.Fatalf("handle voice: %v", err)
	}
	if twiml != emptyResponse {
		t.Fatalf("expected empty response for unknown number, got %q", twiml)
	}
}

func TestHandleVoiceStatusMissedCallSchedulesAckAlertAndNudge(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	tenant := daytimeTenant()
	resolver := stubTenantResolver{tenant: tenant}
	guard := idempotency.New(mock)
	leads := store.NewLeadStore(mock)
	ledger := consent.New(mock)
	queue := outbound.New(mock, 5, time.Minute)
	nudgeQueue := &stubNudgeQueue{}
	nudges := nudge.New(nudgeQueue)
	gateway := telephony.NewFakeGateway()

	leadID := uuid.New()
	mock.ExpectExec("INSERT INTO webhook_events").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT .* FROM leads").WillReturnError(store.ErrLeadNotFound)
	mock.ExpectQuery("INSERT INTO leads").WillReturnRows(pgxmock.NewRows(
		[]string{"id", "tenant_id", "phone", "status", "intent", "opt_out", "name", "created_at", "last_contact_at"}).
		AddRow(leadID, tenant.ID, "+15550003333", "new", (*string)(nil), false, (*string)(nil), time.Now(), time.Now()))
	mock.ExpectExec("INSERT INTO consent_records").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO outbound_messages").WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.New()))
	mock.ExpectQuery("INSERT INTO outbound_messages").WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.New()))

	r := New(resolver, guard, leads, ledger, queue, nudges, gateway, clock.New("America/Chicago"), nil)
	_, err = r.HandleVoiceStatus(context.Background(), StatusParams{
		CallSid: "CA3", DialCallStatus: "no-answer", From: "+15550003333", To: tenant.InboundNumber,
	})
	if err != nil {
		t.Fatalf("handle voice status: %v", err)
	}
	if nudgeQueue.scheduled != 1 {
		t.Fatalf("expected one nudge scheduled, got %d", nudgeQueue.scheduled)
	}
}
