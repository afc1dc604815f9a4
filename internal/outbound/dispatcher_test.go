package outbound

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/lead-capture-engine/internal/safety"
	"github.com/wolfman30/lead-capture-engine/internal/telephony"
)

type stubReauthorizer struct {
	decision safety.Decision
	err      error
}

func (s stubReauthorizer) Authorize(ctx context.Context, d safety.Draft) (safety.Decision, error) {
	return s.decision, s.err
}

type stubAdvancer struct {
	calls int
}

func (s *stubAdvancer) AdvanceOnSent(ctx context.Context, tenantID uuid.UUID, to string) error {
	s.calls++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestDispatcherProcessSendsAndAdvancesLead(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	queue := New(mock, 5, time.Minute)
	gateway := telephony.NewFakeGateway()
	leads := &stubAdvancer{}
	d := NewDispatcher(queue, gateway, stubReauthorizer{decision: safety.Decision{Authorized: true, Body: "hi"}}, leads, nil, 2, 10)
	d.logger = discardLogger()

	msg := Message{ID: uuid.New(), TenantID: uuid.New(), ToNumber: "+15550001111", Body: "hi"}
	mock.ExpectExec("UPDATE outbound_messages").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	d.process(context.Background(), msg)

	if len(gateway.Sent) != 1 {
		t.Fatalf("expected one send, got %d", len(gateway.Sent))
	}
	if leads.calls != 1 {
		t.Fatalf("expected lead to be advanced once, got %d", leads.calls)
	}
}

func TestDispatcherProcessDropsOnOptOut(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	queue := New(mock, 5, time.Minute)
	gateway := telephony.NewFakeGateway()
	d := NewDispatcher(queue, gateway, stubReauthorizer{decision: safety.Decision{Authorized: false, Reason: safety.RejectOptOut}}, &stubAdvancer{}, nil, 2, 10)
	d.logger = discardLogger()

	msg := Message{ID: uuid.New(), TenantID: uuid.New(), ToNumber: "+15550001111", Body: "hi"}
	mock.ExpectExec("UPDATE outbound_messages SET status = 'failed_optout'").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	d.process(context.Background(), msg)

	if len(gateway.Sent) != 0 {
		t.Fatalf("expected no send on opt-out, got %d", len(gateway.Sent))
	}
}

func TestDispatcherProcessTransientFailureReschedules(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	queue := New(mock, 5, time.Minute)
	gateway := telephony.NewFakeGateway()
	gateway.SendErr = telephony.ErrTransient
	d := NewDispatcher(queue, gateway, stubReauthorizer{decision: safety.Decision{Authorized: true, Body: "hi"}}, &stubAdvancer{}, nil, 2, 10)
	d.logger = discardLogger()

	msg := Message{ID: uuid.New(), TenantID: uuid.New(), ToNumber: "+15550001111", Body: "hi", Attempts: 1}
	mock.ExpectExec("UPDATE outbound_messages").WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	d.process(context.Background(), msg)

	if len(gateway.Sent) != 0 {
		t.Fatalf("expected no successful send on transient failure, got %d", len(gateway.Sent))
	}
}

func TestBackoffPollDoublesAndCaps(t *testing.T) {
	interval := minPollInterval
	for i := 0; i < 20; i++ {
		interval = backoffPoll(interval)
	}
	if interval != maxPollInterval {
		t.Fatalf("expected interval to cap at %v, got %v", maxPollInterval, interval)
	}
}
