package outbound

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestBackoffSecondsSchedule(t *testing.T) {
	cases := map[int]int{0: 0, 1: 5, 2: 30, 3: 120, 4: 600, 5: 1800, 9: 1800}
	for attempts, want := range cases {
		if got := BackoffSeconds(attempts); got != want {
			t.Fatalf("attempts=%d: want %d, got %d", attempts, want, got)
		}
	}
}

func TestEnqueueQueued(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	q := New(mock, 5, time.Minute)
	tenantID := uuid.New()
	newID := uuid.New()
	mock.ExpectQuery("INSERT INTO outbound_messages").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(newID))

	result, id, err := q.Enqueue(context.Background(), nil, tenantID, "+15550001111", "hi", nil, nil, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if result != Queued || id != newID {
		t.Fatalf("expected queued %v, got %v %v", newID, result, id)
	}
}

func TestEnqueueDeduplicated(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	q := New(mock, 5, time.Minute)
	extID := "ext-1"
	mock.ExpectQuery("INSERT INTO outbound_messages").WillReturnError(pgx.ErrNoRows)

	result, id, err := q.Enqueue(context.Background(), nil, uuid.New(), "+15550001111", "hi", &extID, nil, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if result != Deduplicated || id != uuid.Nil {
		t.Fatalf("expected deduplicated, got %v %v", result, id)
	}
}

func TestClaimBatchReturnsRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	q := New(mock, 5, time.Minute)
	msgID := uuid.New()
	tenantID := uuid.New()
	cols := []string{"id", "tenant_id", "to_number", "body", "external_id", "status", "attempts",
		"last_attempt_at", "locked_at", "scheduled_for", "created_at", "sent_at", "provider_message_id", "is_internal", "is_emergency_ack"}
	rows := pgxmock.NewRows(cols).AddRow(
		msgID, tenantID, "+15550001111", "hi", "", StatusProcessing, 0,
		nil, nil, nil, time.Now(), nil, "", false, false,
	)
	mock.ExpectQuery("UPDATE outbound_messages SET status = 'processing'").WillReturnRows(rows)

	claimed, err := q.ClaimBatch(context.Background(), 20)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != msgID {
		t.Fatalf("expected one claimed message %v, got %v", msgID, claimed)
	}
}

func TestFinalizeTransientRetriesUntilExhausted(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	q := New(mock, 3, time.Minute)
	id := uuid.New()

	mock.ExpectExec("UPDATE outbound_messages").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	exhausted, err := q.FinalizeTransient(context.Background(), id, 1)
	if err != nil {
		t.Fatalf("finalize transient: %v", err)
	}
	if exhausted {
		t.Fatalf("expected not exhausted at attempts=1 of maxRetries=3")
	}

	mock.ExpectExec("UPDATE outbound_messages").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	exhausted, err = q.FinalizeTransient(context.Background(), id, 2)
	if err != nil {
		t.Fatalf("finalize transient: %v", err)
	}
	if !exhausted {
		t.Fatalf("expected exhausted at attempts=2 reaching maxRetries=3")
	}
}

func TestCancelReturnsAffectedCount(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	q := New(mock, 5, time.Minute)
	mock.ExpectExec("UPDATE outbound_messages SET status = 'cancelled'").
		WithArgs("nudge_+15550001111").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := q.CancelNudges(context.Background(), "+15550001111")
	if err != nil {
		t.Fatalf("cancel nudges: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cancelled rows, got %d", n)
	}
}
