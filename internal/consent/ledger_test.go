package consent

import (
	"context"
	"testing"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestLedgerRecordImpliedSetsExpiry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	l := New(mock)
	tenantID := uuid.New()
	mock.ExpectExec("INSERT INTO consent_records").
		WithArgs(pgxmock.AnyArg(), (*uuid.UUID)(nil), tenantID, "+15550001111", string(Implied), string(SourceInboundSMS), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := l.Record(context.Background(), nil, tenantID, nil, "+15550001111", Implied, SourceInboundSMS, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLedgerRevokeUpdatesNonRevokedRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	l := New(mock)
	mock.ExpectExec("UPDATE consent_records").
		WithArgs("+15550001111", "caller_stop").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	if err := l.Revoke(context.Background(), nil, "+15550001111", "caller_stop"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
}

func TestLedgerIsValid(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgx mock: %v", err)
	}
	defer mock.Close()

	l := New(mock)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("+15550001111").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	valid, err := l.IsValid(context.Background(), "+15550001111", uuid.New())
	if err != nil {
		t.Fatalf("is valid: %v", err)
	}
	if !valid {
		t.Fatalf("expected valid consent")
	}
}
