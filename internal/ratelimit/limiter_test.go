package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

type stubRow struct {
	count int
	err   error
}

func (s stubRow) Scan(dest ...any) error {
	if s.err != nil {
		return s.err
	}
	*(dest[0].(*int)) = s.count
	return nil
}

type stubQuerier struct {
	row pgx.Row
}

func (s stubQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.row
}

func TestAllowUnderLimit(t *testing.T) {
	l := New(stubQuerier{row: stubRow{count: 3}}, 20, time.Minute, nil)
	if !l.Allow(context.Background(), "tenant-1") {
		t.Fatalf("expected allow under limit")
	}
}

func TestAllowOverLimit(t *testing.T) {
	l := New(stubQuerier{row: stubRow{count: 21}}, 20, time.Minute, nil)
	if l.Allow(context.Background(), "tenant-1") {
		t.Fatalf("expected reject over limit")
	}
}

func TestAllowFailsOpenOnStoreError(t *testing.T) {
	l := New(stubQuerier{row: stubRow{err: errors.New("connection refused")}}, 20, time.Minute, nil)
	if !l.Allow(context.Background(), "tenant-1") {
		t.Fatalf("expected fail-open on store error")
	}
}
