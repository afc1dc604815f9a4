// Package store holds the Postgres-backed Tenant and Lead tables plus the
// shared pool interfaces the other components (idempotency, ratelimit,
// consent, outbound, alertbuffer) narrow down to exactly the methods they
// need, in the teacher's own per-package style.
package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by either *pgxpool.Pool or a pgx.Tx, letting callers
// pass either one through to a record method transparently.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool additionally supports Begin, i.e. the actual connection pool.
type PgxPool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}
