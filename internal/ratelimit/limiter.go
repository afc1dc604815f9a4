// Package ratelimit implements the Rate Limiter (spec.md §4.5): a
// fixed-window counter keyed by tenant id, backed by the Store's
// rate_limit_windows table, failing open on store error so an outage never
// blocks inbound processing. This is a different algorithm from the
// teacher's in-memory per-IP token bucket
// (internal/http/middleware/ratelimit.go, not carried into this tree);
// spec.md requires a row-backed fixed window so the gate is consistent
// across replicas, which a process-local bucket cannot provide.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wolfman30/lead-capture-engine/internal/observability/metrics"
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Limiter enforces a fixed-window counter per tenant key.
type Limiter struct {
	pool   querier
	limit  int
	window time.Duration
	logger *slog.Logger

	// Metrics is optional; nil-safe Observe methods make it a no-op when unset.
	Metrics *metrics.Metrics
}

// New builds a Limiter allowing `limit` events per `window` per key.
func New(pool querier, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{pool: pool, limit: limit, window: window, logger: logger}
}

// Allow implements spec.md §4.5's algorithm: if now >= reset_at, reset to
// (1, now+window); else if count < limit, increment; else reject. A store
// error fails open (returns true) so limiter outages never block inbound
// processing.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	row := l.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_windows (key, count, reset_at)
		VALUES ($1, 1, now() + $2::interval)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE
				WHEN rate_limit_windows.reset_at <= now() THEN 1
				ELSE rate_limit_windows.count + 1
			END,
			reset_at = CASE
				WHEN rate_limit_windows.reset_at <= now() THEN now() + $2::interval
				ELSE rate_limit_windows.reset_at
			END
		RETURNING count`,
		key, fmt.Sprintf("%d seconds", int(l.window.Seconds())),
	)
	var count int
	if err := row.Scan(&count); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			l.logger.Warn("ratelimit: store error, failing open", "key", key, "error", err)
		}
		l.Metrics.ObserveRateLimit(true)
		return true
	}
	allowed := count <= l.limit
	l.Metrics.ObserveRateLimit(allowed)
	return allowed
}
