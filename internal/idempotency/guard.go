// Package idempotency implements the Idempotency Guard (spec.md §4.4),
// deduplicating provider-supplied webhook event ids. Grounded almost
// directly on the teacher's internal/events/processed_store.go
// (AlreadyProcessed/MarkProcessed, deterministic SHA1 UUID over
// provider+eventID, unique-violation-as-duplicate), generalized to surface
// the "unknown" answer on store unavailability that spec.md requires.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/lead-capture-engine/internal/observability/metrics"
)

// Outcome is the guard's answer for a given provider_id.
type Outcome int

const (
	New Outcome = iota
	Duplicate
	Unknown // store unavailable; caller must respond success and defer (spec.md §4.4)
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Guard answers AlreadyProcessed/MarkProcessed against the webhook_events
// table, backed by a secondary in-memory LRU fallback for store outages.
type Guard struct {
	pool rowQuerier

	mu    sync.Mutex
	lru   map[string]uuid.UUID
	order []string
	cap   int

	// Metrics is optional; nil-safe Observe methods make it a no-op when unset.
	Metrics *metrics.Metrics
}

func (o Outcome) label() string {
	switch o {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

const defaultLRUCapacity = 4096

// New builds a Guard over the given pool (a *pgxpool.Pool satisfies
// rowQuerier via its Exec/QueryRow methods).
func New(pool rowQuerier) *Guard {
	return &Guard{pool: pool, lru: make(map[string]uuid.UUID), cap: defaultLRUCapacity}
}

var namespace = uuid.MustParse("9b1f6b0a-9d3d-4f3d-8b60-3b6f5f5a2b31")

func internalID(provider, providerID string) (uuid.UUID, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return uuid.Nil, fmt.Errorf("idempotency: provider id required")
	}
	key := strings.TrimSpace(provider) + ":" + providerID
	return uuid.NewSHA1(namespace, []byte(key)), nil
}

// Check attempts to insert a WebhookEvent row for providerID. On success it
// returns New; on unique-violation it returns Duplicate with the previously
// recorded internal id; on store error it falls back to the in-memory LRU
// and returns Unknown only when the LRU itself has no record.
func (g *Guard) Check(ctx context.Context, provider, kind, providerID string, tenantID *uuid.UUID) (outcome Outcome, internal uuid.UUID, err error) {
	defer func() {
		if err == nil {
			g.Metrics.ObserveIdempotency(outcome.label())
		}
	}()

	id, err := internalID(provider, providerID)
	if err != nil {
		return Unknown, uuid.Nil, err
	}

	ct, err := g.pool.Exec(ctx, `
		INSERT INTO webhook_events (provider_id, kind, tenant_id, internal_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_id) DO NOTHING`,
		providerID, kind, tenantID, id,
	)
	if err != nil {
		return g.fallback(providerID, id), id, nil
	}
	if ct.RowsAffected() == 0 {
		// Row already existed: fetch its recorded internal_id.
		var existing uuid.UUID
		row := g.pool.QueryRow(ctx, `SELECT internal_id FROM webhook_events WHERE provider_id = $1`, providerID)
		if scanErr := row.Scan(&existing); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				// Raced and lost the row entirely between statements; treat
				// conservatively as duplicate using the id we computed.
				return Duplicate, id, nil
			}
			return g.fallback(providerID, id), id, nil
		}
		return Duplicate, existing, nil
	}
	g.remember(providerID, id)
	return New, id, nil
}

func (g *Guard) fallback(providerID string, computed uuid.UUID) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.lru[providerID]; ok {
		return Duplicate
	}
	return Unknown
}

func (g *Guard) remember(providerID string, id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.lru[providerID]; ok {
		return
	}
	if len(g.order) >= g.cap {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.lru, oldest)
	}
	g.lru[providerID] = id
	g.order = append(g.order, providerID)
}
