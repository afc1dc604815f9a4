// Package tenant provides the tenant resolution used by the Voice and SMS
// Routers and the Safety Gate: Postgres remains the source of truth, with a
// Redis-backed read cache in front of it. Adapted from the teacher's
// internal/clinic/config.go Store (redis.Client-backed JSON-blob cache),
// generalized from one org-scoped config blob to cache-by-inbound-number,
// cache-by-operator-number, and cache-by-id lookups keyed the way C5 (Tenant
// Resolution) needs them.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/lead-capture-engine/internal/clock"
	"github.com/wolfman30/lead-capture-engine/internal/safety"
	"github.com/wolfman30/lead-capture-engine/internal/store"
)

// Loader is the source of truth the cache falls back to on a miss —
// satisfied by *store.TenantStore.
type Loader interface {
	GetByInboundNumber(ctx context.Context, number string) (store.Tenant, error)
	GetByOperatorNumber(ctx context.Context, number string) (store.Tenant, error)
	GetByID(ctx context.Context, id uuid.UUID) (store.Tenant, error)
}

// Cache resolves tenants, preferring Redis over Postgres on repeat lookups.
// Grounded on internal/clinic/config.go's Store; defaultTTL bounds staleness
// since SetAIActive and other admin mutations invalidate nothing downstream
// of this cache today (spec.md does not specify an admin write path here).
type Cache struct {
	redis *redis.Client
	load  Loader
	ttl   time.Duration
	clock *clock.Clock
}

const defaultTTL = 5 * time.Minute

func New(redisClient *redis.Client, load Loader, c *clock.Clock) *Cache {
	return &Cache{redis: redisClient, load: load, ttl: defaultTTL, clock: c}
}

func inboundKey(number string) string  { return "tenant:inbound:" + number }
func operatorKey(number string) string { return "tenant:operator:" + number }
func idKey(id uuid.UUID) string        { return "tenant:id:" + id.String() }

// GetByInboundNumber resolves the tenant that owns a webhook's "To" number.
func (c *Cache) GetByInboundNumber(ctx context.Context, number string) (store.Tenant, error) {
	return c.getCached(ctx, inboundKey(number), func() (store.Tenant, error) {
		return c.load.GetByInboundNumber(ctx, number)
	})
}

// GetByOperatorNumber supports the dial-status fallback lookup (DESIGN.md
// Open Question 2).
func (c *Cache) GetByOperatorNumber(ctx context.Context, number string) (store.Tenant, error) {
	return c.getCached(ctx, operatorKey(number), func() (store.Tenant, error) {
		return c.load.GetByOperatorNumber(ctx, number)
	})
}

func (c *Cache) GetByID(ctx context.Context, id uuid.UUID) (store.Tenant, error) {
	return c.getCached(ctx, idKey(id), func() (store.Tenant, error) {
		return c.load.GetByID(ctx, id)
	})
}

func (c *Cache) getCached(ctx context.Context, key string, miss func() (store.Tenant, error)) (store.Tenant, error) {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			var t store.Tenant
			if jerr := json.Unmarshal(data, &t); jerr == nil {
				return t, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			// Redis unavailable: fall through to Postgres rather than fail
			// the lookup.
		}
	}

	t, err := miss()
	if err != nil {
		return store.Tenant{}, err
	}
	c.store(ctx, t)
	return t, nil
}

func (c *Cache) store(ctx context.Context, t store.Tenant) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	c.redis.Set(ctx, inboundKey(t.InboundNumber), data, c.ttl)
	c.redis.Set(ctx, operatorKey(t.OperatorNumber), data, c.ttl)
	c.redis.Set(ctx, idKey(t.ID), data, c.ttl)
}

// Invalidate purges every key a tenant is cached under, for callers that
// mutate tenant rows directly against Postgres (e.g. store.SetAIActive).
func (c *Cache) Invalidate(ctx context.Context, t store.Tenant) {
	if c.redis == nil {
		return
	}
	c.redis.Del(ctx, inboundKey(t.InboundNumber), operatorKey(t.OperatorNumber), idKey(t.ID))
}

// Resolve adapts a tenant into the Safety Gate's TenantInfo, classifying its
// current local time per C2. Satisfies safety.TenantResolver.
func (c *Cache) Resolve(ctx context.Context, tenantID uuid.UUID) (safety.TenantInfo, error) {
	t, err := c.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			return safety.TenantInfo{Valid: false}, nil
		}
		return safety.TenantInfo{}, fmt.Errorf("tenant: resolve: %w", err)
	}
	classification := c.clock.ClassifyTenant(t.Timezone, t.DayStart, t.DayEnd, t.EveningEnd)
	return safety.TenantInfo{
		Valid:          true,
		Timezone:       t.Timezone,
		OperatorNumber: t.OperatorNumber,
		AdminNumber:    t.OperatorNumber,
		Classification: classification,
	}, nil
}
