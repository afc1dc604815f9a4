package consent

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeadOptOutSource is the durable phone-level opt-out check — satisfied by
// *store.LeadStore.
type LeadOptOutSource interface {
	IsOptedOutAnyTenant(ctx context.Context, phone string) (bool, error)
}

// OptOutCache answers the Safety Gate's opt-out rejection, checking a Redis
// cache before falling back to the Store (spec.md §4.7: "opt_out (cache
// then store)"). Grounded on internal/clinic/config.go's Store read-through
// pattern; since opt-out is monotonic, only "true" results are cached —
// a cache miss or a cached "false" always re-checks the store, so a write
// that hasn't reached the cache yet is never masked.
type OptOutCache struct {
	redis *redis.Client
	leads LeadOptOutSource
}

func NewOptOutCache(redisClient *redis.Client, leads LeadOptOutSource) *OptOutCache {
	return &OptOutCache{redis: redisClient, leads: leads}
}

func optOutKey(phone string) string { return "optout:" + phone }

// IsOptedOut satisfies safety.OptOutChecker.
func (c *OptOutCache) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	if c.redis != nil {
		v, err := c.redis.Get(ctx, optOutKey(phone)).Result()
		if err == nil && v == "1" {
			return true, nil
		} else if err != nil && !errors.Is(err, redis.Nil) {
			// Redis unavailable: fall through to the store.
		}
	}

	optedOut, err := c.leads.IsOptedOutAnyTenant(ctx, phone)
	if err != nil {
		return false, err
	}
	if optedOut && c.redis != nil {
		c.redis.Set(ctx, optOutKey(phone), "1", 30*24*time.Hour)
	}
	return optedOut, nil
}
