package tenant

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/lead-capture-engine/internal/clock"
	"github.com/wolfman30/lead-capture-engine/internal/store"
)

type stubLoader struct {
	tenant store.Tenant
	err    error
	calls  int
}

func (s *stubLoader) GetByInboundNumber(ctx context.Context, number string) (store.Tenant, error) {
	s.calls++
	return s.tenant, s.err
}

func (s *stubLoader) GetByOperatorNumber(ctx context.Context, number string) (store.Tenant, error) {
	s.calls++
	return s.tenant, s.err
}

func (s *stubLoader) GetByID(ctx context.Context, id uuid.UUID) (store.Tenant, error) {
	s.calls++
	return s.tenant, s.err
}

func newTestCache(t *testing.T, loader Loader) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(redisClient, loader, clock.New("America/Chicago"))
}

func TestCacheGetByInboundNumberCachesOnMiss(t *testing.T) {
	want := store.Tenant{ID: uuid.New(), InboundNumber: "+15550001111", OperatorNumber: "+15550002222", Timezone: "America/Chicago"}
	loader := &stubLoader{tenant: want}
	c := newTestCache(t, loader)

	got, err := c.GetByInboundNumber(context.Background(), want.InboundNumber)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != want.ID {
		t.Fatalf("expected tenant %v, got %v", want.ID, got.ID)
	}
	if loader.calls != 1 {
		t.Fatalf("expected one loader call on miss, got %d", loader.calls)
	}

	got, err = c.GetByInboundNumber(context.Background(), want.InboundNumber)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != want.ID {
		t.Fatalf("expected cached tenant %v, got %v", want.ID, got.ID)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit to skip the loader, got %d calls", loader.calls)
	}
}

func TestCacheInvalidatePurgesAllKeys(t *testing.T) {
	want := store.Tenant{ID: uuid.New(), InboundNumber: "+15550001111", OperatorNumber: "+15550002222", Timezone: "America/Chicago"}
	loader := &stubLoader{tenant: want}
	c := newTestCache(t, loader)

	if _, err := c.GetByInboundNumber(context.Background(), want.InboundNumber); err != nil {
		t.Fatalf("get: %v", err)
	}
	c.Invalidate(context.Background(), want)

	if _, err := c.GetByInboundNumber(context.Background(), want.InboundNumber); err != nil {
		t.Fatalf("get: %v", err)
	}
	if loader.calls != 2 {
		t.Fatalf("expected invalidate to force a fresh loader call, got %d", loader.calls)
	}
}

func TestCacheResolveUnknownTenantIsInvalid(t *testing.T) {
	loader := &stubLoader{err: store.ErrTenantNotFound}
	c := newTestCache(t, loader)

	info, err := c.Resolve(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if info.Valid {
		t.Fatalf("expected invalid tenant info")
	}
}

func TestCacheResolvePropagatesOtherErrors(t *testing.T) {
	loader := &stubLoader{err: errors.New("db down")}
	c := newTestCache(t, loader)

	if _, err := c.Resolve(context.Background(), uuid.New()); err == nil {
		t.Fatalf("expected error to propagate")
	}
}
