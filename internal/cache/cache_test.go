package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFromRedis(rdb), mr
}

type countingLookup struct {
	affiliates map[string]*models.Affiliate
	calls      int
}

func (l *countingLookup) GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error) {
	l.calls++
	a, ok := l.affiliates[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return a, nil
}

func (l *countingLookup) GetAffiliateBySlug(ctx context.Context, slug string) (*models.Affiliate, error) {
	l.calls++
	for _, a := range l.affiliates {
		if a.Slug == slug {
			return a, nil
		}
	}
	return nil, models.ErrRecordNotFound
}

func TestGetMissingKey(t *testing.T) {
	c, _ := newTestClient(t)
	var v map[string]string
	if err := c.Get(context.Background(), "nope", &v); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

func TestAffiliatesReadThrough(t *testing.T) {
	c, _ := newTestClient(t)
	next := &countingLookup{affiliates: map[string]*models.Affiliate{
		"aff-1": {ID: "aff-1", Slug: "alice", Status: models.AffiliateStatusActive, CommissionRate: decimal.RequireFromString("0.25"), AccountNumber: "1234567890"},
	}}
	cached := NewAffiliates(c, next, time.Minute, logger.Nop())
	ctx := context.Background()

	first, err := cached.GetAffiliateBySlug(ctx, "alice")
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	second, err := cached.GetAffiliateBySlug(ctx, "alice")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected one backing lookup, got %d", next.calls)
	}
	if first.ID != second.ID || !second.CommissionRate.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("cached affiliate differs: %+v", second)
	}
	if second.AccountNumber != "" {
		t.Fatal("cached affiliate must not carry the account number")
	}

	if err := cached.Invalidate(ctx, first); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := cached.GetAffiliateBySlug(ctx, "alice"); err != nil {
		t.Fatalf("lookup after invalidate: %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("expected lookup after invalidation, got %d calls", next.calls)
	}
}

func TestAffiliatesNotFoundIsNotCached(t *testing.T) {
	c, mr := newTestClient(t)
	next := &countingLookup{affiliates: map[string]*models.Affiliate{}}
	cached := NewAffiliates(c, next, time.Minute, logger.Nop())

	_, err := cached.GetAffiliate(context.Background(), "ghost")
	if !errors.Is(err, models.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if mr.Exists(affiliateIDKey("ghost")) {
		t.Fatal("misses must not be cached")
	}
}

func TestAffiliatesFallsThroughWhenRedisDown(t *testing.T) {
	c, mr := newTestClient(t)
	next := &countingLookup{affiliates: map[string]*models.Affiliate{
		"aff-1": {ID: "aff-1", Slug: "alice", Status: models.AffiliateStatusActive},
	}}
	cached := NewAffiliates(c, next, time.Minute, logger.Nop())
	mr.Close()

	a, err := cached.GetAffiliate(context.Background(), "aff-1")
	if err != nil || a.ID != "aff-1" {
		t.Fatalf("expected fallback lookup, got %v %v", a, err)
	}
}

func TestOrderIndexKeepsFirstMapping(t *testing.T) {
	c, mr := newTestClient(t)
	idx := NewOrderIndex(c, time.Hour)
	ctx := context.Background()

	if _, ok, err := idx.Lookup(ctx, "ORD-1"); ok || err != nil {
		t.Fatalf("expected empty index, got ok=%v err=%v", ok, err)
	}
	if err := idx.Remember(ctx, "ORD-1", "c-1"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if err := idx.Remember(ctx, "ORD-1", "c-2"); err != nil {
		t.Fatalf("Remember again: %v", err)
	}
	id, ok, err := idx.Lookup(ctx, "ORD-1")
	if err != nil || !ok || id != "c-1" {
		t.Fatalf("expected c-1, got %q ok=%v err=%v", id, ok, err)
	}

	mr.FastForward(2 * time.Hour)
	if _, ok, _ := idx.Lookup(ctx, "ORD-1"); ok {
		t.Fatal("mapping should expire")
	}
}
