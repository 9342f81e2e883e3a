package cache

import (
	"context"
	"errors"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// AffiliateLookup resolves affiliates by id or slug
type AffiliateLookup interface {
	GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error)
	GetAffiliateBySlug(ctx context.Context, slug string) (*models.Affiliate, error)
}

// Affiliates is a read-through cache in front of an AffiliateLookup. Cached
// copies never carry payout destinations, so payout code must read the
// store directly. Redis failures fall through to the wrapped lookup.
type Affiliates struct {
	cache *Client
	next  AffiliateLookup
	ttl   time.Duration
	log   *logger.Logger
}

func NewAffiliates(cache *Client, next AffiliateLookup, ttl time.Duration, log *logger.Logger) *Affiliates {
	return &Affiliates{cache: cache, next: next, ttl: ttl, log: log}
}

func affiliateIDKey(id string) string     { return "affiliate:id:" + id }
func affiliateSlugKey(slug string) string { return "affiliate:slug:" + slug }

func (a *Affiliates) GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error) {
	return a.lookup(ctx, affiliateIDKey(id), func() (*models.Affiliate, error) {
		return a.next.GetAffiliate(ctx, id)
	})
}

func (a *Affiliates) GetAffiliateBySlug(ctx context.Context, slug string) (*models.Affiliate, error) {
	return a.lookup(ctx, affiliateSlugKey(slug), func() (*models.Affiliate, error) {
		return a.next.GetAffiliateBySlug(ctx, slug)
	})
}

// Invalidate drops both cache entries of an affiliate
func (a *Affiliates) Invalidate(ctx context.Context, aff *models.Affiliate) error {
	return a.cache.Delete(ctx, affiliateIDKey(aff.ID), affiliateSlugKey(aff.Slug))
}

func (a *Affiliates) lookup(ctx context.Context, key string, load func() (*models.Affiliate, error)) (*models.Affiliate, error) {
	var cached models.Affiliate
	err := a.cache.Get(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		a.log.Warn("Affiliate cache read failed", "key", key, "error", err)
	}

	aff, err := load()
	if err != nil {
		return nil, err
	}
	if err := a.cache.Set(ctx, key, aff, a.ttl); err != nil {
		a.log.Warn("Affiliate cache write failed", "key", key, "error", err)
	}
	return aff, nil
}
