package cache

import (
	"context"
	"errors"
	"time"
)

// OrderIndex remembers which conversion an order produced so replays of the
// same order can be answered without touching the database. The store's
// unique constraint stays authoritative.
type OrderIndex struct {
	cache *Client
	ttl   time.Duration
}

func NewOrderIndex(cache *Client, ttl time.Duration) *OrderIndex {
	return &OrderIndex{cache: cache, ttl: ttl}
}

func orderKey(orderID string) string { return "conversion:order:" + orderID }

// Lookup returns the conversion id recorded for orderID, if cached
func (o *OrderIndex) Lookup(ctx context.Context, orderID string) (string, bool, error) {
	id, err := o.cache.GetString(ctx, orderKey(orderID))
	if errors.Is(err, ErrCacheMiss) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Remember stores the mapping unless one already exists
func (o *OrderIndex) Remember(ctx context.Context, orderID, conversionID string) error {
	_, err := o.cache.SetNX(ctx, orderKey(orderID), conversionID, o.ttl)
	return err
}
