// Package memory is an in-process store with the same semantics as the
// PostgreSQL store. It backs tests and the limited mode of the services.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/models"
	"github.com/AnuragDani/affiliate-engine/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps every entity in maps guarded by one mutex
type Store struct {
	mu          sync.RWMutex
	affiliates  map[string]*models.Affiliate
	slugs       map[string]string
	clicks      []*models.Click
	conversions map[string]*models.Conversion
	orders      map[string]string
	batches     map[string]*models.PayoutBatch
	postbacks   map[string]*models.NetworkPostback
}

// New returns an empty store
func New() *Store {
	return &Store{
		affiliates:  make(map[string]*models.Affiliate),
		slugs:       make(map[string]string),
		conversions: make(map[string]*models.Conversion),
		orders:      make(map[string]string),
		batches:     make(map[string]*models.PayoutBatch),
		postbacks:   make(map[string]*models.NetworkPostback),
	}
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func copyConversion(c *models.Conversion) *models.Conversion {
	out := *c
	out.StatusHistory = append([]models.StatusChange(nil), c.StatusHistory...)
	if c.FraudFlag != nil {
		flag := *c.FraudFlag
		flag.Factors = append([]string(nil), c.FraudFlag.Factors...)
		flag.Details = append([]models.FraudFactor(nil), c.FraudFlag.Details...)
		out.FraudFlag = &flag
	}
	return &out
}

func copyBatch(b *models.PayoutBatch) *models.PayoutBatch {
	out := *b
	out.ConversionIDs = append([]string(nil), b.ConversionIDs...)
	return &out
}

// CreateAffiliate inserts an affiliate
func (s *Store) CreateAffiliate(ctx context.Context, a *models.Affiliate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.slugs[a.Slug]; taken {
		return models.Conflict("SLUG_TAKEN", fmt.Sprintf("affiliate slug %q already exists", a.Slug))
	}
	cp := *a
	s.affiliates[a.ID] = &cp
	s.slugs[a.Slug] = a.ID
	return nil
}

// GetAffiliate loads an affiliate by id
func (s *Store) GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.affiliates[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

// GetAffiliateBySlug loads an affiliate by slug
func (s *Store) GetAffiliateBySlug(ctx context.Context, slug string) (*models.Affiliate, error) {
	s.mu.RLock()
	id, ok := s.slugs[slug]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return s.GetAffiliate(ctx, id)
}

// UpdateAffiliateStatus sets an affiliate's status
func (s *Store) UpdateAffiliateStatus(ctx context.Context, id string, status models.AffiliateStatus, at time.Time) (*models.Affiliate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.affiliates[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	a.Status = status
	a.UpdatedAt = at
	cp := *a
	return &cp, nil
}

// InsertClick appends a click
func (s *Store) InsertClick(ctx context.Context, c *models.Click) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.clicks = append(s.clicks, &cp)
	return nil
}

// FindLatestClick returns the newest click for affiliate and visitor at or after since
func (s *Store) FindLatestClick(ctx context.Context, affiliateID, visitorID string, since time.Time) (*models.Click, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Click
	for _, c := range s.clicks {
		if c.AffiliateID != affiliateID || c.VisitorID != visitorID || c.CreatedAt.Before(since) {
			continue
		}
		if latest == nil || !c.CreatedAt.Before(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, models.ErrRecordNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) hasClick(id string) bool {
	for _, c := range s.clicks {
		if c.ID == id {
			return true
		}
	}
	return false
}

// ClickCount returns the number of stored clicks
func (s *Store) ClickCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clicks)
}

// InsertConversion inserts a conversion, enforcing order id uniqueness
func (s *Store) InsertConversion(ctx context.Context, c *models.Conversion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.orders[c.OrderID]; dup {
		return models.ErrDuplicateOrder
	}
	if c.ClickID != nil && !s.hasClick(*c.ClickID) {
		return models.ErrUnknownClick
	}
	s.conversions[c.ID] = copyConversion(c)
	s.orders[c.OrderID] = c.ID
	return nil
}

// GetConversion loads a conversion by id
func (s *Store) GetConversion(ctx context.Context, id string) (*models.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversions[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return copyConversion(c), nil
}

// GetConversionByOrderID loads the conversion of an order
func (s *Store) GetConversionByOrderID(ctx context.Context, orderID string) (*models.Conversion, error) {
	s.mu.RLock()
	id, ok := s.orders[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return s.GetConversion(ctx, id)
}

// ApplyStatusChange mirrors the conditional update of the SQL store
func (s *Store) ApplyStatusChange(ctx context.Context, id string, expectedLen int, change models.StatusChange, flag *models.FraudFlag) (*models.Conversion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversions[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	if len(c.StatusHistory) != expectedLen {
		return nil, models.ErrStaleWrite
	}

	at := change.Timestamp
	switch {
	case change.NewStatus == models.ConversionPaid:
		c.PaidAt = &at
	case c.Status == models.ConversionPaid:
		c.PaidAt = nil
		c.PayoutBatchID = nil
	}
	if change.NewStatus == models.ConversionCleared {
		c.ClearedAt = &at
	}
	c.Status = change.NewStatus
	c.StatusHistory = append(c.StatusHistory, change)
	if flag != nil {
		f := *flag
		c.FraudFlag = &f
	}
	c.UpdatedAt = at
	return copyConversion(c), nil
}

// ListConversionsByStatus lists conversions in status created in [after, before)
func (s *Store) ListConversionsByStatus(ctx context.Context, status models.ConversionStatus, createdAfter, createdBefore time.Time, limit int) ([]models.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversion
	for _, c := range s.conversions {
		if c.Status != status || c.CreatedAt.Before(createdAfter) || !c.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, *copyConversion(c))
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountConversionsBetween counts an affiliate's conversions created in [from, to]
func (s *Store) CountConversionsBetween(ctx context.Context, affiliateID string, from, to time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.conversions {
		if c.AffiliateID == affiliateID && !c.CreatedAt.Before(from) && !c.CreatedAt.After(to) {
			n++
		}
	}
	return n, nil
}

// CountMatchingConversions counts other conversions sharing affiliate, gmv and customer
func (s *Store) CountMatchingConversions(ctx context.Context, affiliateID string, gmv decimal.Decimal, customerID string, since time.Time, excludeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.conversions {
		if c.ID == excludeID || c.AffiliateID != affiliateID || c.CustomerID == nil || *c.CustomerID != customerID {
			continue
		}
		if c.GMV.Equal(gmv) && !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ListPayableConversions lists cleared, unbatched conversions
func (s *Store) ListPayableConversions(ctx context.Context, affiliateID string) ([]models.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversion
	for _, c := range s.conversions {
		if c.Status != models.ConversionCleared || c.PayoutBatchID != nil {
			continue
		}
		if affiliateID != "" && c.AffiliateID != affiliateID {
			continue
		}
		out = append(out, *copyConversion(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AffiliateID != out[j].AffiliateID {
			return out[i].AffiliateID < out[j].AffiliateID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CountFlaggedConversions counts an affiliate's flagged conversions
func (s *Store) CountFlaggedConversions(ctx context.Context, affiliateID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.conversions {
		if c.AffiliateID == affiliateID && c.Status == models.ConversionFlagged {
			n++
		}
	}
	return n, nil
}

// ListBatchConversions lists the conversions attached to a batch
func (s *Store) ListBatchConversions(ctx context.Context, batchID string) ([]models.Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversion
	for _, c := range s.conversions {
		if c.PayoutBatchID != nil && *c.PayoutBatchID == batchID {
			out = append(out, *copyConversion(c))
		}
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(cs []models.Conversion) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}
