package memory

import (
	"context"
	"sort"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// CreateBatch inserts a batch and attaches its conversions atomically
func (s *Store) CreateBatch(ctx context.Context, b *models.PayoutBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range b.ConversionIDs {
		c, ok := s.conversions[id]
		if !ok || c.AffiliateID != b.AffiliateID || c.Status != models.ConversionCleared || c.PayoutBatchID != nil {
			return models.ErrStaleWrite
		}
	}
	for _, id := range b.ConversionIDs {
		batchID := b.ID
		s.conversions[id].PayoutBatchID = &batchID
		s.conversions[id].UpdatedAt = b.CreatedAt
	}
	s.batches[b.ID] = copyBatch(b)
	return nil
}

// GetBatch loads a batch by id
func (s *Store) GetBatch(ctx context.Context, id string) (*models.PayoutBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	return copyBatch(b), nil
}

// GetBatchByDisbursementID finds the batch of an external disbursement
func (s *Store) GetBatchByDisbursementID(ctx context.Context, disbursementID string) (*models.PayoutBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches {
		if disbursementID != "" && b.DisbursementID == disbursementID {
			return copyBatch(b), nil
		}
	}
	return nil, models.ErrRecordNotFound
}

// UpdateBatch writes the batch while its stored status equals expected
func (s *Store) UpdateBatch(ctx context.Context, b *models.PayoutBatch, expected models.BatchStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.batches[b.ID]
	if !ok {
		return models.ErrRecordNotFound
	}
	if cur.Status != expected {
		return models.ErrStaleWrite
	}
	next := copyBatch(b)
	next.ConversionIDs = cur.ConversionIDs
	next.AffiliateID = cur.AffiliateID
	next.TotalAmount = cur.TotalAmount
	next.CreatedAt = cur.CreatedAt
	s.batches[b.ID] = next
	return nil
}

// ReleaseBatchConversions detaches unpaid conversions from a batch
func (s *Store) ReleaseBatchConversions(ctx context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conversions {
		if c.PayoutBatchID != nil && *c.PayoutBatchID == batchID && c.Status != models.ConversionPaid {
			c.PayoutBatchID = nil
			c.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

// ListBatches lists batches in status, newest first
func (s *Store) ListBatches(ctx context.Context, status models.BatchStatus, limit int) ([]models.PayoutBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PayoutBatch
	for _, b := range s.batches {
		if status == "" || b.Status == status {
			out = append(out, *copyBatch(b))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreatePostback inserts a postback
func (s *Store) CreatePostback(ctx context.Context, p *models.NetworkPostback) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.postbacks[p.ID] = &cp
	return nil
}

// GetPostback loads a postback by id
func (s *Store) GetPostback(ctx context.Context, id string) (*models.NetworkPostback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.postbacks[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

// ListPostbacksByConversion lists a conversion's postbacks
func (s *Store) ListPostbacksByConversion(ctx context.Context, conversionID string) ([]models.NetworkPostback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.NetworkPostback
	for _, p := range s.postbacks {
		if p.ConversionID == conversionID {
			out = append(out, *p)
		}
	}
	sortPostbacks(out)
	return out, nil
}

// ClaimPostback moves a dispatchable postback to retrying
func (s *Store) ClaimPostback(ctx context.Context, id string, maxAttempts int, staleBefore, now time.Time) (*models.NetworkPostback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postbacks[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	if !p.Claimable(maxAttempts, staleBefore) {
		return nil, models.ErrStaleWrite
	}
	p.Status = models.PostbackRetrying
	p.LastAttemptAt = &now
	p.UpdatedAt = now
	cp := *p
	return &cp, nil
}

// FinishPostbackAttempt records the outcome of a claimed attempt
func (s *Store) FinishPostbackAttempt(ctx context.Context, id string, status models.PostbackStatus, errMsg string, countAttempt bool, at time.Time) (*models.NetworkPostback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postbacks[id]
	if !ok || models.ValidatePostbackTransition(p.Status, status) != nil {
		return nil, models.ErrStaleWrite
	}
	p.Status = status
	p.ErrorMessage = errMsg
	if countAttempt {
		p.Attempts++
	}
	p.LastAttemptAt = &at
	p.UpdatedAt = at
	cp := *p
	return &cp, nil
}

// ListOutstandingPostbacks lists postbacks that may still be attempted
func (s *Store) ListOutstandingPostbacks(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]models.NetworkPostback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.NetworkPostback
	for _, p := range s.postbacks {
		if p.Claimable(maxAttempts, staleBefore) {
			out = append(out, *p)
		}
	}
	sortPostbacks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortPostbacks(ps []models.NetworkPostback) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
