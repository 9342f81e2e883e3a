// Package affiliate administers affiliate accounts.
package affiliate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/events"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// Store is the persistence the service needs
type Store interface {
	GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error)
	UpdateAffiliateStatus(ctx context.Context, id string, status models.AffiliateStatus, at time.Time) (*models.Affiliate, error)
}

// Invalidator drops cached copies of an affiliate
type Invalidator interface {
	Invalidate(ctx context.Context, aff *models.Affiliate) error
}

type Service struct {
	store  Store
	cache  Invalidator
	log    *logger.Logger
	events events.Sink
	now    func() time.Time
}

// NewService builds the service. cache may be nil when no cache is wired.
func NewService(store Store, cache Invalidator, log *logger.Logger, sink events.Sink) *Service {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Service{
		store:  store,
		cache:  cache,
		log:    log,
		events: sink,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetStatus changes an affiliate's status and drops its cache entries so
// clicks and conversions see the change immediately
func (s *Service) SetStatus(ctx context.Context, id string, status models.AffiliateStatus) (*models.Affiliate, error) {
	if err := models.ValidateAffiliateStatus(status); err != nil {
		return nil, err
	}
	current, err := s.store.GetAffiliate(ctx, id)
	if err != nil {
		return nil, lookupError(err, id)
	}
	if current.Status == status {
		return current, nil
	}

	updated, err := s.store.UpdateAffiliateStatus(ctx, id, status, s.now())
	if err != nil {
		return nil, lookupError(err, id)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, updated); err != nil {
			s.log.Warn("Failed to invalidate cached affiliate", "affiliate_id", id, "error", err)
		}
	}

	s.log.Info("Affiliate status changed", "affiliate_id", id, "old_status", string(current.Status), "status", string(status))
	s.events.Emit(events.TypeAffiliate, events.AffiliateStatusChanged, events.AffiliateEventData{
		AffiliateID: id,
		OldStatus:   string(current.Status),
		Status:      string(status),
	})
	return updated, nil
}

func lookupError(err error, id string) error {
	if errors.Is(err, models.ErrRecordNotFound) {
		return models.NotFound("AFFILIATE_NOT_FOUND", fmt.Sprintf("affiliate %s not found", id))
	}
	return models.Upstream("DATABASE_ERROR", "failed to update affiliate", err)
}
