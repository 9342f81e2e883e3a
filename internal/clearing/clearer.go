// Package clearing moves pending conversions to cleared once their refund
// period has passed.
package clearing

import (
	"context"
	"fmt"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/conversion"
	"github.com/AnuragDani/affiliate-engine/internal/fraud"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

const autoClearNote = "auto-cleared after refund period"

type Store interface {
	GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error)
	ListConversionsByStatus(ctx context.Context, status models.ConversionStatus, createdAfter, createdBefore time.Time, limit int) ([]models.Conversion, error)
}

// Machine is the part of the status machine the job drives
type Machine interface {
	Transition(ctx context.Context, id string, to models.ConversionStatus, notes string) (*conversion.TransitionResult, error)
	Flag(ctx context.Context, id string, flag *models.FraudFlag, notes string) (*conversion.TransitionResult, error)
}

// Result counts what one run did
type Result struct {
	Processed int `json:"processed"`
	Cleared   int `json:"cleared"`
	Flagged   int `json:"flagged"`
	Failed    int `json:"failed"`
}

type Clearer struct {
	store    Store
	machine  Machine
	screener *fraud.Screener
	rules    config.ClearingRules
	log      *logger.Logger
	now      func() time.Time
}

func NewClearer(store Store, machine Machine, screener *fraud.Screener, rules config.ClearingRules, log *logger.Logger) *Clearer {
	return &Clearer{
		store:    store,
		machine:  machine,
		screener: screener,
		rules:    rules,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Window returns the creation range of conversions eligible for clearing
func (c *Clearer) Window(now time.Time) (after, before time.Time) {
	return now.AddDate(0, 0, -c.rules.MaxAgeDays), now.AddDate(0, 0, -c.rules.RefundPeriodDays)
}

// Run clears one batch of eligible conversions. A failure on one conversion
// is counted and the run continues.
func (c *Clearer) Run(ctx context.Context) (*Result, error) {
	after, before := c.Window(c.now())
	convs, err := c.store.ListConversionsByStatus(ctx, models.ConversionPending, after, before, c.rules.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list clearable conversions: %w", err)
	}

	res := &Result{}
	for i := range convs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		conv := &convs[i]
		res.Processed++

		if c.rules.RecheckFraud && c.screener != nil {
			flagged, err := c.recheck(ctx, conv)
			if err != nil {
				res.Failed++
				c.log.Error("Clearing fraud recheck failed", "conversion_id", conv.ID, "error", err)
				continue
			}
			if flagged {
				res.Flagged++
				continue
			}
		}

		if _, err := c.machine.Transition(ctx, conv.ID, models.ConversionCleared, autoClearNote); err != nil {
			res.Failed++
			c.log.Error("Failed to clear conversion", "conversion_id", conv.ID, "error", err)
			continue
		}
		res.Cleared++
	}

	if res.Processed > 0 {
		c.log.Info("Clearing run finished",
			"processed", res.Processed, "cleared", res.Cleared, "flagged", res.Flagged, "failed", res.Failed)
	}
	return res, nil
}

func (c *Clearer) recheck(ctx context.Context, conv *models.Conversion) (bool, error) {
	aff, err := c.store.GetAffiliate(ctx, conv.AffiliateID)
	if err != nil {
		return false, fmt.Errorf("failed to load affiliate %s: %w", conv.AffiliateID, err)
	}
	flag := c.screener.Screen(ctx, conv, aff)
	if flag == nil {
		return false, nil
	}
	if _, err := c.machine.Flag(ctx, conv.ID, flag, "flagged by fraud recheck before clearing"); err != nil {
		return false, err
	}
	return true, nil
}
