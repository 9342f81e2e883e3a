// Package conversion records commission-bearing purchases and owns every
// change to their status.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/events"
	"github.com/AnuragDani/affiliate-engine/internal/fraud"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// Column limits of the conversions table
const (
	maxOrderIDLength = 100
	maxIDLength      = 100
	maxClickIDLength = 36
)

// Store is the persistence the recorder needs
type Store interface {
	StatusStore
	FindLatestClick(ctx context.Context, affiliateID, visitorID string, since time.Time) (*models.Click, error)
	InsertConversion(ctx context.Context, c *models.Conversion) error
	GetConversionByOrderID(ctx context.Context, orderID string) (*models.Conversion, error)
}

// AffiliateLookup resolves affiliates, possibly through a cache
type AffiliateLookup interface {
	GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error)
}

// OrderIndex is a fast path for order id idempotency in front of the store
type OrderIndex interface {
	Lookup(ctx context.Context, orderID string) (string, bool, error)
	Remember(ctx context.Context, orderID, conversionID string) error
}

// Notifier announces a new conversion to affiliate networks
type Notifier interface {
	NotifyConversion(ctx context.Context, conv *models.Conversion) error
}

// Request is a conversion reported by the order pipeline
type Request struct {
	AffiliateID string          `json:"affiliate_id"`
	OrderID     string          `json:"order_id"`
	GMV         decimal.Decimal `json:"gmv"`
	ClickID     *string         `json:"click_id,omitempty"`
	VisitorID   string          `json:"visitor_id,omitempty"`
	CustomerID  *string         `json:"customer_id,omitempty"`
	ProductID   string          `json:"product_id,omitempty"`
	SubID       *string         `json:"sub_id,omitempty"`
	Level       int             `json:"level,omitempty"`
}

// Validate rejects malformed input before anything is written. gmv is
// rounded to cents first so every store compares the same amount.
func (r *Request) Validate() error {
	r.GMV = r.GMV.Round(2)
	if r.AffiliateID == "" {
		return models.InvalidField("MISSING_AFFILIATE_ID", "affiliate_id", "affiliate_id is required")
	}
	if r.OrderID == "" {
		return models.InvalidField("MISSING_ORDER_ID", "order_id", "order_id is required")
	}
	if len(r.OrderID) > maxOrderIDLength {
		return models.InvalidField("INVALID_ORDER_ID", "order_id",
			fmt.Sprintf("order_id must be at most %d characters", maxOrderIDLength))
	}
	if !r.GMV.IsPositive() {
		return models.InvalidField("INVALID_GMV", "gmv", "gmv must be greater than zero")
	}
	if r.Level < 0 {
		return models.InvalidField("INVALID_LEVEL", "level", "level must be positive")
	}
	if r.ClickID != nil && len(*r.ClickID) > maxClickIDLength {
		return models.InvalidField("INVALID_CLICK_ID", "click_id",
			fmt.Sprintf("click_id must be at most %d characters", maxClickIDLength))
	}
	for _, f := range []struct{ field, value string }{
		{"customer_id", deref(r.CustomerID)},
		{"product_id", r.ProductID},
		{"sub_id", deref(r.SubID)},
	} {
		if field := f.field; len(f.value) > maxIDLength {
			return models.InvalidField("INVALID_"+strings.ToUpper(field), field,
				fmt.Sprintf("%s must be at most %d characters", field, maxIDLength))
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Result is returned to the order pipeline
type Result struct {
	ConversionID     string                  `json:"conversion_id"`
	Status           models.ConversionStatus `json:"status"`
	Duplicate        bool                    `json:"duplicate"`
	ClickID          *string                 `json:"click_id,omitempty"`
	CommissionAmount decimal.Decimal         `json:"commission_amount"`
	FraudFlag        *models.FraudFlag       `json:"fraud_flag,omitempty"`
}

type Recorder struct {
	store      Store
	affiliates AffiliateLookup
	orders     OrderIndex
	screener   *fraud.Screener
	machine    *StatusMachine
	notifier   Notifier
	rules      *config.Rules
	log        *logger.Logger
	metrics    *metrics.Metrics
	events     events.Sink
	now        func() time.Time
}

// RecorderOptions wires the optional collaborators of a Recorder
type RecorderOptions struct {
	Orders   OrderIndex
	Notifier Notifier
	Metrics  *metrics.Metrics
	Events   events.Sink
}

func NewRecorder(store Store, affiliates AffiliateLookup, screener *fraud.Screener, machine *StatusMachine,
	rules *config.Rules, log *logger.Logger, opts RecorderOptions) *Recorder {
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Recorder{
		store:      store,
		affiliates: affiliates,
		orders:     opts.Orders,
		screener:   screener,
		machine:    machine,
		notifier:   opts.Notifier,
		rules:      rules,
		log:        log,
		metrics:    opts.Metrics,
		events:     opts.Events,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Commission computes gmv x rate rounded half-up to two decimal places
func Commission(gmv, rate decimal.Decimal) decimal.Decimal {
	return gmv.Mul(rate).Round(2)
}

// Rate returns the commission rate that applies to a conversion level
func (r *Recorder) Rate(aff *models.Affiliate, level int) decimal.Decimal {
	if level > 1 {
		if rate, ok := r.rules.Commission.TierRate(level); ok {
			return rate
		}
	}
	return aff.CommissionRate
}

// Record stores a conversion once per order id, screens it and returns its
// status at creation. Repeating an order id returns the first conversion.
func (r *Recorder) Record(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		r.metrics.Conversion("rejected")
		return nil, err
	}
	if req.Level == 0 {
		req.Level = 1
	}

	if existing, err := r.findExisting(ctx, req.OrderID); err != nil {
		return nil, err
	} else if existing != nil {
		return r.duplicate(existing), nil
	}

	aff, err := r.affiliates.GetAffiliate(ctx, req.AffiliateID)
	if err != nil {
		r.metrics.Conversion("rejected")
		if errors.Is(err, models.ErrRecordNotFound) {
			return nil, models.NotFound("AFFILIATE_NOT_FOUND", fmt.Sprintf("affiliate %s not found", req.AffiliateID))
		}
		return nil, models.Upstream("DATABASE_ERROR", "failed to load affiliate", err)
	}
	if !aff.IsActive() {
		r.metrics.Conversion("rejected")
		return nil, models.Forbidden("AFFILIATE_INACTIVE", fmt.Sprintf("affiliate %s is %s", aff.ID, aff.Status))
	}

	now := r.now()
	conv := &models.Conversion{
		ID:               uuid.NewString(),
		AffiliateID:      aff.ID,
		ClickID:          req.ClickID,
		OrderID:          req.OrderID,
		CustomerID:       req.CustomerID,
		ProductID:        req.ProductID,
		GMV:              req.GMV,
		CommissionAmount: Commission(req.GMV, r.Rate(aff, req.Level)),
		Level:            req.Level,
		SubID:            req.SubID,
		Status:           models.ConversionPending,
		StatusHistory:    []models.StatusChange{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if conv.ClickID == nil {
		conv.ClickID = r.attribute(ctx, aff.ID, req.VisitorID, now)
	}

	if err := r.store.InsertConversion(ctx, conv); err != nil {
		if errors.Is(err, models.ErrDuplicateOrder) {
			existing, lookupErr := r.store.GetConversionByOrderID(ctx, req.OrderID)
			if lookupErr != nil {
				return nil, models.Upstream("DATABASE_ERROR", "failed to load existing conversion", lookupErr)
			}
			return r.duplicate(existing), nil
		}
		if errors.Is(err, models.ErrUnknownClick) {
			r.metrics.Conversion("rejected")
			return nil, models.InvalidField("INVALID_CLICK_ID", "click_id", "click_id does not match a recorded click")
		}
		r.metrics.Conversion("failed")
		return nil, models.Upstream("DATABASE_ERROR", "failed to record conversion", err)
	}
	r.remember(ctx, conv.OrderID, conv.ID)

	r.log.Info("Conversion recorded",
		"conversion_id", conv.ID, "affiliate_id", aff.ID, "order_id", conv.OrderID,
		"gmv", conv.GMV.StringFixed(2), "commission", conv.CommissionAmount.StringFixed(2))

	result := &Result{
		ConversionID:     conv.ID,
		Status:           conv.Status,
		ClickID:          conv.ClickID,
		CommissionAmount: conv.CommissionAmount,
	}

	if flag := r.screener.Screen(ctx, conv, aff); flag != nil {
		res, err := r.machine.Flag(ctx, conv.ID, flag, "flagged by fraud screen")
		if err != nil {
			r.log.Error("Failed to flag conversion, leaving it pending",
				"conversion_id", conv.ID, "risk_level", string(flag.RiskLevel), "error", err)
		} else {
			result.Status = res.Conversion.Status
			result.FraudFlag = res.Conversion.FraudFlag
			r.events.Emit(events.TypeConversion, events.ConversionFlagged, events.ConversionEventData{
				ConversionID: conv.ID,
				AffiliateID:  aff.ID,
				OrderID:      conv.OrderID,
				GMV:          conv.GMV.StringFixed(2),
				Status:       string(result.Status),
				RiskLevel:    string(flag.RiskLevel),
			})
		}
	}

	if conv.SubID != nil && *conv.SubID != "" && r.notifier != nil {
		if err := r.notifier.NotifyConversion(ctx, conv); err != nil {
			r.log.Error("Failed to queue network postbacks", "conversion_id", conv.ID, "error", err)
		}
	}

	if result.Status == models.ConversionFlagged {
		r.metrics.Conversion("flagged")
	} else {
		r.metrics.Conversion("recorded")
	}
	r.events.Emit(events.TypeConversion, events.ConversionRecorded, events.ConversionEventData{
		ConversionID:     conv.ID,
		AffiliateID:      aff.ID,
		OrderID:          conv.OrderID,
		GMV:              conv.GMV.StringFixed(2),
		CommissionAmount: conv.CommissionAmount.StringFixed(2),
		Status:           string(result.Status),
	})
	return result, nil
}

// findExisting checks the order index and then the store for an earlier
// conversion of the order
func (r *Recorder) findExisting(ctx context.Context, orderID string) (*models.Conversion, error) {
	if r.orders != nil {
		id, ok, err := r.orders.Lookup(ctx, orderID)
		switch {
		case err != nil:
			r.log.Warn("Order index lookup failed, using store", "order_id", orderID, "error", err)
		case ok:
			conv, err := r.store.GetConversion(ctx, id)
			if err == nil {
				return conv, nil
			}
			r.log.Warn("Order index points at unreadable conversion", "order_id", orderID, "conversion_id", id, "error", err)
		}
	}

	conv, err := r.store.GetConversionByOrderID(ctx, orderID)
	if errors.Is(err, models.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.metrics.Conversion("failed")
		return nil, models.Upstream("DATABASE_ERROR", "failed to check order id", err)
	}
	r.remember(ctx, orderID, conv.ID)
	return conv, nil
}

func (r *Recorder) remember(ctx context.Context, orderID, conversionID string) {
	if r.orders == nil {
		return
	}
	if err := r.orders.Remember(ctx, orderID, conversionID); err != nil {
		r.log.Warn("Failed to cache order id", "order_id", orderID, "error", err)
	}
}

func (r *Recorder) duplicate(existing *models.Conversion) *Result {
	r.metrics.Conversion("duplicate")
	r.log.Info("Duplicate order, returning existing conversion",
		"order_id", existing.OrderID, "conversion_id", existing.ID)
	r.events.Emit(events.TypeConversion, events.ConversionDuplicate, events.ConversionEventData{
		ConversionID: existing.ID,
		AffiliateID:  existing.AffiliateID,
		OrderID:      existing.OrderID,
		Status:       string(existing.Status),
	})
	return &Result{
		ConversionID:     existing.ID,
		Status:           existing.Status,
		Duplicate:        true,
		ClickID:          existing.ClickID,
		CommissionAmount: existing.CommissionAmount,
		FraudFlag:        existing.FraudFlag,
	}
}

// attribute finds the visitor's latest click inside the lookback window. A
// failed lookup degrades to an unattributed conversion.
func (r *Recorder) attribute(ctx context.Context, affiliateID, visitorID string, now time.Time) *string {
	if visitorID == "" {
		return nil
	}
	since := now.AddDate(0, 0, -r.rules.Attribution.LookbackDays)
	click, err := r.store.FindLatestClick(ctx, affiliateID, visitorID, since)
	if err != nil {
		if !errors.Is(err, models.ErrRecordNotFound) {
			r.log.Warn("Click attribution lookup failed", "affiliate_id", affiliateID, "visitor_id", visitorID, "error", err)
		}
		return nil
	}
	return &click.ID
}

// RescreenResult reports a fresh fraud assessment of a stored conversion
type RescreenResult struct {
	ConversionID string                  `json:"conversion_id"`
	Status       models.ConversionStatus `json:"status"`
	Flagged      bool                    `json:"flagged"`
	RiskLevel    models.RiskLevel        `json:"risk_level,omitempty"`
	RiskPoints   int                     `json:"risk_points"`
	Factors      []models.FraudFactor    `json:"factors,omitempty"`
}

// Rescreen runs the fraud rules again. Only a pending conversion that now
// trips a rule changes status.
func (r *Recorder) Rescreen(ctx context.Context, id string) (*RescreenResult, error) {
	conv, err := r.store.GetConversion(ctx, id)
	if err != nil {
		return nil, storeError(err, id)
	}
	aff, err := r.affiliates.GetAffiliate(ctx, conv.AffiliateID)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return nil, models.NotFound("AFFILIATE_NOT_FOUND", fmt.Sprintf("affiliate %s not found", conv.AffiliateID))
		}
		return nil, models.Upstream("DATABASE_ERROR", "failed to load affiliate", err)
	}

	a := r.screener.Assess(ctx, conv, aff)
	out := &RescreenResult{
		ConversionID: conv.ID,
		Status:       conv.Status,
		Flagged:      a.Flagged(),
		RiskLevel:    a.RiskLevel,
		RiskPoints:   a.RiskPoints,
		Factors:      a.Factors,
	}
	if !a.Flagged() || conv.Status != models.ConversionPending {
		return out, nil
	}

	res, err := r.machine.Flag(ctx, conv.ID, a.Flag(r.now()), "flagged by fraud rescreen")
	if err != nil {
		return nil, err
	}
	out.Status = res.Conversion.Status
	return out, nil
}
