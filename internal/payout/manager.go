// Package payout groups cleared conversions into batches, gates them behind a
// verification checklist and settles them with the disbursement processor.
package payout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/conversion"
	"github.com/AnuragDani/affiliate-engine/internal/disbursement"
	"github.com/AnuragDani/affiliate-engine/internal/events"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// Store is the persistence the manager needs
type Store interface {
	GetAffiliate(ctx context.Context, id string) (*models.Affiliate, error)
	ListPayableConversions(ctx context.Context, affiliateID string) ([]models.Conversion, error)
	CountFlaggedConversions(ctx context.Context, affiliateID string) (int, error)
	ListBatchConversions(ctx context.Context, batchID string) ([]models.Conversion, error)
	CreateBatch(ctx context.Context, b *models.PayoutBatch) error
	GetBatch(ctx context.Context, id string) (*models.PayoutBatch, error)
	GetBatchByDisbursementID(ctx context.Context, disbursementID string) (*models.PayoutBatch, error)
	UpdateBatch(ctx context.Context, b *models.PayoutBatch, expected models.BatchStatus) error
	ReleaseBatchConversions(ctx context.Context, batchID string) (int, error)
	ListBatches(ctx context.Context, status models.BatchStatus, limit int) ([]models.PayoutBatch, error)
}

// Transitioner moves conversions between statuses
type Transitioner interface {
	Transition(ctx context.Context, id string, to models.ConversionStatus, notes string) (*conversion.TransitionResult, error)
}

type Manager struct {
	store       Store
	machine     Transitioner
	disbursers  *disbursement.Registry
	rules       config.PayoutRules
	callbackURL string
	log         *logger.Logger
	metrics     *metrics.Metrics
	events      events.Sink
	now         func() time.Time
}

func NewManager(store Store, machine Transitioner, disbursers *disbursement.Registry, rules config.PayoutRules,
	callbackURL string, log *logger.Logger, m *metrics.Metrics, sink events.Sink) *Manager {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Manager{
		store:       store,
		machine:     machine,
		disbursers:  disbursers,
		rules:       rules,
		callbackURL: callbackURL,
		log:         log,
		metrics:     m,
		events:      sink,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// AffiliatePreview is the payable position of one affiliate
type AffiliatePreview struct {
	AffiliateID          string              `json:"affiliate_id"`
	Slug                 string              `json:"slug"`
	ConversionIDs        []string            `json:"conversion_ids"`
	ConversionCount      int                 `json:"conversion_count"`
	TotalAmount          decimal.Decimal     `json:"total_amount"`
	EstimatedFee         decimal.Decimal     `json:"estimated_fee"`
	NetAmount            decimal.Decimal     `json:"net_amount"`
	PayoutMethod         models.PayoutMethod `json:"payout_method,omitempty"`
	Destination          string              `json:"destination,omitempty"`
	FlaggedConversions   int                 `json:"flagged_conversions"`
	Eligible             bool                `json:"eligible"`
	RejectionReasons     []string            `json:"rejection_reasons,omitempty"`
	RequiresManualReview bool                `json:"requires_manual_review"`
}

// Preview summarises payable conversions per affiliate
type Preview struct {
	Currency      string             `json:"currency"`
	Affiliates    []AffiliatePreview `json:"affiliates"`
	EligibleCount int                `json:"eligible_count"`
	TotalAmount   decimal.Decimal    `json:"total_amount"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// Fee estimates the processor fee for paying amount through method
func (m *Manager) Fee(method models.PayoutMethod, amount decimal.Decimal) decimal.Decimal {
	s, ok := m.rules.Fees[string(method)]
	if !ok {
		return decimal.Zero
	}
	fee := decimal.Max(decimal.NewFromFloat(s.BaseFee), amount.Mul(decimal.NewFromFloat(s.PercentageFee)))
	if s.MinimumFee > 0 {
		fee = decimal.Max(fee, decimal.NewFromFloat(s.MinimumFee))
	}
	if s.MaximumFee > 0 {
		fee = decimal.Min(fee, decimal.NewFromFloat(s.MaximumFee))
	}
	return fee.Round(2)
}

// Preview reads payable conversions without writing anything. An empty
// affiliateID previews every affiliate with payable conversions.
func (m *Manager) Preview(ctx context.Context, affiliateID string) (*Preview, error) {
	if affiliateID != "" {
		if _, err := m.loadAffiliate(ctx, affiliateID); err != nil {
			return nil, err
		}
	}
	convs, err := m.store.ListPayableConversions(ctx, affiliateID)
	if err != nil {
		return nil, models.Upstream("DATABASE_ERROR", "failed to list payable conversions", err)
	}

	groups := make(map[string][]models.Conversion)
	var order []string
	for _, c := range convs {
		if _, seen := groups[c.AffiliateID]; !seen {
			order = append(order, c.AffiliateID)
		}
		groups[c.AffiliateID] = append(groups[c.AffiliateID], c)
	}
	sort.Strings(order)

	out := &Preview{Currency: m.rules.Currency, Affiliates: []AffiliatePreview{}, TotalAmount: decimal.Zero, GeneratedAt: m.now()}
	for _, id := range order {
		p, err := m.previewAffiliate(ctx, id, groups[id])
		if err != nil {
			return nil, err
		}
		out.Affiliates = append(out.Affiliates, *p)
		out.TotalAmount = out.TotalAmount.Add(p.TotalAmount)
		if p.Eligible {
			out.EligibleCount++
		}
	}
	return out, nil
}

func (m *Manager) previewAffiliate(ctx context.Context, affiliateID string, convs []models.Conversion) (*AffiliatePreview, error) {
	aff, err := m.loadAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, err
	}
	flagged, err := m.store.CountFlaggedConversions(ctx, affiliateID)
	if err != nil {
		return nil, models.Upstream("DATABASE_ERROR", "failed to count flagged conversions", err)
	}

	p := &AffiliatePreview{
		AffiliateID:        aff.ID,
		Slug:               aff.Slug,
		ConversionIDs:      make([]string, 0, len(convs)),
		ConversionCount:    len(convs),
		TotalAmount:        decimal.Zero,
		PayoutMethod:       aff.PayoutMethod,
		Destination:        aff.PayoutDestination(),
		FlaggedConversions: flagged,
	}
	for _, c := range convs {
		p.ConversionIDs = append(p.ConversionIDs, c.ID)
		p.TotalAmount = p.TotalAmount.Add(c.CommissionAmount)
	}
	p.EstimatedFee = m.Fee(aff.PayoutMethod, p.TotalAmount)
	p.NetAmount = p.TotalAmount.Sub(p.EstimatedFee)
	p.RejectionReasons = m.rejectionReasons(aff, p.TotalAmount)
	p.Eligible = len(p.RejectionReasons) == 0 && len(convs) > 0
	p.RequiresManualReview = flagged > 0 ||
		p.TotalAmount.GreaterThanOrEqual(decimal.NewFromFloat(m.rules.ManualReviewThreshold))
	return p, nil
}

func (m *Manager) rejectionReasons(aff *models.Affiliate, total decimal.Decimal) []string {
	var reasons []string
	if !aff.IsActive() {
		reasons = append(reasons, fmt.Sprintf("affiliate is %s", aff.Status))
	}
	threshold := decimal.NewFromFloat(m.rules.MinPayoutThreshold)
	if total.LessThan(threshold) {
		reasons = append(reasons, fmt.Sprintf("below minimum payout threshold of %s %s", threshold.StringFixed(2), m.rules.Currency))
	}
	switch aff.PayoutMethod {
	case models.PayoutMethodBankTransfer:
		if aff.AccountNumber == "" || !aff.BankVerified {
			reasons = append(reasons, "bank account not verified")
		}
	case models.PayoutMethodGCash:
		if aff.GCashNumber == "" || !aff.GCashVerified {
			reasons = append(reasons, "GCash number not verified")
		}
	default:
		reasons = append(reasons, "payout method not set")
	}
	return reasons
}

// CreateResult lists the batches created and the affiliates left out
type CreateResult struct {
	Batches []*models.PayoutBatch `json:"batches"`
	Skipped []AffiliatePreview    `json:"skipped,omitempty"`
}

// CreateBatches materialises draft batches. With an affiliate id the
// affiliate must be eligible; without one every eligible affiliate gets a
// batch and the rest are reported as skipped.
func (m *Manager) CreateBatches(ctx context.Context, affiliateID string) (*CreateResult, error) {
	preview, err := m.Preview(ctx, affiliateID)
	if err != nil {
		return nil, err
	}

	if affiliateID != "" {
		if len(preview.Affiliates) == 0 {
			return nil, models.Validation("NO_PAYABLE_CONVERSIONS", fmt.Sprintf("affiliate %s has no cleared conversions to pay", affiliateID))
		}
		if p := preview.Affiliates[0]; !p.Eligible {
			return nil, models.Validation("NOT_ELIGIBLE", fmt.Sprintf("affiliate %s is not eligible: %s", affiliateID, strings.Join(p.RejectionReasons, "; ")))
		}
	}

	out := &CreateResult{Batches: []*models.PayoutBatch{}}
	for _, p := range preview.Affiliates {
		if !p.Eligible {
			out.Skipped = append(out.Skipped, p)
			continue
		}
		b, err := m.createBatch(ctx, p)
		if err != nil {
			if affiliateID != "" {
				return nil, err
			}
			m.log.Error("Failed to create payout batch", "affiliate_id", p.AffiliateID, "error", err)
			out.Skipped = append(out.Skipped, p)
			continue
		}
		out.Batches = append(out.Batches, b)
	}
	return out, nil
}

func (m *Manager) createBatch(ctx context.Context, p AffiliatePreview) (*models.PayoutBatch, error) {
	now := m.now()
	b := &models.PayoutBatch{
		ID:            uuid.NewString(),
		AffiliateID:   p.AffiliateID,
		ConversionIDs: p.ConversionIDs,
		TotalAmount:   p.TotalAmount,
		FeeAmount:     p.EstimatedFee,
		PayoutMethod:  p.PayoutMethod,
		Status:        models.BatchDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateBatch(ctx, b); err != nil {
		if errors.Is(err, models.ErrStaleWrite) {
			return nil, models.Conflict("CONVERSIONS_CHANGED", "conversions changed while the batch was being created, preview again")
		}
		return nil, models.Upstream("DATABASE_ERROR", "failed to create payout batch", err)
	}

	m.log.Info("Payout batch created",
		"batch_id", b.ID, "affiliate_id", b.AffiliateID,
		"conversions", len(b.ConversionIDs), "total", b.TotalAmount.StringFixed(2))
	m.metrics.Batch(string(b.Status))
	m.emit(events.BatchCreated, b)
	return b, nil
}

// GetBatch loads a batch
func (m *Manager) GetBatch(ctx context.Context, id string) (*models.PayoutBatch, error) {
	b, err := m.store.GetBatch(ctx, id)
	if err != nil {
		return nil, batchError(err, id)
	}
	return b, nil
}

const (
	defaultBatchListLimit = 50
	maxBatchListLimit     = 500
)

// ListBatches lists batches newest first, optionally filtered by status
func (m *Manager) ListBatches(ctx context.Context, status models.BatchStatus, limit int) ([]models.PayoutBatch, error) {
	if status != "" {
		if err := models.ValidateBatchStatus(status); err != nil {
			return nil, err
		}
	}
	switch {
	case limit <= 0:
		limit = defaultBatchListLimit
	case limit > maxBatchListLimit:
		limit = maxBatchListLimit
	}
	batches, err := m.store.ListBatches(ctx, status, limit)
	if err != nil {
		return nil, models.Upstream("DATABASE_ERROR", "failed to list payout batches", err)
	}
	if batches == nil {
		batches = []models.PayoutBatch{}
	}
	return batches, nil
}

// AutoBatchDue reports whether now falls inside the month-end batching window
func (m *Manager) AutoBatchDue(now time.Time) bool {
	if m.rules.AutoBatchDaysBeforeMonthEnd <= 0 {
		return false
	}
	lastDay := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day()
	return lastDay-now.Day() <= m.rules.AutoBatchDaysBeforeMonthEnd
}

func (m *Manager) loadAffiliate(ctx context.Context, id string) (*models.Affiliate, error) {
	aff, err := m.store.GetAffiliate(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			return nil, models.NotFound("AFFILIATE_NOT_FOUND", fmt.Sprintf("affiliate %s not found", id))
		}
		return nil, models.Upstream("DATABASE_ERROR", "failed to load affiliate", err)
	}
	return aff, nil
}

func (m *Manager) emit(event string, b *models.PayoutBatch) {
	m.events.Emit(events.TypePayout, event, events.PayoutEventData{
		BatchID:         b.ID,
		AffiliateID:     b.AffiliateID,
		TotalAmount:     b.TotalAmount.StringFixed(2),
		ConversionCount: len(b.ConversionIDs),
		Status:          string(b.Status),
		DisbursementID:  b.DisbursementID,
		FailureReason:   b.FailureReason,
	})
}

func batchError(err error, id string) error {
	var classified *models.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, models.ErrRecordNotFound) {
		return models.NotFound("BATCH_NOT_FOUND", fmt.Sprintf("payout batch %s not found", id))
	}
	if errors.Is(err, models.ErrStaleWrite) {
		return models.Conflict("BATCH_CHANGED", fmt.Sprintf("payout batch %s changed, reload and retry", id))
	}
	return models.Upstream("DATABASE_ERROR", "payout batch write failed", err)
}
