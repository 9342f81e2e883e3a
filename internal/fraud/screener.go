// Package fraud scores conversions against deterministic rules. A triggered
// rule raises a flag for review; it never rejects the conversion.
package fraud

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// Factor names recorded on a flag
const (
	FactorAmountOutOfBand  = "amount_out_of_band"
	FactorVelocityExceeded = "velocity_exceeded"
	FactorDuplicatePattern = "duplicate_pattern"
	FactorNewAffiliateHigh = "new_affiliate_high_value"
)

var factorPoints = map[string]int{
	FactorAmountOutOfBand:  30,
	FactorVelocityExceeded: 40,
	FactorDuplicatePattern: 25,
	FactorNewAffiliateHigh: 20,
}

const maxRiskPoints = 100

// veryNewAffiliate makes the new-affiliate rule high severity
const veryNewAffiliate = 7 * 24 * time.Hour

// RiskContext answers the time-windowed questions the rules ask of stored
// conversions
type RiskContext interface {
	CountConversionsBetween(ctx context.Context, affiliateID string, from, to time.Time) (int, error)
	CountMatchingConversions(ctx context.Context, affiliateID string, gmv decimal.Decimal, customerID string, since time.Time, excludeID string) (int, error)
}

// Assessment is the outcome of screening one conversion
type Assessment struct {
	Factors    []models.FraudFactor
	Score      int
	RiskPoints int
	RiskLevel  models.RiskLevel
}

// Flagged reports whether any rule triggered
func (a Assessment) Flagged() bool {
	return a.Score > 0
}

// Flag converts the assessment into the record stored on the conversion
func (a Assessment) Flag(at time.Time) *models.FraudFlag {
	if !a.Flagged() {
		return nil
	}
	names := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		names = append(names, f.Name)
	}
	return &models.FraudFlag{
		RiskLevel:  a.RiskLevel,
		Score:      a.Score,
		RiskPoints: a.RiskPoints,
		Factors:    names,
		Details:    append([]models.FraudFactor(nil), a.Factors...),
		FlaggedAt:  at,
	}
}

type Screener struct {
	rules   config.FraudRules
	risk    RiskContext
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewScreener(rules config.FraudRules, risk RiskContext, log *logger.Logger, m *metrics.Metrics) *Screener {
	return &Screener{rules: rules, risk: risk, log: log, metrics: m}
}

type rule func(ctx context.Context, conv *models.Conversion, aff *models.Affiliate) (*models.FraudFactor, error)

// Assess evaluates every rule. A rule that cannot be evaluated is logged
// and contributes nothing, so screening never blocks conversion creation.
func (s *Screener) Assess(ctx context.Context, conv *models.Conversion, aff *models.Affiliate) Assessment {
	rules := []struct {
		name string
		fn   rule
	}{
		{FactorAmountOutOfBand, s.amountRule},
		{FactorVelocityExceeded, s.velocityRule},
		{FactorDuplicatePattern, s.duplicateRule},
		{FactorNewAffiliateHigh, s.newAffiliateRule},
	}

	var a Assessment
	for _, r := range rules {
		factor, err := r.fn(ctx, conv, aff)
		if err != nil {
			s.log.Error("Fraud rule failed, treating as not triggered",
				"rule", r.name, "conversion_id", conv.ID, "affiliate_id", conv.AffiliateID, "error", err)
			continue
		}
		if factor == nil {
			continue
		}
		a.Factors = append(a.Factors, *factor)
		a.RiskPoints += factorPoints[factor.Name]
		s.metrics.FraudFactor(factor.Name)
	}

	a.Score = len(a.Factors)
	if a.RiskPoints > maxRiskPoints {
		a.RiskPoints = maxRiskPoints
	}
	a.RiskLevel = riskLevel(a.Factors)
	return a
}

// Screen returns the flag to store on conv, or nil when no rule triggered
func (s *Screener) Screen(ctx context.Context, conv *models.Conversion, aff *models.Affiliate) *models.FraudFlag {
	a := s.Assess(ctx, conv, aff)
	if a.Flagged() {
		s.log.Warn("Conversion flagged",
			"conversion_id", conv.ID, "affiliate_id", conv.AffiliateID,
			"risk_level", string(a.RiskLevel), "score", a.Score, "risk_points", a.RiskPoints)
	}
	return a.Flag(time.Now().UTC())
}

func riskLevel(factors []models.FraudFactor) models.RiskLevel {
	if len(factors) == 0 {
		return ""
	}
	if len(factors) >= 2 {
		return models.RiskHigh
	}
	return factors[0].Severity
}

// Bounds returns the accepted GMV range for a product. Products without a
// configured price band use the global range.
func (s *Screener) Bounds(productID string) (decimal.Decimal, decimal.Decimal) {
	if band, ok := s.rules.Products[productID]; ok && productID != "" {
		return band.Bounds()
	}
	return decimal.NewFromFloat(s.rules.AmountMin), decimal.NewFromFloat(s.rules.AmountMax)
}

func (s *Screener) amountRule(ctx context.Context, conv *models.Conversion, aff *models.Affiliate) (*models.FraudFactor, error) {
	lo, hi := s.Bounds(conv.ProductID)
	switch {
	case conv.GMV.LessThan(lo):
		return &models.FraudFactor{
			Name:     FactorAmountOutOfBand,
			Severity: models.RiskLow,
			Detail:   fmt.Sprintf("gmv %s below minimum %s", conv.GMV.StringFixed(2), lo.StringFixed(2)),
		}, nil
	case conv.GMV.GreaterThan(hi.Mul(decimal.NewFromInt(2))):
		return &models.FraudFactor{
			Name:     FactorAmountOutOfBand,
			Severity: models.RiskHigh,
			Detail:   fmt.Sprintf("gmv %s more than twice maximum %s", conv.GMV.StringFixed(2), hi.StringFixed(2)),
		}, nil
	case conv.GMV.GreaterThan(hi):
		return &models.FraudFactor{
			Name:     FactorAmountOutOfBand,
			Severity: models.RiskMedium,
			Detail:   fmt.Sprintf("gmv %s above maximum %s", conv.GMV.StringFixed(2), hi.StringFixed(2)),
		}, nil
	}
	return nil, nil
}

// velocityRule counts the affiliate's conversions in the window ending at
// conv's creation, conv included. Only conversions past the limit trip.
func (s *Screener) velocityRule(ctx context.Context, conv *models.Conversion, aff *models.Affiliate) (*models.FraudFactor, error) {
	if s.rules.VelocityLimit <= 0 {
		return nil, nil
	}
	window := time.Duration(s.rules.VelocityWindowMinutes) * time.Minute
	n, err := s.risk.CountConversionsBetween(ctx, conv.AffiliateID, conv.CreatedAt.Add(-window), conv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if n <= s.rules.VelocityLimit {
		return nil, nil
	}
	return &models.FraudFactor{
		Name:     FactorVelocityExceeded,
		Severity: models.RiskHigh,
		Detail:   fmt.Sprintf("%d conversions within %s (limit %d)", n, window, s.rules.VelocityLimit),
	}, nil
}

func (s *Screener) duplicateRule(ctx context.Context, conv *models.Conversion, aff *models.Affiliate) (*models.FraudFactor, error) {
	if conv.CustomerID == nil || *conv.CustomerID == "" {
		return nil, nil
	}
	since := conv.CreatedAt.AddDate(0, 0, -s.rules.DuplicateLookbackDays)
	n, err := s.risk.CountMatchingConversions(ctx, conv.AffiliateID, conv.GMV, *conv.CustomerID, since, conv.ID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return &models.FraudFactor{
		Name:     FactorDuplicatePattern,
		Severity: models.RiskHigh,
		Detail:   fmt.Sprintf("%d earlier conversions with the same customer and gmv", n),
	}, nil
}

func (s *Screener) newAffiliateRule(ctx context.Context, conv *models.Conversion, aff *models.Affiliate) (*models.FraudFactor, error) {
	if aff == nil || aff.CreatedAt.IsZero() || s.rules.NewAffiliateDays <= 0 {
		return nil, nil
	}
	age := conv.CreatedAt.Sub(aff.CreatedAt)
	if age >= time.Duration(s.rules.NewAffiliateDays)*24*time.Hour {
		return nil, nil
	}
	limit := decimal.NewFromFloat(s.rules.NewAffiliateAmountCap)
	if !conv.GMV.GreaterThan(limit) {
		return nil, nil
	}
	severity := models.RiskMedium
	if age < veryNewAffiliate {
		severity = models.RiskHigh
	}
	return &models.FraudFactor{
		Name:     FactorNewAffiliateHigh,
		Severity: severity,
		Detail:   fmt.Sprintf("affiliate %d days old, gmv %s above cap %s", int(age.Hours()/24), conv.GMV.StringFixed(2), limit.StringFixed(2)),
	}, nil
}
