package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// Rules are the tunable business thresholds of the engine
type Rules struct {
	Fraud       FraudRules       `yaml:"fraud" json:"fraud"`
	Attribution AttributionRules `yaml:"attribution" json:"attribution"`
	Commission  CommissionRules  `yaml:"commission" json:"commission"`
	Payout      PayoutRules      `yaml:"payout" json:"payout"`
	Clearing    ClearingRules    `yaml:"clearing" json:"clearing"`
	Networks    []NetworkRule    `yaml:"networks" json:"networks"`
}

type FraudRules struct {
	AmountMin             float64              `yaml:"amount_min" json:"amount_min"`
	AmountMax             float64              `yaml:"amount_max" json:"amount_max"`
	Products              map[string]PriceBand `yaml:"products" json:"products"`
	VelocityLimit         int                  `yaml:"velocity_limit" json:"velocity_limit"`
	VelocityWindowMinutes int                  `yaml:"velocity_window_minutes" json:"velocity_window_minutes"`
	NewAffiliateDays      int                  `yaml:"new_affiliate_days" json:"new_affiliate_days"`
	NewAffiliateAmountCap float64              `yaml:"new_affiliate_amount_cap" json:"new_affiliate_amount_cap"`
	DuplicateLookbackDays int                  `yaml:"duplicate_lookback_days" json:"duplicate_lookback_days"`
}

// PriceBand derives amount bounds as a percentage band around a list price
type PriceBand struct {
	ListPrice  float64 `yaml:"list_price" json:"list_price"`
	MinPercent float64 `yaml:"min_percent" json:"min_percent"`
	MaxPercent float64 `yaml:"max_percent" json:"max_percent"`
}

// Bounds returns the [min, max] GMV accepted for the band
func (b PriceBand) Bounds() (decimal.Decimal, decimal.Decimal) {
	price := decimal.NewFromFloat(b.ListPrice)
	hundred := decimal.NewFromInt(100)
	return price.Mul(decimal.NewFromFloat(b.MinPercent)).Div(hundred).Round(2),
		price.Mul(decimal.NewFromFloat(b.MaxPercent)).Div(hundred).Round(2)
}

type AttributionRules struct {
	LookbackDays        int `yaml:"lookback_days" json:"lookback_days"`
	AffiliateCookieDays int `yaml:"affiliate_cookie_days" json:"affiliate_cookie_days"`
	VisitorCookieDays   int `yaml:"visitor_cookie_days" json:"visitor_cookie_days"`
}

type CommissionRules struct {
	// TierRates maps a conversion level above 1 to its commission rate
	TierRates map[int]string `yaml:"tier_rates" json:"tier_rates"`
}

// TierRate returns the configured rate for level, if any
func (c CommissionRules) TierRate(level int) (decimal.Decimal, bool) {
	raw, ok := c.TierRates[level]
	if !ok {
		return decimal.Zero, false
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return rate, true
}

type PayoutRules struct {
	Currency                    string                 `yaml:"currency" json:"currency"`
	MinPayoutThreshold          float64                `yaml:"min_payout_threshold" json:"min_payout_threshold"`
	ManualReviewThreshold       float64                `yaml:"manual_review_threshold" json:"manual_review_threshold"`
	AutoBatchDaysBeforeMonthEnd int                    `yaml:"auto_batch_days_before_month_end" json:"auto_batch_days_before_month_end"`
	Fees                        map[string]FeeSchedule `yaml:"fees" json:"fees"`
}

// FeeSchedule is the disbursement fee structure of one payout method
type FeeSchedule struct {
	BaseFee       float64 `yaml:"base_fee" json:"base_fee"`
	PercentageFee float64 `yaml:"percentage_fee" json:"percentage_fee"`
	MinimumFee    float64 `yaml:"minimum_fee" json:"minimum_fee"`
	MaximumFee    float64 `yaml:"maximum_fee" json:"maximum_fee"`
}

type ClearingRules struct {
	RefundPeriodDays int  `yaml:"refund_period_days" json:"refund_period_days"`
	MaxAgeDays       int  `yaml:"max_age_days" json:"max_age_days"`
	RecheckFraud     bool `yaml:"recheck_fraud" json:"recheck_fraud"`
	BatchSize        int  `yaml:"batch_size" json:"batch_size"`
}

// NetworkRule configures postbacks to one affiliate network
type NetworkRule struct {
	Name        string `yaml:"name" json:"name"`
	URLTemplate string `yaml:"url_template" json:"url_template"`
	Priority    int    `yaml:"priority" json:"priority"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
}

// DefaultRules returns the built-in thresholds
func DefaultRules() *Rules {
	return &Rules{
		Fraud: FraudRules{
			AmountMin:             260,
			AmountMax:             455,
			VelocityLimit:         5,
			VelocityWindowMinutes: 60,
			NewAffiliateDays:      30,
			NewAffiliateAmountCap: 300,
			DuplicateLookbackDays: 30,
		},
		Attribution: AttributionRules{
			LookbackDays:        30,
			AffiliateCookieDays: 30,
			VisitorCookieDays:   365,
		},
		Commission: CommissionRules{
			TierRates: map[int]string{2: "0.10"},
		},
		Payout: PayoutRules{
			Currency:                    "PHP",
			MinPayoutThreshold:          2000,
			ManualReviewThreshold:       10000,
			AutoBatchDaysBeforeMonthEnd: 5,
			Fees: map[string]FeeSchedule{
				"bank_transfer": {BaseFee: 10, PercentageFee: 0.001, MinimumFee: 10, MaximumFee: 25},
				"gcash":         {BaseFee: 5, PercentageFee: 0.007, MinimumFee: 5},
			},
		},
		Clearing: ClearingRules{
			RefundPeriodDays: 30,
			MaxAgeDays:       45,
			RecheckFraud:     true,
			BatchSize:        100,
		},
	}
}

// LoadRules reads a YAML rules file. A missing file yields the defaults;
// zero values in the file are filled from the defaults.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rules, nil
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var fromFile Rules
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules.merge(&fromFile)
	return rules, nil
}

func (r *Rules) merge(o *Rules) {
	f := &r.Fraud
	if o.Fraud.AmountMin > 0 {
		f.AmountMin = o.Fraud.AmountMin
	}
	if o.Fraud.AmountMax > 0 {
		f.AmountMax = o.Fraud.AmountMax
	}
	if len(o.Fraud.Products) > 0 {
		f.Products = o.Fraud.Products
	}
	if o.Fraud.VelocityLimit > 0 {
		f.VelocityLimit = o.Fraud.VelocityLimit
	}
	if o.Fraud.VelocityWindowMinutes > 0 {
		f.VelocityWindowMinutes = o.Fraud.VelocityWindowMinutes
	}
	if o.Fraud.NewAffiliateDays > 0 {
		f.NewAffiliateDays = o.Fraud.NewAffiliateDays
	}
	if o.Fraud.NewAffiliateAmountCap > 0 {
		f.NewAffiliateAmountCap = o.Fraud.NewAffiliateAmountCap
	}
	if o.Fraud.DuplicateLookbackDays > 0 {
		f.DuplicateLookbackDays = o.Fraud.DuplicateLookbackDays
	}

	a := &r.Attribution
	if o.Attribution.LookbackDays > 0 {
		a.LookbackDays = o.Attribution.LookbackDays
	}
	if o.Attribution.AffiliateCookieDays > 0 {
		a.AffiliateCookieDays = o.Attribution.AffiliateCookieDays
	}
	if o.Attribution.VisitorCookieDays > 0 {
		a.VisitorCookieDays = o.Attribution.VisitorCookieDays
	}

	if len(o.Commission.TierRates) > 0 {
		r.Commission.TierRates = o.Commission.TierRates
	}

	p := &r.Payout
	if o.Payout.Currency != "" {
		p.Currency = o.Payout.Currency
	}
	if o.Payout.MinPayoutThreshold > 0 {
		p.MinPayoutThreshold = o.Payout.MinPayoutThreshold
	}
	if o.Payout.ManualReviewThreshold > 0 {
		p.ManualReviewThreshold = o.Payout.ManualReviewThreshold
	}
	if o.Payout.AutoBatchDaysBeforeMonthEnd > 0 {
		p.AutoBatchDaysBeforeMonthEnd = o.Payout.AutoBatchDaysBeforeMonthEnd
	}
	for method, fee := range o.Payout.Fees {
		p.Fees[method] = fee
	}

	c := &r.Clearing
	if o.Clearing.RefundPeriodDays > 0 {
		c.RefundPeriodDays = o.Clearing.RefundPeriodDays
	}
	if o.Clearing.MaxAgeDays > 0 {
		c.MaxAgeDays = o.Clearing.MaxAgeDays
	}
	if o.Clearing.BatchSize > 0 {
		c.BatchSize = o.Clearing.BatchSize
	}
	if o.Clearing != (ClearingRules{}) {
		c.RecheckFraud = o.Clearing.RecheckFraud
	}

	if len(o.Networks) > 0 {
		networks := make([]NetworkRule, len(o.Networks))
		copy(networks, o.Networks)
		sort.SliceStable(networks, func(i, j int) bool {
			return networks[i].Priority < networks[j].Priority
		})
		r.Networks = networks
	}
}

// EnabledNetworks returns the networks that should receive postbacks
func (r *Rules) EnabledNetworks() []NetworkRule {
	var out []NetworkRule
	for _, n := range r.Networks {
		if n.Enabled && n.URLTemplate != "" {
			out = append(out, n)
		}
	}
	return out
}
