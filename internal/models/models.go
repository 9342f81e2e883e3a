package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Affiliate is a partner who refers customers through a slug
type Affiliate struct {
	ID                string          `json:"id" db:"id"`
	Slug              string          `json:"slug" db:"slug"`
	Status            AffiliateStatus `json:"status" db:"status"`
	CommissionRate    decimal.Decimal `json:"commission_rate" db:"commission_rate"`
	PayoutMethod      PayoutMethod    `json:"payout_method,omitempty" db:"payout_method"`
	BankName          string          `json:"bank_name,omitempty" db:"bank_name"`
	AccountNumber     string          `json:"-" db:"account_number"`
	AccountHolderName string          `json:"account_holder_name,omitempty" db:"account_holder_name"`
	BankVerified      bool            `json:"bank_verified" db:"bank_verified"`
	GCashNumber       string          `json:"-" db:"gcash_number"`
	GCashVerified     bool            `json:"gcash_verified" db:"gcash_verified"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the affiliate may earn commissions
func (a *Affiliate) IsActive() bool {
	return a.Status == AffiliateStatusActive
}

// PayoutDestination returns the masked account used for display
func (a *Affiliate) PayoutDestination() string {
	switch a.PayoutMethod {
	case PayoutMethodGCash:
		return MaskAccount(a.GCashNumber)
	case PayoutMethodBankTransfer:
		return MaskAccount(a.AccountNumber)
	default:
		return ""
	}
}

// MaskAccount keeps the last four characters of an account number
func MaskAccount(account string) string {
	if account == "" {
		return ""
	}
	if len(account) <= 4 {
		return "****"
	}
	return "****" + account[len(account)-4:]
}

// Click is an immutable record of a visit from an affiliate link
type Click struct {
	ID             string            `json:"id" db:"id"`
	AffiliateID    string            `json:"affiliate_id" db:"affiliate_id"`
	VisitorID      string            `json:"visitor_id" db:"visitor_id"`
	IPAddress      string            `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent      UserAgentDetails  `json:"user_agent" db:"user_agent"`
	ReferrerURL    string            `json:"referrer_url,omitempty" db:"referrer_url"`
	LandingPageURL string            `json:"landing_page_url,omitempty" db:"landing_page_url"`
	SubID          string            `json:"sub_id,omitempty" db:"sub_id"`
	UTMParams      map[string]string `json:"utm_params,omitempty" db:"utm_params"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// UserAgentDetails holds the best-effort parse of a user-agent header
type UserAgentDetails struct {
	Raw            string `json:"raw"`
	Browser        string `json:"browser,omitempty"`
	BrowserVersion string `json:"browser_version,omitempty"`
	OS             string `json:"os,omitempty"`
	Device         string `json:"device,omitempty"`
	Bot            bool   `json:"bot,omitempty"`
}

// Conversion is a commission-bearing purchase attributed to an affiliate
type Conversion struct {
	ID               string           `json:"id" db:"id"`
	AffiliateID      string           `json:"affiliate_id" db:"affiliate_id"`
	ClickID          *string          `json:"click_id" db:"click_id"`
	OrderID          string           `json:"order_id" db:"order_id"`
	CustomerID       *string          `json:"customer_id,omitempty" db:"customer_id"`
	ProductID        string           `json:"product_id,omitempty" db:"product_id"`
	GMV              decimal.Decimal  `json:"gmv" db:"gmv"`
	CommissionAmount decimal.Decimal  `json:"commission_amount" db:"commission_amount"`
	Level            int              `json:"level" db:"level"`
	SubID            *string          `json:"sub_id,omitempty" db:"sub_id"`
	Status           ConversionStatus `json:"status" db:"status"`
	StatusHistory    []StatusChange   `json:"status_history" db:"status_history"`
	FraudFlag        *FraudFlag       `json:"fraud_flag,omitempty" db:"fraud_flag"`
	PayoutBatchID    *string          `json:"payout_batch_id,omitempty" db:"payout_batch_id"`
	ClearedAt        *time.Time       `json:"cleared_at,omitempty" db:"cleared_at"`
	PaidAt           *time.Time       `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// StatusChange is one append-only entry in a conversion's audit trail
type StatusChange struct {
	Timestamp time.Time        `json:"timestamp"`
	OldStatus ConversionStatus `json:"old_status"`
	NewStatus ConversionStatus `json:"new_status"`
	Notes     string           `json:"notes,omitempty"`
}

// FraudFlag is the risk annotation raised by the fraud screen
type FraudFlag struct {
	RiskLevel   RiskLevel     `json:"risk_level"`
	Score       int           `json:"score"`
	RiskPoints  int           `json:"risk_points"`
	Factors     []string      `json:"factors"`
	Details     []FraudFactor `json:"details,omitempty"`
	Reviewed    bool          `json:"reviewed"`
	ReviewerID  string        `json:"reviewer_id,omitempty"`
	ReviewNotes string        `json:"review_notes,omitempty"`
	ReviewedAt  *time.Time    `json:"reviewed_at,omitempty"`
	FlaggedAt   time.Time     `json:"flagged_at"`
}

// FraudFactor describes one triggered rule
type FraudFactor struct {
	Name     string    `json:"name"`
	Severity RiskLevel `json:"severity"`
	Detail   string    `json:"detail"`
}

// Checklist is the fixed set of items a payout batch must satisfy before
// disbursement
type Checklist struct {
	BankVerified      bool `json:"bank_verified"`
	AmountsConfirmed  bool `json:"amounts_confirmed"`
	ComplianceChecked bool `json:"compliance_checked"`
	FraudChecksPassed bool `json:"fraud_checks_passed"`
}

// Complete reports whether every item is checked
func (c Checklist) Complete() bool {
	return c.BankVerified && c.AmountsConfirmed && c.ComplianceChecked && c.FraudChecksPassed
}

// Missing lists the unchecked item names
func (c Checklist) Missing() []string {
	var missing []string
	if !c.BankVerified {
		missing = append(missing, "bank_verified")
	}
	if !c.AmountsConfirmed {
		missing = append(missing, "amounts_confirmed")
	}
	if !c.ComplianceChecked {
		missing = append(missing, "compliance_checked")
	}
	if !c.FraudChecksPassed {
		missing = append(missing, "fraud_checks_passed")
	}
	return missing
}

// PayoutBatch groups cleared conversions of one affiliate for disbursement
type PayoutBatch struct {
	ID                string          `json:"id" db:"id"`
	AffiliateID       string          `json:"affiliate_id" db:"affiliate_id"`
	ConversionIDs     []string        `json:"conversion_ids" db:"conversion_ids"`
	TotalAmount       decimal.Decimal `json:"total_amount" db:"total_amount"`
	FeeAmount         decimal.Decimal `json:"fee_amount" db:"fee_amount"`
	PayoutMethod      PayoutMethod    `json:"payout_method" db:"payout_method"`
	Checklist         Checklist       `json:"verification_checklist" db:"checklist"`
	VerificationNotes string          `json:"verification_notes,omitempty" db:"verification_notes"`
	Status            BatchStatus     `json:"status" db:"status"`
	DisbursementID    string          `json:"disbursement_id,omitempty" db:"disbursement_id"`
	FailureReason     string          `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// NetworkPostback is an outbound notification to an affiliate network
type NetworkPostback struct {
	ID            string         `json:"id" db:"id"`
	ConversionID  string         `json:"conversion_id" db:"conversion_id"`
	NetworkName   string         `json:"network_name" db:"network_name"`
	PostbackURL   string         `json:"postback_url" db:"postback_url"`
	Attempts      int            `json:"attempts" db:"attempts"`
	Status        PostbackStatus `json:"status" db:"status"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	ErrorMessage  string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}
