package models

import (
	"fmt"
	"time"
)

// AffiliateStatus is the lifecycle of an affiliate account
type AffiliateStatus string

const (
	AffiliateStatusActive    AffiliateStatus = "active"
	AffiliateStatusPending   AffiliateStatus = "pending"
	AffiliateStatusSuspended AffiliateStatus = "suspended"
	AffiliateStatusFlagged   AffiliateStatus = "flagged"
	AffiliateStatusInactive  AffiliateStatus = "inactive"
)

// ValidateAffiliateStatus rejects statuses outside the closed set
func ValidateAffiliateStatus(s AffiliateStatus) error {
	switch s {
	case AffiliateStatusActive, AffiliateStatusPending, AffiliateStatusSuspended,
		AffiliateStatusFlagged, AffiliateStatusInactive:
		return nil
	}
	return InvalidField("INVALID_STATUS", "status", fmt.Sprintf("unknown affiliate status %q", s))
}

// PayoutMethod is how an affiliate receives money
type PayoutMethod string

const (
	PayoutMethodBankTransfer PayoutMethod = "bank_transfer"
	PayoutMethodGCash        PayoutMethod = "gcash"
)

// RiskLevel grades a fraud flag or a single factor
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ConversionStatus is the closed set of conversion states
type ConversionStatus string

const (
	ConversionPending ConversionStatus = "pending"
	ConversionCleared ConversionStatus = "cleared"
	ConversionPaid    ConversionStatus = "paid"
	ConversionFlagged ConversionStatus = "flagged"
)

var conversionStatuses = map[ConversionStatus]bool{
	ConversionPending: true,
	ConversionCleared: true,
	ConversionPaid:    true,
	ConversionFlagged: true,
}

// ParseConversionStatus validates a raw status string
func ParseConversionStatus(s string) (ConversionStatus, error) {
	st := ConversionStatus(s)
	if !conversionStatuses[st] {
		return "", Validation("INVALID_STATUS", fmt.Sprintf("unknown conversion status %q", s))
	}
	return st, nil
}

// ValidateConversionTransition is the single legality check for conversion
// status changes. Any named state may move to any other named state; the
// caller treats from == to as a no-op before calling this.
func ValidateConversionTransition(from, to ConversionStatus) error {
	if !conversionStatuses[from] {
		return Validation("INVALID_STATUS", fmt.Sprintf("unknown current status %q", from))
	}
	if !conversionStatuses[to] {
		return Validation("INVALID_STATUS", fmt.Sprintf("unknown target status %q", to))
	}
	return nil
}

// BatchStatus is the closed set of payout batch states
type BatchStatus string

const (
	BatchDraft      BatchStatus = "draft"
	BatchVerified   BatchStatus = "verified"
	BatchProcessing BatchStatus = "processing"
	BatchPaid       BatchStatus = "paid"
	BatchFailed     BatchStatus = "failed"
)

// ValidateBatchStatus rejects statuses outside the closed set
func ValidateBatchStatus(s BatchStatus) error {
	switch s {
	case BatchDraft, BatchVerified, BatchProcessing, BatchPaid, BatchFailed:
		return nil
	}
	return InvalidField("INVALID_STATUS", "status", fmt.Sprintf("unknown batch status %q", s))
}

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchDraft:      {BatchVerified},
	BatchVerified:   {BatchProcessing, BatchDraft},
	BatchProcessing: {BatchPaid, BatchFailed, BatchVerified},
	BatchPaid:       nil,
	BatchFailed:     nil,
}

// ValidateBatchTransition is the single legality check for payout batch
// status changes
func ValidateBatchTransition(from, to BatchStatus) error {
	allowed, known := batchTransitions[from]
	if !known {
		return Validation("INVALID_BATCH_STATUS", fmt.Sprintf("unknown batch status %q", from))
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return Conflict("ILLEGAL_BATCH_TRANSITION", fmt.Sprintf("batch cannot move from %s to %s", from, to))
}

// PostbackStatus is the closed set of network postback states
type PostbackStatus string

const (
	PostbackPending  PostbackStatus = "pending"
	PostbackSent     PostbackStatus = "sent"
	PostbackFailed   PostbackStatus = "failed"
	PostbackRetrying PostbackStatus = "retrying"
)

// MaxPostbackAttempts is the ceiling on delivery attempts per postback
const MaxPostbackAttempts = 5

var postbackStatuses = []PostbackStatus{PostbackPending, PostbackRetrying, PostbackSent, PostbackFailed}

// retrying -> retrying is a reclaim of an abandoned attempt
var postbackTransitions = map[PostbackStatus][]PostbackStatus{
	PostbackPending:  {PostbackRetrying},
	PostbackFailed:   {PostbackRetrying},
	PostbackRetrying: {PostbackSent, PostbackFailed, PostbackPending, PostbackRetrying},
	PostbackSent:     nil,
}

// ValidatePostbackTransition is the single legality check for postback
// status changes
func ValidatePostbackTransition(from, to PostbackStatus) error {
	for _, s := range postbackTransitions[from] {
		if s == to {
			return nil
		}
	}
	return Conflict("ILLEGAL_POSTBACK_TRANSITION", fmt.Sprintf("postback cannot move from %s to %s", from, to))
}

// PostbackSourcesOf lists the states that may move to "to", in a fixed order.
// Stores use it to build their conditional updates.
func PostbackSourcesOf(to PostbackStatus) []string {
	var out []string
	for _, from := range postbackStatuses {
		if ValidatePostbackTransition(from, to) == nil {
			out = append(out, string(from))
		}
	}
	return out
}

// Claimable reports whether a worker may claim p for a delivery attempt. A
// retrying postback is only reclaimable once its last attempt is older than
// staleBefore.
func (p *NetworkPostback) Claimable(maxAttempts int, staleBefore time.Time) bool {
	if p.Attempts >= maxAttempts || ValidatePostbackTransition(p.Status, PostbackRetrying) != nil {
		return false
	}
	if p.Status == PostbackRetrying {
		return p.LastAttemptAt != nil && p.LastAttemptAt.Before(staleBefore)
	}
	return true
}
