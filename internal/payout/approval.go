package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AnuragDani/affiliate-engine/internal/disbursement"
	"github.com/AnuragDani/affiliate-engine/internal/events"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// ChecklistUpdate sets the provided items and leaves nil ones unchanged
type ChecklistUpdate struct {
	BankVerified      *bool  `json:"bank_verified,omitempty"`
	AmountsConfirmed  *bool  `json:"amounts_confirmed,omitempty"`
	ComplianceChecked *bool  `json:"compliance_checked,omitempty"`
	FraudChecksPassed *bool  `json:"fraud_checks_passed,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

func (u ChecklistUpdate) apply(c models.Checklist) models.Checklist {
	if u.BankVerified != nil {
		c.BankVerified = *u.BankVerified
	}
	if u.AmountsConfirmed != nil {
		c.AmountsConfirmed = *u.AmountsConfirmed
	}
	if u.ComplianceChecked != nil {
		c.ComplianceChecked = *u.ComplianceChecked
	}
	if u.FraudChecksPassed != nil {
		c.FraudChecksPassed = *u.FraudChecksPassed
	}
	return c
}

// UpdateChecklist records verification items. A draft batch becomes verified
// once every item is true; unchecking an item on a verified batch returns it
// to draft.
func (m *Manager) UpdateChecklist(ctx context.Context, batchID string, u ChecklistUpdate) (*models.PayoutBatch, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, batchError(err, batchID)
	}
	if b.Status != models.BatchDraft && b.Status != models.BatchVerified {
		return nil, models.Conflict("BATCH_LOCKED", fmt.Sprintf("batch %s is %s and can no longer be verified", b.ID, b.Status))
	}

	prior := b.Status
	b.Checklist = u.apply(b.Checklist)
	if u.Notes != "" {
		b.VerificationNotes = u.Notes
	}
	switch {
	case b.Checklist.Complete() && prior == models.BatchDraft:
		b.Status = models.BatchVerified
	case !b.Checklist.Complete() && prior == models.BatchVerified:
		b.Status = models.BatchDraft
	}
	if b.Status != prior {
		if err := models.ValidateBatchTransition(prior, b.Status); err != nil {
			return nil, err
		}
	}
	b.UpdatedAt = m.now()

	if err := m.store.UpdateBatch(ctx, b, prior); err != nil {
		return nil, batchError(err, batchID)
	}
	if b.Status == models.BatchVerified && prior == models.BatchDraft {
		m.log.Info("Payout batch verified", "batch_id", b.ID, "affiliate_id", b.AffiliateID)
		m.metrics.Batch(string(b.Status))
		m.emit(events.BatchVerified, b)
	}
	return b, nil
}

// Approve moves a verified batch to processing and submits it to the
// processor. A retryable submission failure returns the batch to verified;
// a permanent one fails the batch and releases its conversions.
func (m *Manager) Approve(ctx context.Context, batchID string) (*models.PayoutBatch, error) {
	b, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, batchError(err, batchID)
	}
	if !b.Checklist.Complete() {
		return nil, models.Conflict("CHECKLIST_INCOMPLETE",
			fmt.Sprintf("batch %s cannot be processed until checked: %s", b.ID, strings.Join(b.Checklist.Missing(), ", ")))
	}
	if err := models.ValidateBatchTransition(b.Status, models.BatchProcessing); err != nil {
		return nil, err
	}

	aff, err := m.loadAffiliate(ctx, b.AffiliateID)
	if err != nil {
		return nil, err
	}
	disburser, err := m.disbursers.For(b.PayoutMethod)
	if err != nil {
		return nil, models.Validation("PAYOUT_METHOD_UNSUPPORTED", err.Error())
	}

	b.Status = models.BatchProcessing
	b.UpdatedAt = m.now()
	if err := m.store.UpdateBatch(ctx, b, models.BatchVerified); err != nil {
		return nil, batchError(err, batchID)
	}
	m.metrics.Batch(string(b.Status))
	m.emit(events.BatchProcessing, b)

	resp, err := disburser.Disburse(ctx, &disbursement.Request{
		Reference:         b.ID,
		IdempotencyKey:    b.ID,
		Amount:            b.TotalAmount.StringFixed(2),
		Currency:          m.rules.Currency,
		Method:            string(b.PayoutMethod),
		Destination:       destination(aff),
		AccountHolderName: aff.AccountHolderName,
		BankName:          aff.BankName,
		CallbackURL:       m.callbackURL,
	})
	if err != nil {
		m.metrics.Disbursement("error")
		return nil, m.submissionFailed(ctx, b, err)
	}

	m.metrics.Disbursement("submitted")
	b.DisbursementID = resp.DisbursementID
	b.UpdatedAt = m.now()
	if err := m.store.UpdateBatch(ctx, b, models.BatchProcessing); err != nil {
		m.log.Error("Disbursement submitted but batch not updated",
			"batch_id", b.ID, "disbursement_id", resp.DisbursementID, "error", err)
		return nil, batchError(err, batchID)
	}
	m.log.Info("Disbursement submitted",
		"batch_id", b.ID, "disbursement_id", b.DisbursementID, "amount", b.TotalAmount.StringFixed(2))
	return b, nil
}

func (m *Manager) submissionFailed(ctx context.Context, b *models.PayoutBatch, cause error) error {
	if disbursement.IsRetryable(cause) {
		b.Status = models.BatchVerified
		b.UpdatedAt = m.now()
		if err := m.store.UpdateBatch(ctx, b, models.BatchProcessing); err != nil {
			m.log.Error("Failed to return batch to verified", "batch_id", b.ID, "error", err)
		}
		m.log.Warn("Disbursement submission failed, batch can be approved again", "batch_id", b.ID, "error", cause)
		return models.Upstream("DISBURSEMENT_UNAVAILABLE", "disbursement processor unavailable, try again later", cause)
	}

	b.Status = models.BatchFailed
	b.FailureReason = cause.Error()
	b.UpdatedAt = m.now()
	if err := m.store.UpdateBatch(ctx, b, models.BatchProcessing); err != nil {
		m.log.Error("Failed to mark batch failed", "batch_id", b.ID, "error", err)
	} else {
		m.metrics.Batch(string(b.Status))
		m.emit(events.BatchFailed, b)
	}
	m.rollback(ctx, b)
	return models.Upstream("DISBURSEMENT_REJECTED", "disbursement processor rejected the batch", cause)
}

func destination(aff *models.Affiliate) string {
	if aff.PayoutMethod == models.PayoutMethodGCash {
		return aff.GCashNumber
	}
	return aff.AccountNumber
}

// CallbackResult reports what a processor callback changed
type CallbackResult struct {
	Received    bool               `json:"received"`
	BatchID     string             `json:"batch_id,omitempty"`
	Status      models.BatchStatus `json:"status,omitempty"`
	Ignored     bool               `json:"ignored,omitempty"`
	Converted   int                `json:"conversions_updated"`
	RolledBack  int                `json:"conversions_released"`
	UnknownID   bool               `json:"unknown_disbursement,omitempty"`
	Description string             `json:"description,omitempty"`
}

// HandleCallback settles a batch from the processor's notification. Unknown
// disbursement ids and repeated callbacks are acknowledged without changes.
func (m *Manager) HandleCallback(ctx context.Context, cb disbursement.Callback) (*CallbackResult, error) {
	if cb.DisbursementID == "" {
		return nil, models.Validation("MISSING_DISBURSEMENT_ID", "disbursement_id is required")
	}
	res := &CallbackResult{Received: true}

	b, err := m.store.GetBatchByDisbursementID(ctx, cb.DisbursementID)
	if errors.Is(err, models.ErrRecordNotFound) {
		m.log.Warn("Callback for unknown disbursement", "disbursement_id", cb.DisbursementID, "status", cb.Status)
		res.UnknownID = true
		return res, nil
	}
	if err != nil {
		return nil, models.Upstream("DATABASE_ERROR", "failed to load batch", err)
	}
	res.BatchID = b.ID
	res.Status = b.Status

	if b.Status != models.BatchProcessing {
		res.Ignored = true
		res.Description = fmt.Sprintf("batch already %s", b.Status)
		return res, nil
	}

	switch strings.ToUpper(cb.Status) {
	case disbursement.StatusPending:
		res.Description = "disbursement still pending"
		return res, nil
	case disbursement.StatusCompleted:
		return m.settlePaid(ctx, b, res)
	case disbursement.StatusFailed:
		return m.settleFailed(ctx, b, cb.FailureReason, res)
	default:
		return nil, models.Validation("INVALID_CALLBACK_STATUS", fmt.Sprintf("unknown disbursement status %q", cb.Status))
	}
}

func (m *Manager) settlePaid(ctx context.Context, b *models.PayoutBatch, res *CallbackResult) (*CallbackResult, error) {
	now := m.now()
	b.Status = models.BatchPaid
	b.ProcessedAt = &now
	b.UpdatedAt = now
	if err := m.store.UpdateBatch(ctx, b, models.BatchProcessing); err != nil {
		if errors.Is(err, models.ErrStaleWrite) {
			res.Ignored = true
			return res, nil
		}
		return nil, batchError(err, b.ID)
	}
	res.Status = b.Status

	note := fmt.Sprintf("paid in batch %s", b.ID)
	for _, id := range b.ConversionIDs {
		if _, err := m.machine.Transition(ctx, id, models.ConversionPaid, note); err != nil {
			m.log.Error("Failed to mark conversion paid", "batch_id", b.ID, "conversion_id", id, "error", err)
			continue
		}
		res.Converted++
	}

	m.log.Info("Payout batch paid", "batch_id", b.ID, "disbursement_id", b.DisbursementID, "conversions", res.Converted)
	m.metrics.Batch(string(b.Status))
	m.metrics.Disbursement("completed")
	m.emit(events.BatchPaid, b)
	return res, nil
}

func (m *Manager) settleFailed(ctx context.Context, b *models.PayoutBatch, reason string, res *CallbackResult) (*CallbackResult, error) {
	now := m.now()
	if reason == "" {
		reason = "disbursement failed"
	}
	b.Status = models.BatchFailed
	b.FailureReason = reason
	b.ProcessedAt = &now
	b.UpdatedAt = now
	if err := m.store.UpdateBatch(ctx, b, models.BatchProcessing); err != nil {
		if errors.Is(err, models.ErrStaleWrite) {
			res.Ignored = true
			return res, nil
		}
		return nil, batchError(err, b.ID)
	}
	res.Status = b.Status
	res.RolledBack = m.rollback(ctx, b)

	m.log.Warn("Payout batch failed", "batch_id", b.ID, "disbursement_id", b.DisbursementID, "reason", reason)
	m.metrics.Batch(string(b.Status))
	m.metrics.Disbursement("failed")
	m.emit(events.BatchFailed, b)
	return res, nil
}

// rollback returns a failed batch's conversions to the payable pool. Paid
// conversions move back to cleared first. Each step is logged and a failed
// step does not stop the rest.
func (m *Manager) rollback(ctx context.Context, b *models.PayoutBatch) int {
	convs, err := m.store.ListBatchConversions(ctx, b.ID)
	if err != nil {
		m.log.Error("Rollback could not list batch conversions", "batch_id", b.ID, "error", err)
	}
	note := fmt.Sprintf("payout batch %s failed, returned to cleared", b.ID)
	unpaid := 0
	for _, c := range convs {
		if c.Status != models.ConversionPaid {
			continue
		}
		if _, err := m.machine.Transition(ctx, c.ID, models.ConversionCleared, note); err != nil {
			m.log.Error("Rollback could not unpay conversion", "batch_id", b.ID, "conversion_id", c.ID, "error", err)
			continue
		}
		unpaid++
	}

	released, err := m.store.ReleaseBatchConversions(ctx, b.ID)
	if err != nil {
		m.log.Error("Rollback could not release batch conversions", "batch_id", b.ID, "error", err)
		return unpaid
	}
	m.log.Info("Batch conversions released", "batch_id", b.ID, "unpaid", unpaid, "released", released)
	return unpaid + released
}
