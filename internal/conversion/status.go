package conversion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/events"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
	"github.com/AnuragDani/affiliate-engine/internal/models"
)

// maxWriteAttempts bounds the optimistic retry loop on concurrent writers
const maxWriteAttempts = 3

// StatusStore is the persistence the status machine needs
type StatusStore interface {
	GetConversion(ctx context.Context, id string) (*models.Conversion, error)
	ApplyStatusChange(ctx context.Context, id string, expectedLen int, change models.StatusChange, flag *models.FraudFlag) (*models.Conversion, error)
}

// TransitionResult reports what a single status update did
type TransitionResult struct {
	Conversion *models.Conversion
	OldStatus  models.ConversionStatus
	Changed    bool
}

// ItemResult is the outcome of one id in a batch update
type ItemResult struct {
	ConversionID string                  `json:"conversion_id"`
	Success      bool                    `json:"success"`
	OldStatus    models.ConversionStatus `json:"old_status,omitempty"`
	NewStatus    models.ConversionStatus `json:"new_status,omitempty"`
	Changed      bool                    `json:"changed"`
	Error        string                  `json:"error,omitempty"`
	Code         string                  `json:"code,omitempty"`
}

// BatchResult aggregates a batch update
type BatchResult struct {
	Results    []ItemResult `json:"results"`
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
}

// StatusMachine is the only writer of conversion status. Every change appends
// one history entry in the same conditional write.
type StatusMachine struct {
	store   StatusStore
	log     *logger.Logger
	metrics *metrics.Metrics
	events  events.Sink
	now     func() time.Time
}

func NewStatusMachine(store StatusStore, log *logger.Logger, m *metrics.Metrics, sink events.Sink) *StatusMachine {
	if sink == nil {
		sink = events.Nop{}
	}
	return &StatusMachine{
		store:   store,
		log:     log,
		metrics: m,
		events:  sink,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Transition moves a conversion to status. Moving to the current status is a
// successful no-op.
func (m *StatusMachine) Transition(ctx context.Context, id string, to models.ConversionStatus, notes string) (*TransitionResult, error) {
	return m.apply(ctx, id, to, notes, func(*models.Conversion) (*models.FraudFlag, error) { return nil, nil })
}

// Flag moves a conversion to flagged and stores the fraud flag with it
func (m *StatusMachine) Flag(ctx context.Context, id string, flag *models.FraudFlag, notes string) (*TransitionResult, error) {
	if flag == nil {
		return nil, models.Validation("MISSING_FLAG", "a fraud flag is required")
	}
	return m.apply(ctx, id, models.ConversionFlagged, notes, func(*models.Conversion) (*models.FraudFlag, error) {
		return flag, nil
	})
}

// Review records an admin decision on a flagged conversion and moves it out
// of flagged
func (m *StatusMachine) Review(ctx context.Context, id, reviewerID, notes string, to models.ConversionStatus) (*TransitionResult, error) {
	if reviewerID == "" {
		return nil, models.Validation("MISSING_REVIEWER", "reviewer_id is required")
	}
	if to == "" {
		to = models.ConversionPending
	}
	if to == models.ConversionFlagged {
		return nil, models.Validation("INVALID_REVIEW_STATUS", "a review must move the conversion out of flagged")
	}

	historyNote := fmt.Sprintf("fraud review by %s", reviewerID)
	if notes != "" {
		historyNote += ": " + notes
	}
	res, err := m.apply(ctx, id, to, historyNote, func(c *models.Conversion) (*models.FraudFlag, error) {
		if c.Status != models.ConversionFlagged || c.FraudFlag == nil {
			return nil, models.Conflict("NOT_FLAGGED", fmt.Sprintf("conversion %s is %s, not flagged", c.ID, c.Status))
		}
		reviewed := *c.FraudFlag
		at := m.now()
		reviewed.Reviewed = true
		reviewed.ReviewerID = reviewerID
		reviewed.ReviewNotes = notes
		reviewed.ReviewedAt = &at
		return &reviewed, nil
	})
	if err != nil {
		return nil, err
	}
	m.events.Emit(events.TypeConversion, events.ConversionReviewed, events.ConversionEventData{
		ConversionID: id,
		AffiliateID:  res.Conversion.AffiliateID,
		Status:       string(res.Conversion.Status),
	})
	return res, nil
}

// prepare inspects the current row and returns the flag to write with the
// change, or an error that aborts it
type prepare func(c *models.Conversion) (*models.FraudFlag, error)

func (m *StatusMachine) apply(ctx context.Context, id string, to models.ConversionStatus, notes string, prep prepare) (*TransitionResult, error) {
	if id == "" {
		return nil, models.Validation("MISSING_CONVERSION_ID", "conversion_id is required")
	}
	if _, err := models.ParseConversionStatus(string(to)); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		current, err := m.store.GetConversion(ctx, id)
		if err != nil {
			return nil, storeError(err, id)
		}

		flag, err := prep(current)
		if err != nil {
			return nil, err
		}
		if current.Status == to && flag == nil {
			return &TransitionResult{Conversion: current, OldStatus: current.Status}, nil
		}
		if err := models.ValidateConversionTransition(current.Status, to); err != nil {
			return nil, err
		}

		change := models.StatusChange{
			Timestamp: m.now(),
			OldStatus: current.Status,
			NewStatus: to,
			Notes:     notes,
		}
		updated, err := m.store.ApplyStatusChange(ctx, id, len(current.StatusHistory), change, flag)
		if errors.Is(err, models.ErrStaleWrite) {
			m.log.Debug("Concurrent status write, retrying", "conversion_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, storeError(err, id)
		}

		m.metrics.Transition(string(change.OldStatus), string(to))
		m.events.Emit(events.TypeConversion, events.ConversionStatus, events.ConversionEventData{
			ConversionID: id,
			AffiliateID:  updated.AffiliateID,
			OrderID:      updated.OrderID,
			Status:       string(to),
			OldStatus:    string(change.OldStatus),
		})
		return &TransitionResult{Conversion: updated, OldStatus: change.OldStatus, Changed: true}, nil
	}
	return nil, models.Conflict("CONCURRENT_UPDATE", fmt.Sprintf("conversion %s kept changing, try again", id))
}

// BatchTransition applies Transition to each id in order. A failed id never
// stops the rest.
func (m *StatusMachine) BatchTransition(ctx context.Context, ids []string, to models.ConversionStatus, notes string) *BatchResult {
	out := &BatchResult{Results: make([]ItemResult, 0, len(ids)), Total: len(ids)}
	for _, id := range ids {
		item := ItemResult{ConversionID: id}
		res, err := m.Transition(ctx, id, to, notes)
		if err != nil {
			item.Error = models.MessageOf(err)
			item.Code = models.CodeOf(err)
			out.Failed++
			m.log.Warn("Batch status update failed for conversion", "conversion_id", id, "status", string(to), "error", err)
		} else {
			item.Success = true
			item.OldStatus = res.OldStatus
			item.NewStatus = res.Conversion.Status
			item.Changed = res.Changed
			out.Successful++
		}
		out.Results = append(out.Results, item)
	}
	return out
}

func storeError(err error, id string) error {
	var classified *models.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, models.ErrRecordNotFound) {
		return models.NotFound("CONVERSION_NOT_FOUND", fmt.Sprintf("conversion %s not found", id))
	}
	return models.Upstream("DATABASE_ERROR", "failed to update conversion", err)
}
