package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/logger"
)

// Sink receives engine events. Emit must not block the caller.
type Sink interface {
	Emit(eventType, event string, data interface{})
}

// Nop discards every event
type Nop struct{}

func (Nop) Emit(string, string, interface{}) {}

// Publisher sends events to the attribution service's WebSocket hub
type Publisher struct {
	hubURL     string
	httpClient *http.Client
	log        *logger.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(hubURL string, log *logger.Logger) *Publisher {
	return &Publisher{
		hubURL: hubURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		log: log,
	}
}

// Event represents an event to publish
type Event struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Publish sends an event to the hub
func (p *Publisher) Publish(ctx context.Context, eventType, eventName string, data interface{}) error {
	event := Event{
		Type:  eventType,
		Event: eventName,
		Data:  data,
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.hubURL+"/internal/events", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event rejected with status: %d", resp.StatusCode)
	}

	return nil
}

// PublishAsync sends an event asynchronously (fire and forget)
func (p *Publisher) PublishAsync(eventType, eventName string, data interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Publish(ctx, eventType, eventName, data); err != nil {
			p.log.Debug("Event publish failed", "type", eventType, "event", eventName, "error", err)
		}
	}()
}

// Emit implements Sink
func (p *Publisher) Emit(eventType, eventName string, data interface{}) {
	p.PublishAsync(eventType, eventName, data)
}

// Event type constants
const (
	TypeClick      = "click"
	TypeConversion = "conversion"
	TypePayout     = "payout"
	TypePostback   = "postback"
	TypeScheduler  = "scheduler"
	TypeAffiliate  = "affiliate"
)

// Affiliate event constants
const (
	AffiliateStatusChanged = "status_changed"
)

// Conversion event constants
const (
	ConversionRecorded  = "recorded"
	ConversionDuplicate = "duplicate"
	ConversionFlagged   = "flagged"
	ConversionStatus    = "status_changed"
	ConversionReviewed  = "reviewed"
)

// Click event constants
const (
	ClickRecorded = "recorded"
	ClickRejected = "rejected"
)

// Payout event constants
const (
	BatchCreated    = "batch_created"
	BatchVerified   = "batch_verified"
	BatchProcessing = "batch_processing"
	BatchPaid       = "batch_paid"
	BatchFailed     = "batch_failed"
)

// Postback event constants
const (
	PostbackSent   = "sent"
	PostbackFailed = "failed"
)

// Scheduler event constants
const (
	SchedulerJobStarted   = "job_started"
	SchedulerJobCompleted = "job_completed"
)

// AffiliateEventData represents affiliate event payload
type AffiliateEventData struct {
	AffiliateID string `json:"affiliate_id"`
	OldStatus   string `json:"old_status"`
	Status      string `json:"status"`
}

// ConversionEventData represents conversion event payload
type ConversionEventData struct {
	ConversionID     string `json:"conversion_id"`
	AffiliateID      string `json:"affiliate_id"`
	OrderID          string `json:"order_id,omitempty"`
	GMV              string `json:"gmv,omitempty"`
	CommissionAmount string `json:"commission_amount,omitempty"`
	OldStatus        string `json:"old_status,omitempty"`
	Status           string `json:"status"`
	RiskLevel        string `json:"risk_level,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// PayoutEventData represents payout batch event payload
type PayoutEventData struct {
	BatchID         string `json:"batch_id"`
	AffiliateID     string `json:"affiliate_id"`
	TotalAmount     string `json:"total_amount"`
	ConversionCount int    `json:"conversion_count"`
	Status          string `json:"status"`
	DisbursementID  string `json:"disbursement_id,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

// PostbackEventData represents postback event payload
type PostbackEventData struct {
	PostbackID   string `json:"postback_id"`
	ConversionID string `json:"conversion_id"`
	NetworkName  string `json:"network_name"`
	Attempts     int    `json:"attempts"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SchedulerEventData represents scheduler event payload
type SchedulerEventData struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Duration  string `json:"duration,omitempty"`
}
