// Package disbursement talks to the external payment processor that sends
// money to affiliates.
package disbursement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/httpclient"
)

// Callback statuses sent by the processor
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusPending   = "PENDING"
)

// Request asks the processor to pay one batch
type Request struct {
	Reference         string `json:"reference"`
	IdempotencyKey    string `json:"idempotency_key"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Method            string `json:"method"`
	Destination       string `json:"destination"`
	AccountHolderName string `json:"account_holder_name,omitempty"`
	BankName          string `json:"bank_name,omitempty"`
	CallbackURL       string `json:"callback_url"`
}

type Response struct {
	Success        bool   `json:"success"`
	DisbursementID string `json:"disbursement_id,omitempty"`
	Status         string `json:"status,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// Callback is the processor's settlement notification
type Callback struct {
	DisbursementID string `json:"disbursement_id"`
	Status         string `json:"status"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

type HealthResponse struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Error is a processor failure
type Error struct {
	Code       string
	Message    string
	StatusCode int
	Provider   string
	Retryable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Provider, e.Code, e.Message)
}

// IsRetryable reports whether err is a processor failure worth retrying
func IsRetryable(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Retryable
}

// Disburser initiates payouts
type Disburser interface {
	Disburse(ctx context.Context, req *Request) (*Response, error)
	Health(ctx context.Context) (*HealthResponse, error)
	Name() string
}

type Client struct {
	name string
	http *httpclient.Client
}

func NewClient(name, baseURL string, timeout time.Duration) *Client {
	return &Client{name: name, http: httpclient.NewClient(baseURL, timeout)}
}

func (c *Client) Name() string {
	return c.name
}

// Disburse submits the request. A declined submission is returned as both a
// response and an *Error.
func (c *Client) Disburse(ctx context.Context, req *Request) (*Response, error) {
	var resp Response
	err := c.http.Do(ctx, http.MethodPost, "/disbursements", req, &resp, map[string]string{
		"Idempotency-Key": req.IdempotencyKey,
	})
	if err != nil {
		return nil, c.classify(err)
	}
	if !resp.Success || resp.DisbursementID == "" {
		return &resp, &Error{
			Code:      resp.ErrorCode,
			Message:   resp.ErrorMessage,
			Provider:  c.name,
			Retryable: retryableCode(resp.ErrorCode),
		}
	}
	return &resp, nil
}

func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.http.Get(ctx, "/health", &resp); err != nil {
		return nil, c.classify(err)
	}
	return &resp, nil
}

func (c *Client) classify(err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return &Error{
			Code:       codeForStatus(se.StatusCode),
			Message:    se.Body,
			StatusCode: se.StatusCode,
			Provider:   c.name,
			Retryable:  retryableStatus(se.StatusCode),
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{
		Code:      "NETWORK_ERROR",
		Message:   err.Error(),
		Provider:  c.name,
		Retryable: true,
	}
}

func retryableCode(code string) bool {
	switch code {
	case "NETWORK_ERROR", "TIMEOUT", "PROCESSOR_UNAVAILABLE", "RATE_LIMITED", "INTERNAL_SERVER_ERROR":
		return true
	}
	return false
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusRequestTimeout:
		return "TIMEOUT"
	case http.StatusConflict:
		return "DUPLICATE_REQUEST"
	case http.StatusUnprocessableEntity:
		return "UNPROCESSABLE_ENTITY"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusServiceUnavailable:
		return "PROCESSOR_UNAVAILABLE"
	}
	if status >= 500 {
		return "INTERNAL_SERVER_ERROR"
	}
	return "UNKNOWN_ERROR"
}
