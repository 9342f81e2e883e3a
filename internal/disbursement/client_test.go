package disbursement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/models"
)

func TestDisburseSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/disbursements" || r.Header.Get("Idempotency-Key") != "batch-1" {
			t.Errorf("unexpected request %s key=%q", r.URL.Path, r.Header.Get("Idempotency-Key"))
		}
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		if req.Amount != "2500.00" {
			t.Errorf("amount = %q", req.Amount)
		}
		json.NewEncoder(w).Encode(Response{Success: true, DisbursementID: "dsb-1", Status: StatusPending})
	}))
	defer srv.Close()

	c := NewClient("bank_transfer", srv.URL, time.Second)
	resp, err := c.Disburse(context.Background(), &Request{Reference: "batch-1", IdempotencyKey: "batch-1", Amount: "2500.00"})
	if err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if resp.DisbursementID != "dsb-1" {
		t.Fatalf("id = %q", resp.DisbursementID)
	}
}

func TestDisburseClassifiesFailures(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		code      string
	}{
		{http.StatusServiceUnavailable, true, "PROCESSOR_UNAVAILABLE"},
		{http.StatusTooManyRequests, true, "RATE_LIMITED"},
		{http.StatusBadRequest, false, "BAD_REQUEST"},
		{http.StatusUnprocessableEntity, false, "UNPROCESSABLE_ENTITY"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := NewClient("gcash", srv.URL, time.Second).Disburse(context.Background(), &Request{})
		srv.Close()

		de, ok := err.(*Error)
		if !ok {
			t.Fatalf("status %d: expected *Error, got %T", tt.status, err)
		}
		if de.Retryable != tt.retryable || de.Code != tt.code || de.StatusCode != tt.status {
			t.Errorf("status %d: got %+v", tt.status, de)
		}
	}
}

func TestDisburseDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Success: false, ErrorCode: "INVALID_ACCOUNT", ErrorMessage: "account closed"})
	}))
	defer srv.Close()

	resp, err := NewClient("bank_transfer", srv.URL, time.Second).Disburse(context.Background(), &Request{})
	if err == nil || IsRetryable(err) {
		t.Fatalf("expected a permanent decline, got %v", err)
	}
	if resp == nil || resp.ErrorCode != "INVALID_ACCOUNT" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient("bank_transfer", url, time.Second).Disburse(context.Background(), &Request{})
	if !IsRetryable(err) {
		t.Fatalf("connection failure should be retryable, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := FromConfig("http://localhost:1", time.Second)
	if _, err := r.For(models.PayoutMethodGCash); err != nil {
		t.Fatalf("gcash: %v", err)
	}
	if _, err := r.For("crypto"); err == nil {
		t.Fatal("unknown method should fail")
	}
	if got := r.Methods(); len(got) != 2 || got[0] != "bank_transfer" {
		t.Fatalf("methods = %v", got)
	}
	if len(FromConfig("", time.Second).Methods()) != 0 {
		t.Fatal("empty url registers nothing")
	}
}
