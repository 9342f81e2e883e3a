package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/AnuragDani/affiliate-engine/internal/disbursement"
	"github.com/AnuragDani/affiliate-engine/internal/httpclient"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
)

var failureReasons = []string{
	"Beneficiary account closed",
	"Invalid account number",
	"GCash wallet limit exceeded",
	"Bank rejected transfer",
}

type ProcessorStats struct {
	TotalRequests int `json:"total_requests"`
	Accepted      int `json:"accepted"`
	Rejected      int `json:"rejected"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	CallbackError int `json:"callback_errors"`
}

// Processor simulates a payout provider that settles asynchronously and
// reports back through a signed callback
type Processor struct {
	mu              sync.RWMutex
	isHealthy       bool
	successRate     int
	callbackDelay   time.Duration
	secret          string
	defaultCallback string
	seen            map[string]string
	stats           ProcessorStats
	rng             *rand.Rand

	client  *httpclient.Client
	log     *logger.Logger
	pending sync.WaitGroup
}

func NewProcessor(secret, defaultCallback string, successRate int, callbackDelay time.Duration, log *logger.Logger) *Processor {
	return &Processor{
		isHealthy:       true,
		successRate:     successRate,
		callbackDelay:   callbackDelay,
		secret:          secret,
		defaultCallback: defaultCallback,
		seen:            make(map[string]string),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		client:          httpclient.NewClient("", 5*time.Second),
		log:             log,
	}
}

func (p *Processor) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/disbursements", p.disburse).Methods("POST")
	r.HandleFunc("/admin/set-success-rate", p.setSuccessRate).Methods("POST")
	r.HandleFunc("/admin/toggle-status", p.toggleStatus).Methods("POST")
	r.HandleFunc("/admin/stats", p.getStats).Methods("GET")
	r.HandleFunc("/health", p.health).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (p *Processor) disburse(w http.ResponseWriter, r *http.Request) {
	var req disbursement.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, disbursement.Response{ErrorCode: "INVALID_REQUEST", ErrorMessage: "Invalid request body"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() || req.Destination == "" || req.Reference == "" {
		writeJSON(w, http.StatusBadRequest, disbursement.Response{ErrorCode: "INVALID_REQUEST", ErrorMessage: "amount, destination and reference are required"})
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}

	p.mu.Lock()
	p.stats.TotalRequests++
	if !p.isHealthy {
		p.stats.Rejected++
		p.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, disbursement.Response{
			ErrorCode:    "PROCESSOR_UNAVAILABLE",
			ErrorMessage: "Disbursement processor temporarily unavailable",
		})
		return
	}
	if id, ok := p.seen[key]; ok && key != "" {
		p.mu.Unlock()
		writeJSON(w, http.StatusAccepted, disbursement.Response{Success: true, DisbursementID: id, Status: disbursement.StatusPending})
		return
	}
	id := fmt.Sprintf("dsb_%s", uuid.New().String()[:12])
	if key != "" {
		p.seen[key] = id
	}
	p.stats.Accepted++
	settled := p.rng.Intn(100) < p.successRate
	reason := failureReasons[p.rng.Intn(len(failureReasons))]
	delay := p.callbackDelay
	p.mu.Unlock()

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = p.defaultCallback
	}
	cb := disbursement.Callback{DisbursementID: id, Status: disbursement.StatusCompleted}
	if !settled {
		cb.Status = disbursement.StatusFailed
		cb.FailureReason = reason
	}

	p.log.Info("Disbursement accepted", "disbursement_id", id, "reference", req.Reference,
		"amount", amount.StringFixed(2), "method", req.Method, "outcome", cb.Status)

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		time.Sleep(delay)
		p.sendCallback(callbackURL, cb)
	}()

	writeJSON(w, http.StatusAccepted, disbursement.Response{Success: true, DisbursementID: id, Status: disbursement.StatusPending})
}

// sendCallback posts the signed settlement to the engine
func (p *Processor) sendCallback(callbackURL string, cb disbursement.Callback) {
	body, err := json.Marshal(cb)
	if err != nil {
		p.log.Error("Failed to encode callback", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = p.client.Do(ctx, http.MethodPost, callbackURL, json.RawMessage(body), nil, map[string]string{
		disbursement.SignatureHeader: disbursement.Sign(p.secret, body),
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.stats.CallbackError++
		p.log.Warn("Callback delivery failed", "disbursement_id", cb.DisbursementID, "error", err)
		return
	}
	if cb.Status == disbursement.StatusCompleted {
		p.stats.Completed++
	} else {
		p.stats.Failed++
	}
}

// Wait blocks until scheduled callbacks have been delivered
func (p *Processor) Wait() {
	p.pending.Wait()
}

func (p *Processor) setSuccessRate(w http.ResponseWriter, r *http.Request) {
	rate, err := strconv.Atoi(r.URL.Query().Get("rate"))
	if err != nil || rate < 0 || rate > 100 {
		http.Error(w, "Invalid rate (0-100)", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.successRate = rate
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Success rate updated", "success_rate": rate})
}

func (p *Processor) toggleStatus(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.isHealthy = !p.isHealthy
	healthy := p.isHealthy
	p.mu.Unlock()

	status := "unhealthy"
	if healthy {
		status = "healthy"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Processor status toggled", "status": status})
}

func (p *Processor) getStats(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_healthy":     p.isHealthy,
		"success_rate":   p.successRate,
		"callback_delay": p.callbackDelay.String(),
		"stats":          p.stats,
		"timestamp":      time.Now(),
	})
}

func (p *Processor) health(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	healthy := p.isHealthy
	p.mu.RUnlock()

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, disbursement.HealthResponse{Service: "mock-disbursement", Status: status, Timestamp: time.Now()})
}
