package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/AnuragDani/affiliate-engine/internal/attribution"
	"github.com/AnuragDani/affiliate-engine/internal/conversion"
	"github.com/AnuragDani/affiliate-engine/internal/disbursement"
	"github.com/AnuragDani/affiliate-engine/internal/engine"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
	"github.com/AnuragDani/affiliate-engine/internal/models"
	"github.com/AnuragDani/affiliate-engine/internal/payout"
	"github.com/AnuragDani/affiliate-engine/internal/postback"
	ws "github.com/AnuragDani/affiliate-engine/internal/websocket"
)

const maxWebhookBody = 64 << 10

// Handler holds dependencies for HTTP handlers
type Handler struct {
	engine        *engine.Engine
	hub           *ws.Hub
	metrics       *metrics.Metrics
	webhookSecret string
	log           *logger.Logger
}

func NewHandler(e *engine.Engine, hub *ws.Hub, m *metrics.Metrics, webhookSecret string, log *logger.Logger) *Handler {
	return &Handler{engine: e, hub: hub, metrics: m, webhookSecret: webhookSecret, log: log}
}

// Router registers every route of the service
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.metrics.Middleware)

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")

	r.HandleFunc("/click", h.TrackClick).Methods("GET")

	r.HandleFunc("/conversions", h.CreateConversion).Methods("POST")
	r.HandleFunc("/conversions/status", h.UpdateStatus).Methods("PUT")
	r.HandleFunc("/conversions/{id}", h.GetConversion).Methods("GET")
	r.HandleFunc("/conversions/{id}/review", h.ReviewConversion).Methods("POST")
	r.HandleFunc("/conversions/{id}/rescreen", h.RescreenConversion).Methods("POST")

	r.HandleFunc("/payouts/preview", h.PreviewPayouts).Methods("GET")
	r.HandleFunc("/payouts/batches", h.ListBatches).Methods("GET")
	r.HandleFunc("/payouts/batches", h.CreateBatches).Methods("POST")
	r.HandleFunc("/payouts/batches/{id}", h.GetBatch).Methods("GET")
	r.HandleFunc("/payouts/batches/{id}/checklist", h.UpdateChecklist).Methods("PUT")
	r.HandleFunc("/payouts/batches/{id}/approve", h.ApproveBatch).Methods("POST")
	r.HandleFunc("/webhooks/disbursement", h.DisbursementWebhook).Methods("POST")

	r.HandleFunc("/affiliates/{id}/status", h.UpdateAffiliateStatus).Methods("PUT")

	r.HandleFunc("/postbacks/trigger", h.TriggerPostbacks).Methods("POST")

	r.HandleFunc("/ws", h.hub.ServeWs).Methods("GET")
	r.HandleFunc("/ws/stats", h.WSStats).Methods("GET")
	r.HandleFunc("/internal/events", h.InternalEvent).Methods("POST")
	return r
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string, code string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindForbidden:
		return http.StatusForbidden
	case models.KindConflict:
		return http.StatusConflict
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondDomainError maps a classified engine error onto the HTTP status
func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(models.KindOf(err))
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondJSON(w, status, ErrorResponse{
		Error:   models.MessageOf(err),
		Code:    models.CodeOf(err),
		Details: models.DetailsOf(err),
	})
}

// decodeBody decodes JSON into dst. An empty body leaves dst untouched when
// allowEmpty is set.
func decodeBody(r *http.Request, dst interface{}, allowEmpty bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	return err
}

// ============== Health ==============

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	deps := h.engine.Health(r.Context())
	status := "healthy"
	if deps["database"] != "healthy" {
		status = "degraded"
	}
	body := map[string]interface{}{
		"service":      "attribution-service",
		"status":       status,
		"timestamp":    time.Now().UTC(),
		"dependencies": deps,
		"circuits":     h.engine.Postbacks.BreakerStates(),
	}
	if pool := h.engine.PoolStats(r.Context()); pool != nil {
		body["database_pool"] = pool
	}
	respondJSON(w, http.StatusOK, body)
}

// ============== Clicks ==============

// TrackClick handles GET /click. The pixel is always served; failures only
// show up in logs and metrics.
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request) {
	res := h.engine.Clicks.Track(r.Context(), attribution.RequestFromHTTP(r))
	if res.Err != nil {
		h.log.Debug("Click not recorded", "error", res.Err)
	}

	now := time.Now()
	for _, c := range res.Cookies {
		http.SetCookie(w, c.HTTPCookie(now))
	}
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.WriteHeader(http.StatusOK)
	w.Write(attribution.TrackingPixel)
}

// ============== Conversions ==============

// ConversionResponse is returned by POST /conversions
type ConversionResponse struct {
	Success bool `json:"success"`
	*conversion.Result
}

func (h *Handler) CreateConversion(w http.ResponseWriter, r *http.Request) {
	var req conversion.Request
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}

	res, err := h.engine.Conversions.Record(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, ConversionResponse{Success: true, Result: res})
}

func (h *Handler) GetConversion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, err := h.engine.Store.GetConversion(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Conversion not found", "CONVERSION_NOT_FOUND")
			return
		}
		h.respondDomainError(w, r, models.Upstream("DATABASE_ERROR", "failed to load conversion", err))
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// StatusUpdateRequest is a single update when ConversionID is set and a
// batch update when ConversionIDs is
type StatusUpdateRequest struct {
	ConversionID  string   `json:"conversion_id,omitempty"`
	ConversionIDs []string `json:"conversion_ids,omitempty"`
	NewStatus     string   `json:"new_status"`
	Notes         string   `json:"notes,omitempty"`
}

// StatusUpdateResponse reports a single update
type StatusUpdateResponse struct {
	Success      bool                    `json:"success"`
	ConversionID string                  `json:"conversion_id"`
	OldStatus    models.ConversionStatus `json:"old_status"`
	NewStatus    models.ConversionStatus `json:"new_status"`
	Changed      bool                    `json:"changed"`
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusUpdateRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}
	to, err := models.ParseConversionStatus(req.NewStatus)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	switch {
	case len(req.ConversionIDs) > 0:
		res := h.engine.Machine.BatchTransition(r.Context(), req.ConversionIDs, to, req.Notes)
		respondJSON(w, http.StatusOK, res)
	case req.ConversionID != "":
		res, err := h.engine.Machine.Transition(r.Context(), req.ConversionID, to, req.Notes)
		if err != nil {
			h.respondDomainError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, StatusUpdateResponse{
			Success:      true,
			ConversionID: res.Conversion.ID,
			OldStatus:    res.OldStatus,
			NewStatus:    res.Conversion.Status,
			Changed:      res.Changed,
		})
	default:
		respondError(w, http.StatusBadRequest, "conversion_id or conversion_ids is required", "MISSING_CONVERSION_ID")
	}
}

// ReviewRequest resolves a fraud flag
type ReviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Notes      string `json:"notes"`
	NewStatus  string `json:"new_status,omitempty"`
}

func (h *Handler) ReviewConversion(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}
	var to models.ConversionStatus
	if req.NewStatus != "" {
		st, err := models.ParseConversionStatus(req.NewStatus)
		if err != nil {
			h.respondDomainError(w, r, err)
			return
		}
		to = st
	}

	res, err := h.engine.Machine.Review(r.Context(), mux.Vars(r)["id"], req.ReviewerID, req.Notes, to)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res.Conversion)
}

func (h *Handler) RescreenConversion(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Conversions.Rescreen(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ============== Payouts ==============

func (h *Handler) PreviewPayouts(w http.ResponseWriter, r *http.Request) {
	preview, err := h.engine.Payouts.Preview(r.Context(), r.URL.Query().Get("affiliate_id"))
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, preview)
}

// CreateBatchRequest limits batch creation to one affiliate when set
type CreateBatchRequest struct {
	AffiliateID string `json:"affiliate_id,omitempty"`
}

func (h *Handler) CreateBatches(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := decodeBody(r, &req, true); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}
	res, err := h.engine.Payouts.CreateBatches(r.Context(), req.AffiliateID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// ListBatches handles GET /payouts/batches?status=&limit=
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondDomainError(w, r, models.InvalidField("INVALID_LIMIT", "limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	batches, err := h.engine.Payouts.ListBatches(r.Context(), models.BatchStatus(q.Get("status")), limit)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(batches),
		"batches": batches,
	})
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.engine.Payouts.GetBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *Handler) UpdateChecklist(w http.ResponseWriter, r *http.Request) {
	var req payout.ChecklistUpdate
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}
	b, err := h.engine.Payouts.UpdateChecklist(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *Handler) ApproveBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.engine.Payouts.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// ============== Affiliates ==============

// AffiliateStatusRequest is the body of PUT /affiliates/{id}/status
type AffiliateStatusRequest struct {
	Status models.AffiliateStatus `json:"status"`
}

func (h *Handler) UpdateAffiliateStatus(w http.ResponseWriter, r *http.Request) {
	var req AffiliateStatusRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}
	if req.Status == "" {
		h.respondDomainError(w, r, models.InvalidField("INVALID_STATUS", "status", "status is required"))
		return
	}
	aff, err := h.engine.Accounts.SetStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"affiliate_id": aff.ID,
		"status":       aff.Status,
	})
}

// DisbursementWebhook handles the processor's signed settlement callback
func (h *Handler) DisbursementWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read body", "INVALID_REQUEST")
		return
	}
	if !disbursement.Verify(h.webhookSecret, body, r.Header.Get(disbursement.SignatureHeader)) {
		h.log.Warn("Rejected disbursement callback with invalid signature", "remote_addr", r.RemoteAddr)
		respondError(w, http.StatusUnauthorized, "Invalid callback signature", "INVALID_SIGNATURE")
		return
	}

	var cb disbursement.Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}
	res, err := h.engine.Payouts.HandleCallback(r.Context(), cb)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ============== Postbacks ==============

// PostbackTriggerRequest selects one postback or every postback of a
// conversion
type PostbackTriggerRequest struct {
	PostbackID   string `json:"postbackId"`
	ConversionID string `json:"conversionId"`
}

type PostbackTriggerResponse struct {
	Success bool                `json:"success"`
	Results []*postback.Outcome `json:"results"`
}

func (h *Handler) TriggerPostbacks(w http.ResponseWriter, r *http.Request) {
	var req PostbackTriggerRequest
	if err := decodeBody(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}

	var outcomes []*postback.Outcome
	switch {
	case req.PostbackID != "":
		out, err := h.engine.Postbacks.Dispatch(r.Context(), req.PostbackID)
		if err != nil {
			h.respondDomainError(w, r, err)
			return
		}
		outcomes = []*postback.Outcome{out}
	case req.ConversionID != "":
		outs, err := h.engine.Postbacks.RetryConversion(r.Context(), req.ConversionID)
		if err != nil {
			h.respondDomainError(w, r, err)
			return
		}
		outcomes = outs
	default:
		respondError(w, http.StatusBadRequest, "postbackId or conversionId is required", "MISSING_TARGET")
		return
	}

	success := true
	for _, o := range outcomes {
		success = success && o.Success
	}
	respondJSON(w, http.StatusOK, PostbackTriggerResponse{Success: success, Results: outcomes})
}

// ============== Live feed ==============

func (h *Handler) WSStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.hub.GetStats())
}

// InternalEventRequest is an event forwarded by another service
type InternalEventRequest struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// InternalEvent receives events from other services and broadcasts them
func (h *Handler) InternalEvent(w http.ResponseWriter, r *http.Request) {
	var req InternalEventRequest
	if err := decodeBody(r, &req, false); err != nil || req.Type == "" {
		respondError(w, http.StatusBadRequest, "Invalid event", "INVALID_REQUEST")
		return
	}
	if err := h.hub.BroadcastEvent(req.Type, req.Event, req.Data); err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"client_count": h.hub.ClientCount(),
	})
}
