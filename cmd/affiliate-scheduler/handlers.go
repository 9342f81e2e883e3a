package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
)

// HealthChecker reports dependency health
type HealthChecker interface {
	Health(ctx context.Context) map[string]string
}

// Handler handles HTTP requests for the scheduler
type Handler struct {
	scheduler *Scheduler
	health    HealthChecker
	metrics   *metrics.Metrics
	log       *logger.Logger
}

func NewHandler(scheduler *Scheduler, health HealthChecker, m *metrics.Metrics, log *logger.Logger) *Handler {
	return &Handler{scheduler: scheduler, health: health, metrics: m, log: log}
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.metrics.Middleware)
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	r.HandleFunc("/scheduler/status", h.GetSchedulerStatus).Methods("GET")
	r.HandleFunc("/scheduler/trigger", h.TriggerScheduler).Methods("POST")
	return r
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service":           "affiliate-scheduler",
		"status":            "healthy",
		"scheduler_running": h.scheduler.IsRunning(),
		"timestamp":         time.Now().UTC(),
	}
	if h.health != nil {
		deps := h.health.Health(r.Context())
		if deps["database"] != "healthy" {
			response["status"] = "degraded"
		}
		response["dependencies"] = deps
	}
	respondJSON(w, http.StatusOK, response)
}

// GetSchedulerStatus handles GET /scheduler/status
func (h *Handler) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scheduler.Status())
}

// TriggerScheduler handles POST /scheduler/trigger. force_batch=true runs
// month-end batching outside its window.
func (h *Handler) TriggerScheduler(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force_batch"))
	h.log.Info("Manual scheduler trigger requested", "force_batch", force)

	result := h.scheduler.Tick(r.Context(), force)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  len(result.Errors) == 0,
		"message":  "Scheduler triggered",
		"duration": result.Duration.String(),
		"result":   result,
	})
}
