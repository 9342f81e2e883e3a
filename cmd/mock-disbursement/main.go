package main

import (
	"net/http"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
)

func main() {
	log := logger.New("mock-disbursement")
	cfg := config.Load("8101")

	processor := NewProcessor(cfg.WebhookSecret, cfg.WebhookCallbackURL, cfg.SuccessRate, cfg.CallbackDelay, log)

	log.Info("Mock disbursement processor starting",
		"port", cfg.Port,
		"success_rate", cfg.SuccessRate,
		"callback_delay", cfg.CallbackDelay.String(),
		"callback_url", cfg.WebhookCallbackURL)
	log.Info("Admin endpoints: POST /admin/set-success-rate?rate=50, POST /admin/toggle-status, GET /admin/stats")

	if err := http.ListenAndServe(":"+cfg.Port, processor.Router()); err != nil {
		log.Fatal("Server failed", "error", err)
	}
}
