package main

import (
	"net/http"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
)

func main() {
	log := logger.New("api-gateway")
	cfg := config.Load("8080")

	gateway, err := NewGateway(cfg.AttributionServiceURL, cfg.SchedulerURL, log)
	if err != nil {
		log.Fatal("Invalid upstream configuration", "error", err)
	}

	log.Info("API Gateway starting", "port", cfg.Port,
		"attribution", cfg.AttributionServiceURL, "scheduler", cfg.SchedulerURL)
	if err := http.ListenAndServe(":"+cfg.Port, gateway.Router()); err != nil {
		log.Fatal("Server failed", "error", err)
	}
}
