package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/engine"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
	ws "github.com/AnuragDani/affiliate-engine/internal/websocket"
)

func main() {
	log := logger.New("attribution-service")
	cfg := config.Load("8001")

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		log.Fatal("Failed to load engine rules", "path", cfg.RulesPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New("attribution-service")

	// Engine events go straight to the local hub
	hub := ws.NewHub(log.With("component", "ws-hub"))
	go hub.Run(ctx)

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	e, err := engine.Open(startCtx, cfg, rules, log, engine.Options{Metrics: m, Events: hub})
	cancel()
	if err != nil {
		log.Fatal("Failed to initialise engine", "error", err)
	}
	defer e.Close()

	handler := NewHandler(e, hub, m, cfg.WebhookSecret, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("Attribution service listening",
			"port", cfg.Port,
			"store", cfg.StoreDriver,
			"networks", len(rules.EnabledNetworks()),
			"disbursement_url", cfg.DisbursementURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	log.Info("Server exiting")
}
