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
	"github.com/AnuragDani/affiliate-engine/internal/events"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
)

func main() {
	log := logger.New("affiliate-scheduler")
	cfg := config.Load("8004")

	rules, err := config.LoadRules(cfg.RulesPath)
	if err != nil {
		log.Fatal("Failed to load engine rules", "path", cfg.RulesPath, "error", err)
	}

	m := metrics.New("affiliate-scheduler")
	// Events are forwarded to the attribution service's live feed
	publisher := events.NewPublisher(cfg.AttributionServiceURL, log.With("component", "events"))

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	e, err := engine.Open(startCtx, cfg, rules, log, engine.Options{Metrics: m, Events: publisher})
	cancel()
	if err != nil {
		log.Fatal("Failed to initialise engine", "error", err)
	}
	defer e.Close()

	schedCfg := DefaultSchedulerConfig()
	schedCfg.TickInterval = cfg.SchedulerInterval
	schedCfg.Enabled = cfg.SchedulerEnabled

	var lock DayLock
	if e.Cache != nil {
		lock = e.Cache
	}
	scheduler := NewScheduler(e.Clearer, e.Postbacks, e.Payouts, lock, schedCfg, log.With("component", "scheduler"), m, publisher)
	handler := NewHandler(scheduler, e, m, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: schedCfg.TickTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	scheduler.Start()

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Server is shutting down")
		scheduler.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("Could not gracefully shutdown the server", "error", err)
		}
		close(done)
	}()

	log.Info("Affiliate scheduler starting", "port", cfg.Port, "interval", cfg.SchedulerInterval.String())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("Could not listen", "port", cfg.Port, "error", err)
	}

	<-done
	log.Info("Server stopped")
}
