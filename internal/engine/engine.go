// Package engine wires the attribution, conversion, payout and postback
// services over one store so every binary builds the same graph.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/AnuragDani/affiliate-engine/internal/affiliate"
	"github.com/AnuragDani/affiliate-engine/internal/attribution"
	"github.com/AnuragDani/affiliate-engine/internal/cache"
	"github.com/AnuragDani/affiliate-engine/internal/clearing"
	"github.com/AnuragDani/affiliate-engine/internal/config"
	"github.com/AnuragDani/affiliate-engine/internal/conversion"
	"github.com/AnuragDani/affiliate-engine/internal/database"
	"github.com/AnuragDani/affiliate-engine/internal/disbursement"
	"github.com/AnuragDani/affiliate-engine/internal/events"
	"github.com/AnuragDani/affiliate-engine/internal/fraud"
	"github.com/AnuragDani/affiliate-engine/internal/httpclient"
	"github.com/AnuragDani/affiliate-engine/internal/logger"
	"github.com/AnuragDani/affiliate-engine/internal/metrics"
	"github.com/AnuragDani/affiliate-engine/internal/models"
	"github.com/AnuragDani/affiliate-engine/internal/payout"
	"github.com/AnuragDani/affiliate-engine/internal/postback"
	"github.com/AnuragDani/affiliate-engine/internal/store"
	"github.com/AnuragDani/affiliate-engine/internal/store/memory"
	"github.com/AnuragDani/affiliate-engine/internal/store/postgres"
)

const (
	affiliateCacheTTL = 5 * time.Minute
	orderIndexTTL     = 72 * time.Hour
)

// Options carries the collaborators that differ between binaries
type Options struct {
	Metrics    *metrics.Metrics
	Events     events.Sink
	Disbursers *disbursement.Registry
	Fetcher    postback.Fetcher
}

type Engine struct {
	Store store.Store
	Cache *cache.Client
	Rules *config.Rules

	Affiliates  conversion.AffiliateLookup
	Accounts    *affiliate.Service
	Screener    *fraud.Screener
	Machine     *conversion.StatusMachine
	Clicks      *attribution.Recorder
	Conversions *conversion.Recorder
	Payouts     *payout.Manager
	Postbacks   *postback.Dispatcher
	Clearer     *clearing.Clearer

	db *database.DB
}

// clickStore reads affiliates through the cache and writes clicks to the store
type clickStore struct {
	affiliates cache.AffiliateLookup
	store      store.Store
}

func (c clickStore) GetAffiliateBySlug(ctx context.Context, slug string) (*models.Affiliate, error) {
	return c.affiliates.GetAffiliateBySlug(ctx, slug)
}

func (c clickStore) InsertClick(ctx context.Context, click *models.Click) error {
	return c.store.InsertClick(ctx, click)
}

// Open connects the configured store and, when reachable, Redis, then wires
// the services
func Open(ctx context.Context, cfg *config.Config, rules *config.Rules, log *logger.Logger, opts Options) (*Engine, error) {
	var (
		st store.Store
		db *database.DB
	)
	switch cfg.StoreDriver {
	case "memory":
		st = memory.New()
		log.Warn("Using in-memory store; data is lost on restart")
	case "postgres", "":
		var err error
		db, err = database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ensure schema: %w", err)
		}
		st = postgres.New(db)
		log.Info("Connected to database")
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	var redisClient *cache.Client
	if cfg.RedisURL != "" {
		c, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("Redis unavailable, running without cache", "error", err)
		} else {
			redisClient = c
			log.Info("Connected to Redis")
		}
	}

	e := New(st, redisClient, cfg, rules, log, opts)
	e.db = db
	return e, nil
}

// New wires the services over an already open store. redisClient may be nil.
func New(st store.Store, redisClient *cache.Client, cfg *config.Config, rules *config.Rules, log *logger.Logger, opts Options) *Engine {
	sink := opts.Events
	if sink == nil {
		sink = events.Nop{}
	}
	disbursers := opts.Disbursers
	if disbursers == nil {
		disbursers = disbursement.FromConfig(cfg.DisbursementURL, cfg.DisbursementTimeout)
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = httpclient.NewClient("", cfg.PostbackTimeout)
	}

	var (
		affiliates  cache.AffiliateLookup = st
		invalidator affiliate.Invalidator
		orders      conversion.OrderIndex
	)
	if redisClient != nil {
		cached := cache.NewAffiliates(redisClient, st, affiliateCacheTTL, log.With("component", "affiliate-cache"))
		affiliates, invalidator = cached, cached
		orders = cache.NewOrderIndex(redisClient, orderIndexTTL)
	}

	screener := fraud.NewScreener(rules.Fraud, st, log.With("component", "fraud"), opts.Metrics)
	machine := conversion.NewStatusMachine(st, log.With("component", "status"), opts.Metrics, sink)
	dispatcher := postback.NewDispatcher(st, fetcher, rules.EnabledNetworks(), cfg.PostbackTimeout,
		log.With("component", "postback"), opts.Metrics, sink)

	recorderOpts := conversion.RecorderOptions{
		Orders:   orders,
		Notifier: dispatcher,
		Metrics:  opts.Metrics,
		Events:   sink,
	}

	return &Engine{
		Store:      st,
		Cache:      redisClient,
		Rules:      rules,
		Affiliates: affiliates,
		Accounts:   affiliate.NewService(st, invalidator, log.With("component", "affiliate"), sink),
		Screener:   screener,
		Machine:    machine,
		Clicks: attribution.NewRecorder(clickStore{affiliates: affiliates, store: st}, rules.Attribution,
			cfg.ClickTimeout, cfg.CookieDomain, log.With("component", "click"), opts.Metrics, sink),
		Conversions: conversion.NewRecorder(st, affiliates, screener, machine, rules,
			log.With("component", "conversion"), recorderOpts),
		Payouts: payout.NewManager(st, machine, disbursers, rules.Payout, cfg.WebhookCallbackURL,
			log.With("component", "payout"), opts.Metrics, sink),
		Postbacks: dispatcher,
		Clearer:   clearing.NewClearer(st, machine, screener, rules.Clearing, log.With("component", "clearing")),
	}
}

// Health reports the reachability of the store and cache
func (e *Engine) Health(ctx context.Context) map[string]string {
	deps := map[string]string{"database": "healthy", "redis": "disabled"}
	if err := e.Store.Ping(ctx); err != nil {
		deps["database"] = "unhealthy"
	}
	if e.Cache != nil {
		deps["redis"] = "healthy"
		if err := e.Cache.HealthCheck(ctx); err != nil {
			deps["redis"] = "unhealthy"
		}
	}
	return deps
}

// PoolStats reports connection pool statistics, or nil when the store is
// not backed by PostgreSQL
func (e *Engine) PoolStats(ctx context.Context) map[string]interface{} {
	if e.db == nil {
		return nil
	}
	return e.db.Health(ctx)
}

// Close waits for in-flight postbacks and releases connections
func (e *Engine) Close() error {
	e.Postbacks.Wait()
	if e.Cache != nil {
		e.Cache.Close()
	}
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}
