package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/AnuragDani/affiliate-engine/internal/logger"
)

// Gateway fronts the attribution service and the scheduler
type Gateway struct {
	attributionProxy *httputil.ReverseProxy
	schedulerProxy   *httputil.ReverseProxy
	log              *logger.Logger
}

func NewGateway(attributionURL, schedulerURL string, log *logger.Logger) (*Gateway, error) {
	attribution, err := buildReverseProxy(attributionURL, "attribution-service", log)
	if err != nil {
		return nil, err
	}
	scheduler, err := buildReverseProxy(schedulerURL, "affiliate-scheduler", log)
	if err != nil {
		return nil, err
	}
	return &Gateway{attributionProxy: attribution, schedulerProxy: scheduler, log: log}, nil
}

func buildReverseProxy(rawURL, serviceName string, log *logger.Logger) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid %s URL %q", serviceName, rawURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Header.Set("X-Gateway-Service", serviceName)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("Proxy error", "service", serviceName, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   "upstream_unavailable",
			"service": serviceName,
		})
	}
	return proxy, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) proxyAttribution(w http.ResponseWriter, r *http.Request) {
	g.attributionProxy.ServeHTTP(w, r)
}

func (g *Gateway) proxyScheduler(w http.ResponseWriter, r *http.Request) {
	g.schedulerProxy.ServeHTTP(w, r)
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "api-gateway",
		"status":    "healthy",
		"timestamp": time.Now(),
		"routes": map[string]string{
			"attribution": "/click,/conversions/*,/payouts/*,/affiliates/*,/webhooks/*,/postbacks/*,/ws",
			"scheduler":   "/scheduler/*",
		},
	})
}

func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", g.health).Methods("GET")

	// Attribution-service routes
	r.Path("/click").HandlerFunc(g.proxyAttribution)
	r.PathPrefix("/conversions").HandlerFunc(g.proxyAttribution)
	r.PathPrefix("/payouts").HandlerFunc(g.proxyAttribution)
	r.PathPrefix("/affiliates").HandlerFunc(g.proxyAttribution)
	r.PathPrefix("/webhooks").HandlerFunc(g.proxyAttribution)
	r.PathPrefix("/postbacks").HandlerFunc(g.proxyAttribution)
	r.PathPrefix("/ws").HandlerFunc(g.proxyAttribution)

	// Scheduler routes
	r.PathPrefix("/scheduler").HandlerFunc(g.proxyScheduler)

	// Fallback; /internal/* is deliberately not exposed
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "route_not_found",
			"message": "use /health to inspect available routes",
			"path":    strings.TrimSpace(r.URL.Path),
		})
	})
	return r
}
