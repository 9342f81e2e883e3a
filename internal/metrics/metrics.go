// Package metrics holds the Prometheus collectors shared by the engine's
// services. Every recording method is safe on a nil *Metrics so domain code
// can run without instrumentation in tests.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "affiliate"

// Metrics is the collector set of one service
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestDuration *prometheus.HistogramVec
	ClicksTotal         *prometheus.CounterVec
	ConversionsTotal    *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
	FraudFactorsTotal   *prometheus.CounterVec
	PayoutBatchesTotal  *prometheus.CounterVec
	DisbursementsTotal  *prometheus.CounterVec
	PostbackAttempts    *prometheus.CounterVec
	SchedulerJobRuns    *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry
func New(service string) *Metrics {
	service = strings.ReplaceAll(service, "-", "_")
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		ClicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "clicks_total",
			Help:      "Tracked clicks by result",
		}, []string{"result"}),
		ConversionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "conversions_total",
			Help:      "Conversion record requests by result",
		}, []string{"result"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "status_transitions_total",
			Help:      "Applied conversion status transitions",
		}, []string{"from", "to"}),
		FraudFactorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "fraud_factors_total",
			Help:      "Triggered fraud rules",
		}, []string{"factor"}),
		PayoutBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "payout_batches_total",
			Help:      "Payout batch status changes",
		}, []string{"status"}),
		DisbursementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "disbursement_requests_total",
			Help:      "Disbursement submissions by result",
		}, []string{"result"}),
		PostbackAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "postback_attempts_total",
			Help:      "Network postback attempts",
		}, []string{"network", "result"}),
		SchedulerJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "scheduler_job_runs_total",
			Help:      "Scheduler job executions",
		}, []string{"job", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestDuration,
		m.ClicksTotal,
		m.ConversionsTotal,
		m.StatusTransitions,
		m.FraudFactorsTotal,
		m.PayoutBatchesTotal,
		m.DisbursementsTotal,
		m.PostbackAttempts,
		m.SchedulerJobRuns,
	)
	return m
}

// Handler exposes the registry for scraping
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Click(result string) {
	if m == nil {
		return
	}
	m.ClicksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Conversion(result string) {
	if m == nil {
		return
	}
	m.ConversionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) FraudFactor(name string) {
	if m == nil {
		return
	}
	m.FraudFactorsTotal.WithLabelValues(name).Inc()
}

func (m *Metrics) Batch(status string) {
	if m == nil {
		return
	}
	m.PayoutBatchesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Disbursement(result string) {
	if m == nil {
		return
	}
	m.DisbursementsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Postback(network, result string) {
	if m == nil {
		return
	}
	m.PostbackAttempts.WithLabelValues(network, result).Inc()
}

func (m *Metrics) JobRun(job, result string) {
	if m == nil {
		return
	}
	m.SchedulerJobRuns.WithLabelValues(job, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware observes request latency labelled with the mux route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
