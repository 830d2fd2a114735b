// Package metrics defines the Prometheus collectors for dispatch and replay.
//
// A nil *Metrics is valid and records nothing, so components take metrics as
// an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nyx"

// Replay outcomes.
const (
	ReplayOK       = "ok"
	ReplayMismatch = "mismatch"
	ReplayError    = "error"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	runs           *prometheus.CounterVec
	fees           *prometheus.CounterVec
	submitDuration *prometheus.HistogramVec
	scopeWait      prometheus.Histogram
	idempotentHits prometheus.Counter
	conflicts      prometheus.Counter
	feeViolations  prometheus.Counter
	replays        *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs recorded in the ledger by route and status.",
		}, []string{"module", "action", "status"}),
		fees: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_charged_total",
			Help:      "Fees charged by component.",
		}, []string{"component"}),
		submitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time from submit to response, including scope wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"module", "action"}),
		scopeWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scope_wait_seconds",
			Help:      "Time spent waiting for partition scopes.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		idempotentHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotent_hits_total",
			Help:      "Submissions answered from the ledger without executing.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_id_conflicts_total",
			Help:      "Submissions reusing a run_id with different inputs.",
		}),
		feeViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fee_violations_total",
			Help:      "Runs aborted because the fee invariant failed.",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Replay verifications by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs,
		m.fees,
		m.submitDuration,
		m.scopeWait,
		m.idempotentHits,
		m.conflicts,
		m.feeViolations,
		m.replays,
		m.httpRequests,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RunRecorded counts a run written to the ledger.
func (m *Metrics) RunRecorded(module, action, status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(module, action, status).Inc()
}

// FeeCharged adds a charged fee vector.
func (m *Metrics) FeeCharged(vector map[string]int64) {
	if m == nil {
		return
	}
	for component, amount := range vector {
		m.fees.WithLabelValues(component).Add(float64(amount))
	}
}

// ObserveSubmit records one submit's latency.
func (m *Metrics) ObserveSubmit(module, action string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitDuration.WithLabelValues(module, action).Observe(d.Seconds())
}

// ObserveScopeWait records time spent acquiring a scope.
func (m *Metrics) ObserveScopeWait(d time.Duration) {
	if m == nil {
		return
	}
	m.scopeWait.Observe(d.Seconds())
}

// IdempotentHit counts a ledger short-circuit.
func (m *Metrics) IdempotentHit() {
	if m == nil {
		return
	}
	m.idempotentHits.Inc()
}

// Conflict counts a run_id conflict.
func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// FeeViolation counts an aborted fee invariant.
func (m *Metrics) FeeViolation() {
	if m == nil {
		return
	}
	m.feeViolations.Inc()
}

// Replayed counts a replay by outcome.
func (m *Metrics) Replayed(outcome string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(outcome).Inc()
}

// HTTPRequest counts a served request.
func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
