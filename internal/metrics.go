package internal

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup results recorded by ObserveLookup
const (
	LookupHit      = "hit"
	LookupMiss     = "miss"
	LookupDegraded = "degraded"
)

// MetricsCollector holds the Prometheus metrics of the shared-state layer.
// Tenant IDs are never used as label values.
type MetricsCollector struct {
	registry *prometheus.Registry

	Events             *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
	Attempts           *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
}

// NewMetricsCollector creates a collector registered on its own registry
func NewMetricsCollector(namespace string) *MetricsCollector {
	registry := prometheus.NewRegistry()

	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of shared state events",
		},
		[]string{"category", "outcome", "operation_class"},
	)

	cacheLookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of cache lookups by category and result",
		},
		[]string{"category", "result"},
	)

	decisions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Total number of rate limit decisions",
		},
		[]string{"operation_class", "decision"},
	)

	attempts := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resilience_attempt_duration_seconds",
			Help:      "Duration of individual store attempts",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"class", "operation", "outcome"},
	)

	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per class (0 closed, 1 half-open, 2 open)",
		},
		[]string{"class"},
	)

	registry.MustRegister(events, cacheLookups, decisions, attempts, breakerState)

	return &MetricsCollector{
		registry:           registry,
		Events:             events,
		CacheLookups:       cacheLookups,
		RateLimitDecisions: decisions,
		Attempts:           attempts,
		BreakerState:       breakerState,
	}
}

// Registry returns the registry the metrics are registered on
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the collector's registry
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Emit implements EventSink
func (m *MetricsCollector) Emit(_ context.Context, event Event) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(string(event.Category), string(event.Outcome), event.OperationClass).Inc()
}

// ObserveLookup counts a cache read
func (m *MetricsCollector) ObserveLookup(category Category, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(string(category), result).Inc()
}

// ObserveDecision counts a rate limit decision
func (m *MetricsCollector) ObserveDecision(operationClass, decision string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(operationClass, decision).Inc()
}

// ObserveAttempt records the duration of one store attempt
func (m *MetricsCollector) ObserveAttempt(class OperationClass, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(string(class), operation, outcome).Observe(d.Seconds())
}

// SetBreakerState records a circuit breaker transition
func (m *MetricsCollector) SetBreakerState(class OperationClass, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(string(class)).Set(state)
}
