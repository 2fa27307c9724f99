// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"execution-gateway/internal/breaker"
	"execution-gateway/internal/order"
)

const namespace = "exgw"

// Metrics is the set of gateway collectors
type Metrics struct {
	Placements       *prometheus.CounterVec
	AdapterCalls     *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	Anomalies        *prometheus.CounterVec
	DroppedEvents    *prometheus.CounterVec
	StreamReconnects *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	RateLimitWait    *prometheus.HistogramVec
	ReconcileRuns    *prometheus.CounterVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Placements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placements_total",
			Help:      "Order placements by exchange and outcome",
		}, []string{"exchange", "outcome"}),
		AdapterCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_calls_total",
			Help:      "Exchange adapter calls by operation and result kind",
		}, []string{"exchange", "op", "result"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried adapter calls",
		}, []string{"op"}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Reconciliation anomalies raised",
		}, []string{"exchange", "kind"}),
		DroppedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Lifecycle events dropped for a slow subscriber or a failing sink",
		}, []string{"target"}),
		StreamReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Venue stream reconnects",
		}, []string{"exchange"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"exchange"}),
		RateLimitWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent waiting for a rate limit token",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"exchange", "class"}),
		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_orders_total",
			Help:      "Orders checked by reconciliation, by result",
		}, []string{"exchange", "result"}),
	}
}

// ObservePlacement counts a placement outcome
func (m *Metrics) ObservePlacement(exchangeID string, kind order.OutcomeKind) {
	m.Placements.WithLabelValues(exchangeID, string(kind)).Inc()
}

// ObserveBreaker is a breaker.Config.OnStateChange hook
func (m *Metrics) ObserveBreaker(name string, _, to breaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}

// ObserveRateLimitWait is a ratelimit.Registry wait hook
func (m *Metrics) ObserveRateLimitWait(exchangeID, class string, d time.Duration) {
	m.RateLimitWait.WithLabelValues(exchangeID, class).Observe(d.Seconds())
}

// ObserveRetry is a retry.Observer
func (m *Metrics) ObserveRetry(op string, _ int, _ time.Duration, _ error) {
	m.Retries.WithLabelValues(op).Inc()
}

// ObserveAnomaly is a lifecycle.Machine anomaly hook
func (m *Metrics) ObserveAnomaly(exchangeID string, kind order.AnomalyKind) {
	m.Anomalies.WithLabelValues(exchangeID, string(kind)).Inc()
}
