package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"execution-gateway/internal/breaker"
	"execution-gateway/internal/order"
)

func TestMetrics_Hooks(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObservePlacement("binance-spot", order.OutcomeSubmitted)
	m.ObservePlacement("binance-spot", order.OutcomeSubmitted)
	m.ObserveBreaker("mt5", breaker.StateClosed, breaker.StateOpen)
	m.ObserveRetry("submit", 1, time.Second, nil)
	m.ObserveAnomaly("ctrader", order.AnomalyOverfill)
	m.ObserveRateLimitWait("mt5", "order", 20*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Placements.WithLabelValues("binance-spot", "SUBMITTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("mt5")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries.WithLabelValues("submit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anomalies.WithLabelValues("ctrader", "OVERFILL")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RateLimitWait))
}
