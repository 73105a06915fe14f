package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SaleMetrics wraps collectors tracking the sale engine.
type SaleMetrics struct {
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	soldBase     prometheus.Gauge
	capRemaining prometheus.Gauge
	capUtilized  prometheus.Gauge
	quoteAge     prometheus.Gauge
}

var (
	saleMetricsOnce sync.Once
	saleRegistry    *SaleMetrics
)

// Sale returns the singleton metrics registry for the sale engine.
func Sale() *SaleMetrics {
	saleMetricsOnce.Do(func() {
		saleRegistry = &SaleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokensale",
				Subsystem: "engine",
				Name:      "requests_total",
				Help:      "Count of sale engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tokensale",
				Subsystem: "engine",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for sale engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokensale",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Count of sale engine failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			soldBase: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tokensale",
				Subsystem: "engine",
				Name:      "sold_base_tokens",
				Help:      "Cumulative base tokens sold, in whole token units.",
			}),
			capRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tokensale",
				Subsystem: "engine",
				Name:      "cap_remaining_tokens",
				Help:      "Remaining hard cap headroom, in whole token units.",
			}),
			capUtilized: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tokensale",
				Subsystem: "engine",
				Name:      "cap_utilization",
				Help:      "Ratio of consumed hard cap (0-1).",
			}),
			quoteAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tokensale",
				Subsystem: "oracle",
				Name:      "quote_age_seconds",
				Help:      "Age of the most recently consumed oracle quote.",
			}),
		}
		prometheus.MustRegister(
			saleRegistry.requests,
			saleRegistry.latency,
			saleRegistry.errors,
			saleRegistry.soldBase,
			saleRegistry.capRemaining,
			saleRegistry.capUtilized,
			saleRegistry.quoteAge,
		)
	})
	return saleRegistry
}

// Observe records the execution metrics for a sale engine operation. An empty
// reason marks success; failures pass a caller-classified label so the error
// counter cardinality stays bounded.
func (m *SaleMetrics) Observe(operation string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if reason = strings.TrimSpace(reason); reason != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, reason).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCap updates the sold and cap gauges from wei-denominated values.
func (m *SaleMetrics) RecordCap(sold, hardCap *big.Int) {
	if m == nil {
		return
	}
	soldVal := bigToFloat(sold)
	capVal := bigToFloat(hardCap)
	m.soldBase.Set(soldVal)
	remaining := capVal - soldVal
	if remaining < 0 {
		remaining = 0
	}
	m.capRemaining.Set(remaining)
	utilization := 0.0
	if capVal > 0 {
		utilization = soldVal / capVal
		if utilization > 1 {
			utilization = 1
		}
	}
	m.capUtilized.Set(utilization)
}

// RecordQuoteAge tracks the freshness of the last consumed oracle quote.
func (m *SaleMetrics) RecordQuoteAge(age time.Duration) {
	if m == nil {
		return
	}
	m.quoteAge.Set(age.Seconds())
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
