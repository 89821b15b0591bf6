package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PooldMetrics captures the HTTP and operation metrics of the pool service.
type PooldMetrics struct {
	requests   *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	throttles  *prometheus.CounterVec
	operations *prometheus.CounterVec
	keeper     *prometheus.CounterVec
	epoch      prometheus.Gauge
}

var (
	pooldMetricsOnce sync.Once
	pooldRegistry    *PooldMetrics
)

// Poold returns the lazily-initialised metrics registry of the pool service.
func Poold() *PooldMetrics {
	pooldMetricsOnce.Do(func() {
		pooldRegistry = &PooldMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method, and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tidepool",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter or auth layer.",
			}, []string{"reason"}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations segmented by operation and commit outcome.",
			}, []string{"operation", "outcome"}),
			keeper: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "keeper",
				Name:      "runs_total",
				Help:      "Checkpoint keeper runs segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			epoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tidepool",
				Subsystem: "epoch",
				Name:      "current_start_seconds",
				Help:      "Start timestamp of the epoch in progress.",
			}),
		}
		prometheus.MustRegister(
			pooldRegistry.requests,
			pooldRegistry.errors,
			pooldRegistry.latency,
			pooldRegistry.throttles,
			pooldRegistry.operations,
			pooldRegistry.keeper,
			pooldRegistry.epoch,
		)
	})
	return pooldRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *PooldMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. Reasons should be stable strings
// such as "rate_limit" or "unauthorized".
func (m *PooldMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// RecordOperation counts a ledger operation by its commit outcome.
func (m *PooldMetrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "committed"
	if err != nil {
		outcome = "rejected"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// RecordKeeperRun counts a checkpoint keeper pass for asset.
func (m *PooldMetrics) RecordKeeperRun(asset string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.keeper.WithLabelValues(labelAsset(asset), outcome).Inc()
}

// SetEpoch publishes the start of the epoch in progress.
func (m *PooldMetrics) SetEpoch(start uint64) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(start))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func labelTarget(target string) string {
	trimmed := strings.ToLower(strings.TrimSpace(target))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
