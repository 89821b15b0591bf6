package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"tidepool/core/events"
)

type eventMetrics struct {
	events    *prometheus.CounterVec
	destroyed *prometheus.CounterVec
	claimed   *prometheus.CounterVec
	recovered *prometheus.CounterVec
	routed    *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking committed ledger events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "events",
				Name:      "total",
				Help:      "Count of committed ledger events segmented by type.",
			}, []string{"type"}),
			destroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "burn",
				Name:      "destroyed_total",
				Help:      "Value destroyed by burn stream drips segmented by asset.",
			}, []string{"asset"}),
			claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "distribution",
				Name:      "claimed_total",
				Help:      "Value paid out by pro-rata claims segmented by target and asset.",
			}, []string{"target", "asset"}),
			recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "distribution",
				Name:      "recovered_total",
				Help:      "Value recovered from zero-weight epochs segmented by target, asset, and path.",
			}, []string{"target", "asset", "path"}),
			routed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tidepool",
				Subsystem: "fees",
				Name:      "routed_total",
				Help:      "Fee inflows segmented by asset and leg.",
			}, []string{"asset", "leg"}),
		}
		prometheus.MustRegister(
			eventRegistry.events,
			eventRegistry.destroyed,
			eventRegistry.claimed,
			eventRegistry.recovered,
			eventRegistry.routed,
		)
	})
	return eventRegistry
}

// Emit implements events.Emitter so the registry can subscribe to committed
// events directly.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.events.WithLabelValues(evt.EventType()).Inc()
	switch e := evt.(type) {
	case events.BurnDripped:
		m.destroyed.WithLabelValues(labelAsset(e.Asset)).Add(bigToFloat(e.Amount))
	case events.DistributionClaimed:
		m.claimed.WithLabelValues(labelTarget(e.Target), labelAsset(e.Asset)).Add(bigToFloat(e.Amount))
	case events.DistributionRefunded:
		m.recovered.WithLabelValues(labelTarget(e.Target), labelAsset(e.Asset), "refund").Add(bigToFloat(e.Amount))
	case events.DistributionSwept:
		m.recovered.WithLabelValues(labelTarget(e.Target), labelAsset(e.Asset), "sweep").Add(bigToFloat(e.Amount))
	case events.FeeRouted:
		m.routed.WithLabelValues(labelAsset(e.Asset), "burn").Add(bigToFloat(e.Burned))
		m.routed.WithLabelValues(labelAsset(e.Asset), "rewards").Add(bigToFloat(e.Rewards))
	}
}

// Destroyed returns the counter tracking destroyed value for asset.
func (m *eventMetrics) Destroyed(asset string) prometheus.Counter {
	return m.destroyed.WithLabelValues(labelAsset(asset))
}

var _ events.Emitter = (*eventMetrics)(nil)
