package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	transfers *prometheus.CounterVec
	published *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking pool events and transfers.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of applied transfer instructions segmented by asset.",
			}, []string{"asset"}),
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of journaled pool events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.transfers, eventRegistry.published)
	})
	return eventRegistry
}

// RecordTransfer increments the transfer counter for assetID.
func (m *eventMetrics) RecordTransfer(assetID uint64) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(strconv.FormatUint(assetID, 10)).Inc()
}

// RecordEvent increments the published counter for an event type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(eventType)).Inc()
}
