package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	poolMetricsOnce sync.Once
	poolRegistry    *PoolMetricsRegistry
)

// ModuleMetrics returns the lazily-initialised registry used to record HTTP
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendpool",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by rate limiting.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records a completed API request.
func (m *moduleMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = normalizeLabel(route)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *moduleMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(normalizeLabel(route)).Inc()
}

// PoolMetricsRegistry tracks pool operations and the pool's headline state.
type PoolMetricsRegistry struct {
	operations  *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	nonce       prometheus.Gauge
	appliedRate prometheus.Gauge
	utilization prometheus.Gauge
	totals      *prometheus.GaugeVec
}

// PoolMetrics returns the singleton pool metrics registry.
func PoolMetrics() *PoolMetricsRegistry {
	poolMetricsOnce.Do(func() {
		poolRegistry = &PoolMetricsRegistry{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "operations_total",
				Help:      "Count of pool operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "errors_total",
				Help:      "Count of rejected pool operations segmented by error kind.",
			}, []string{"operation", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for pool operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			nonce: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "params_update_nonce",
				Help:      "Current parameter update nonce.",
			}),
			appliedRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "applied_rate_bps",
				Help:      "Smoothed annualised borrow rate in basis points.",
			}),
			utilization: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "utilization_bps",
				Help:      "Borrowed share of deposits in basis points.",
			}),
			totals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendpool",
				Subsystem: "pool",
				Name:      "totals",
				Help:      "Pool accounting totals in base-asset or share units.",
			}, []string{"field"}),
		}
		prometheus.MustRegister(
			poolRegistry.operations,
			poolRegistry.errors,
			poolRegistry.latency,
			poolRegistry.nonce,
			poolRegistry.appliedRate,
			poolRegistry.utilization,
			poolRegistry.totals,
		)
	})
	return poolRegistry
}

// Observe records one pool operation. kind is the classified error kind and
// is ignored on success.
func (m *PoolMetricsRegistry) Observe(operation string, duration time.Duration, kind string) {
	if m == nil {
		return
	}
	op := normalizeLabel(operation)
	outcome := "success"
	if kind != "" {
		outcome = "error"
		m.errors.WithLabelValues(op, kind).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// PoolSnapshot is the subset of pool state exported as gauges.
type PoolSnapshot struct {
	Nonce             uint64
	AppliedRateBps    uint64
	UtilizationBps    uint64
	TotalDeposits     uint64
	CirculatingShares uint64
	TotalBorrows      uint64
	ProtocolReserves  uint64
}

// SetPool publishes the committed pool state.
func (m *PoolMetricsRegistry) SetPool(s PoolSnapshot) {
	if m == nil {
		return
	}
	m.nonce.Set(float64(s.Nonce))
	m.appliedRate.Set(float64(s.AppliedRateBps))
	m.utilization.Set(float64(s.UtilizationBps))
	m.totals.WithLabelValues("deposits").Set(float64(s.TotalDeposits))
	m.totals.WithLabelValues("shares").Set(float64(s.CirculatingShares))
	m.totals.WithLabelValues("borrows").Set(float64(s.TotalBorrows))
	m.totals.WithLabelValues("reserves").Set(float64(s.ProtocolReserves))
}

func normalizeLabel(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
