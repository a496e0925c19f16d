// Package metrics exposes Prometheus counters and gauges for packet pool
// exhaustion, per-handler session counts, and the idle reaper's
// stuck-session detector.
//
// A plain struct of prometheus.CounterVec/GaugeVec/Histogram fields is
// built in one New(reg prometheus.Registerer) constructor and registered
// there, with nil-receiver-safe recording methods so a caller that never
// wired a Registerer (tests, or metrics disabled in internal/config) can
// still call every method without a nil check at each call site.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every fileserver-wide Prometheus instrument. All metrics use
// the fileserver_ prefix.
type Metrics struct {
	PoolAllocations  *prometheus.CounterVec
	PoolExhausted    *prometheus.CounterVec
	PoolOverSized    prometheus.Counter

	HandlerCount       prometheus.Gauge
	SessionsPerHandler *prometheus.GaugeVec

	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec

	LocksHeld prometheus.Gauge

	ReaperStuckSessions prometheus.Counter
}

// New creates Metrics and registers every instrument against reg. Passing
// nil is valid: every recording method no-ops on a nil *Metrics, so the
// struct is safely skippable when internal/config.MetricsConfig.Enabled is
// false.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		PoolAllocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileserver_pool_allocations_total",
				Help: "Total packet pool allocations by tier",
			},
			[]string{"tier"},
		),
		PoolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileserver_pool_exhausted_total",
				Help: "Total allocations that hit OutOfPooledMemory by tier",
			},
			[]string{"tier"},
		),
		PoolOverSized: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fileserver_pool_oversized_allocations_total",
				Help: "Total allocations that spilled past the largest fixed tier",
			},
		),
		HandlerCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fileserver_request_handlers",
				Help: "Current number of live RequestHandler instances",
			},
		),
		SessionsPerHandler: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fileserver_sessions_per_handler",
				Help: "Current session count for one RequestHandler, keyed by handler id",
			},
			[]string{"handler_id"},
		),
		RPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileserver_rpc_requests_total",
				Help: "Total RPC requests by program and procedure",
			},
			[]string{"program", "procedure"},
		),
		RPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fileserver_rpc_request_duration_seconds",
				Help:    "RPC request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"program", "procedure"},
		),
		LocksHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fileserver_locks_held",
				Help: "Current number of byte-range locks held across all files",
			},
		),
		ReaperStuckSessions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fileserver_reaper_stuck_sessions_total",
				Help: "Total sessions the idle reaper found past the stuck threshold",
			},
		),
	}

	reg.MustRegister(
		m.PoolAllocations,
		m.PoolExhausted,
		m.PoolOverSized,
		m.HandlerCount,
		m.SessionsPerHandler,
		m.RPCRequestsTotal,
		m.RPCRequestDuration,
		m.LocksHeld,
		m.ReaperStuckSessions,
	)

	return m
}

// RecordAllocation records one packet pool allocation for tier.
func (m *Metrics) RecordAllocation(tier string) {
	if m == nil {
		return
	}
	m.PoolAllocations.WithLabelValues(tier).Inc()
}

// RecordExhausted records one OutOfPooledMemory occurrence for tier.
func (m *Metrics) RecordExhausted(tier string) {
	if m == nil {
		return
	}
	m.PoolExhausted.WithLabelValues(tier).Inc()
}

// RecordOverSized records one spill past the largest fixed tier.
func (m *Metrics) RecordOverSized() {
	if m == nil {
		return
	}
	m.PoolOverSized.Inc()
}

// SetHandlerCount updates the live RequestHandler gauge.
func (m *Metrics) SetHandlerCount(n int) {
	if m == nil {
		return
	}
	m.HandlerCount.Set(float64(n))
}

// SetSessionsForHandler updates the per-handler session gauge for handlerID.
func (m *Metrics) SetSessionsForHandler(handlerID string, n int) {
	if m == nil {
		return
	}
	m.SessionsPerHandler.WithLabelValues(handlerID).Set(float64(n))
}

// RecordRPCRequest records one completed RPC call.
func (m *Metrics) RecordRPCRequest(program, procedure string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RPCRequestsTotal.WithLabelValues(program, procedure).Inc()
	m.RPCRequestDuration.WithLabelValues(program, procedure).Observe(durationSeconds)
}

// SetLocksHeld updates the held-lock gauge.
func (m *Metrics) SetLocksHeld(n int) {
	if m == nil {
		return
	}
	m.LocksHeld.Set(float64(n))
}

// RecordStuckSession records one session the idle reaper found stuck past
// its threshold.
func (m *Metrics) RecordStuckSession() {
	if m == nil {
		return
	}
	m.ReaperStuckSessions.Inc()
}
