package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

const namespace = "hostswap"

// Metric keys reported by the protocol packages.
const (
	MetricDeltasTotal          = "ownership_deltas_total"
	MetricPrimaryDeltasTotal   = "ownership_primary_deltas_total"
	MetricRecordedObjects      = "ownership_recorded_objects"
	MetricIdentities           = "identity_tokens"
	MetricLiveConnections      = "live_connections"
	MetricDuplicateRegistered  = "identity_duplicate_registrations_total"
	MetricPendingDescriptors   = "rehydrate_pending_descriptors"
	MetricRehydratedTotal      = "rehydrate_applied_total"
	MetricRehydrateFailedTotal = "rehydrate_failed_total"
	MetricPendingEvictedTotal  = "rehydrate_evicted_total"
	MetricCapturedObjects      = "snapshot_captured_objects"
	MetricTickDurationMicros   = "tick_duration_micros"
	MetricTicksTotal           = "ticks_total"
	MetricCommandDropsTotal    = "tick_command_drops_total"
	MetricCommandQueueDepth    = "tick_command_queue_depth"
	MetricCommandSpilledTotal  = "tick_command_spilled_total"
	MetricBroadcastBytesTotal  = "transport_broadcast_bytes_total"
	MetricSendFailuresTotal    = "transport_send_failures_total"
	MetricLogDroppedTotal      = "log_events_dropped_total"
)

// Prometheus registers counters and gauges lazily, one per key.
type Prometheus struct {
	registerer prometheus.Registerer
	counters   *xsync.MapOf[string, prometheus.Counter]
	gauges     *xsync.MapOf[string, prometheus.Gauge]
}

// NewPrometheus builds a Metrics implementation that registers with reg. A
// nil registerer uses the default registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		registerer: reg,
		counters:   xsync.NewMapOf[string, prometheus.Counter](),
		gauges:     xsync.NewMapOf[string, prometheus.Gauge](),
	}
}

// Add implements Metrics.
func (p *Prometheus) Add(key string, delta uint64) {
	if p == nil || key == "" {
		return
	}
	counter, _ := p.counters.LoadOrCompute(key, func() prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: key})
		return register(p.registerer, c).(prometheus.Counter)
	})
	counter.Add(float64(delta))
}

// Store implements Metrics.
func (p *Prometheus) Store(key string, value uint64) {
	if p == nil || key == "" {
		return
	}
	gauge, _ := p.gauges.LoadOrCompute(key, func() prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: key})
		return register(p.registerer, g).(prometheus.Gauge)
	})
	gauge.Set(float64(value))
}

// register returns the already-registered collector when the same metric was
// registered by another Prometheus instance sharing the registry.
func register(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector
		}
	}
	return c
}
