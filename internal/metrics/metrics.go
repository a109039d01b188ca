// Package metrics exposes pipeline telemetry in Prometheus format.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	BlockedSyscalls *prometheus.CounterVec
	Uptime          prometheus.Gauge
	Events          prometheus.Counter
	Unexpected      prometheus.Counter
	EventsLost      *prometheus.CounterVec
	DrainErrors     *prometheus.CounterVec
	DroppedPackets  prometheus.Gauge
	AttachedProbes  prometheus.Gauge
}

// New registers the metric set.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		started:  time.Now(),

		BlockedSyscalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_blocked_syscalls_total",
				Help: "Total number of blocked syscalls by type",
			},
			[]string{"syscall"},
		),
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lock_uptime_seconds",
				Help: "Time since the probes were attached",
			},
		),
		Events: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lock_events_total",
				Help: "Events decoded from the per-CPU channels",
			},
		),
		Unexpected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lock_unexpected_events_total",
				Help: "Events carrying a syscall that is not monitored",
			},
		),
		EventsLost: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_events_lost_total",
				Help: "Records dropped because a CPU channel was full",
			},
			[]string{"cpu"},
		),
		DrainErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lock_drain_errors_total",
				Help: "Per-CPU drains that stopped on an error",
			},
			[]string{"cpu"},
		),
		DroppedPackets: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lock_dropped_packets",
				Help: "Packets dropped by the packet handler",
			},
		),
		AttachedProbes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lock_attached_probes",
				Help: "Number of attached probes",
			},
		),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CPU formats a cpu label value.
func CPU(cpu int) string {
	return strconv.Itoa(cpu)
}

func (m *Metrics) updateUptime(now time.Time) {
	m.Uptime.Set(now.Sub(m.started).Seconds())
}
