package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HubMetrics contains Prometheus metrics for live fan-out.
type HubMetrics struct {
	ActiveSubscribers   prometheus.Gauge
	EventsPublished     *prometheus.CounterVec
	OverflowDisconnects prometheus.Counter
	DrainTimeouts       prometheus.Counter
}

// NewHubMetrics creates and registers hub metrics.
func NewHubMetrics(namespace string) *HubMetrics {
	m := &HubMetrics{
		ActiveSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "active_subscribers",
				Help:      "Number of live subscribers currently receiving events",
			},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "events_published_total",
				Help:      "Total number of events published to the hub",
			},
			[]string{"type"},
		),
		OverflowDisconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "overflow_disconnects_total",
				Help:      "Total number of subscribers disconnected for falling behind",
			},
		),
		DrainTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "drain_timeouts_total",
				Help:      "Total number of draining subscribers force-closed",
			},
		),
	}

	MustRegister(
		m.ActiveSubscribers,
		m.EventsPublished,
		m.OverflowDisconnects,
		m.DrainTimeouts,
	)

	return m
}
