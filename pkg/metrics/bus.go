package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BusMetrics contains Prometheus metrics for the message bus clients.
type BusMetrics struct {
	MessagesPublished   *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	ReconnectAttempts   prometheus.Counter
	PublishDuration     *prometheus.HistogramVec
	ConnectionStatus    prometheus.Gauge
	MessagesConsumed    *prometheus.CounterVec
	ConsumptionFailures *prometheus.CounterVec
	ConsumeDuration     *prometheus.HistogramVec
}

// NewBusMetrics creates and registers bus client metrics.
func NewBusMetrics(namespace string) *BusMetrics {
	m := &BusMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "messages_published_total",
				Help:      "Total number of messages published to the bus",
			},
			[]string{"driver"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"driver", "reason"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "publish_duration_seconds",
				Help:      "Duration of publish operations including confirmation",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"driver"},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "messages_consumed_total",
				Help:      "Total number of messages consumed from the bus",
			},
			[]string{"kind"},
		),
		ConsumptionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "consumption_failures_total",
				Help:      "Total number of consumed messages that could not be processed",
			},
			[]string{"kind", "reason"}, // reason: invalid, store, panic
		),
		ConsumeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "consume_duration_seconds",
				Help:      "Duration of handling one consumed message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}

	MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.ReconnectAttempts,
		m.PublishDuration,
		m.ConnectionStatus,
		m.MessagesConsumed,
		m.ConsumptionFailures,
		m.ConsumeDuration,
	)

	return m
}
