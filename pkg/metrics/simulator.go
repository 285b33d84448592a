package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the device simulator.
type SimulatorMetrics struct {
	MessagesSent     *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	SendDuration     *prometheus.HistogramVec
	SimulatedDevices prometheus.Gauge
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "messages_sent_total",
				Help:      "Total number of simulated messages sent",
			},
			[]string{"kind"}, // kind: sensor_data, heartbeat, status
		),
		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "send_failures_total",
				Help:      "Total number of simulated messages that could not be sent",
			},
			[]string{"kind", "mode"},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "send_duration_seconds",
				Help:      "Duration of a single simulated send",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		SimulatedDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "devices",
				Help:      "Number of simulated devices",
			},
		),
	}

	MustRegister(
		m.MessagesSent,
		m.SendFailures,
		m.SendDuration,
		m.SimulatedDevices,
	)

	return m
}
