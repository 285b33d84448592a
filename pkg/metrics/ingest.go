package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the ingestion gateway and the store.
type IngestMetrics struct {
	Submissions         *prometheus.CounterVec
	SubmitDuration      *prometheus.HistogramVec
	DerivationFailures  prometheus.Counter
	StatusUpdates       *prometheus.CounterVec
	DBOperationsTotal   *prometheus.CounterVec
	DBOperationDuration *prometheus.HistogramVec
	DBRetries           *prometheus.CounterVec
	CacheErrors         prometheus.Counter
	RowsPurged          prometheus.Counter
}

// NewIngestMetrics creates and registers ingestion metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "submissions_total",
				Help:      "Total number of ingestion attempts",
			},
			[]string{"transport", "kind", "result"}, // result: accepted, invalid, store_error
		),
		SubmitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "submit_duration_seconds",
				Help:      "Duration from decode to hub publish",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		DerivationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "derivation_failures_total",
				Help:      "Total number of readings stored without a derived metric",
			},
		),
		StatusUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "status_updates_total",
				Help:      "Total number of device status updates",
			},
			[]string{"source", "applied"},
		),
		DBOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "status"},
		),
		DBOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		DBRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "retries_total",
				Help:      "Total number of retried database operations",
			},
			[]string{"operation"},
		),
		CacheErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "errors_total",
				Help:      "Total number of failed recent-cache operations",
			},
		),
		RowsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "rows_purged_total",
				Help:      "Total number of readings removed by the retention sweep",
			},
		),
	}

	MustRegister(
		m.Submissions,
		m.SubmitDuration,
		m.DerivationFailures,
		m.StatusUpdates,
		m.DBOperationsTotal,
		m.DBOperationDuration,
		m.DBRetries,
		m.CacheErrors,
		m.RowsPurged,
	)

	return m
}
