package txlog

import "github.com/prometheus/client_golang/prometheus"

var (
	recordsWrittenCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xalog",
			Subsystem: "journal",
			Name:      "records_written_total",
			Help:      "Counter of recovery records appended, by transaction status.",
		}, []string{"status"})

	recordBytesHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "xalog",
			Subsystem: "journal",
			Name:      "record_bytes",
			Help:      "Size of encoded transaction archives.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
		})

	recordsRecoveredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xalog",
			Subsystem: "journal",
			Name:      "records_recovered_total",
			Help:      "Counter of records decoded during recovery.",
		})

	recordsIndeterminateCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xalog",
			Subsystem: "journal",
			Name:      "records_indeterminate_total",
			Help:      "Counter of records that could not be decoded during recovery.",
		})
)

func init() {
	prometheus.MustRegister(recordsWrittenCounter)
	prometheus.MustRegister(recordBytesHistogram)
	prometheus.MustRegister(recordsRecoveredCounter)
	prometheus.MustRegister(recordsIndeterminateCounter)
}
