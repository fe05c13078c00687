package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection and test outcomes
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dettest_detections_total",
			Help: "Total number of detections completed, by outcome",
		},
		[]string{"outcome"},
	)

	TestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dettest_tests_total",
			Help: "Total number of tests completed, by outcome",
		},
		[]string{"outcome"},
	)

	TestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dettest_test_duration_seconds",
			Help:    "Wall clock duration of a test including ingestion and cleanup",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Search metrics
	SearchAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dettest_search_attempts_total",
			Help: "Total number of detection searches submitted, retries included",
		},
	)

	SearchErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dettest_search_errors_total",
			Help: "Total number of searches that could not be executed",
		},
	)

	RetrySleepSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dettest_retry_sleep_seconds_total",
			Help: "Total time spent sleeping between search retries",
		},
	)

	// Ingestion metrics
	IngestBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dettest_ingest_bytes_total",
			Help: "Total bytes of attack data sent to ingestion endpoints",
		},
	)

	IngestErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dettest_ingest_errors_total",
			Help: "Total number of failed ingestion requests",
		},
	)

	AckWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dettest_ack_wait_seconds",
			Help:    "Time spent waiting for ingestion acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cleanup metrics
	DeleteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dettest_delete_duration_seconds",
			Help:    "Time spent deleting replayed attack data",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeleteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dettest_delete_failures_total",
			Help: "Total number of delete-by-query operations that did not converge",
		},
	)

	// Instance metrics
	InstanceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dettest_instance_state",
			Help: "Current lifecycle state of each instance (0=stopped 1=starting 2=running 3=stopping 4=error)",
		},
		[]string{"instance"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dettest_queue_depth",
			Help: "Number of detections waiting for a worker",
		},
	)
)

// Outcome maps a pass/fail flag to a metric label.
func Outcome(success bool) string {
	if success {
		return "pass"
	}
	return "fail"
}
