// Package metrics exposes run-level Prometheus instrumentation for the
// Manager and Worker, adapted from pkg/metrics/metrics.go's
// gauge/counter registry and Handler() shape.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth reports the size of remaining by run.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcc_queue_remaining",
			Help: "Number of unclaimed work items by run",
		},
		[]string{"run"},
	)

	// PointsInProgress reports the total number of items currently
	// claimed by some worker, by run.
	PointsInProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcc_points_in_progress",
			Help: "Number of items currently claimed by a worker, by run",
		},
		[]string{"run"},
	)

	// PointsCompletedTotal counts completions observed by the Manager.
	PointsCompletedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcc_points_completed",
			Help: "Number of completed work items by run",
		},
		[]string{"run"},
	)

	// WorkersStalledTotal counts stall evictions performed by the Manager.
	WorkersStalledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcc_workers_stalled_total",
			Help: "Total number of workers evicted for stalling, by run",
		},
		[]string{"run"},
	)

	// WorkersLaunchedTotal counts successful CF launches.
	WorkersLaunchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcc_workers_launched_total",
			Help: "Total number of worker instances launched, by run",
		},
		[]string{"run"},
	)

	// QuotaRejectionsTotal counts CF quota errors observed on launch.
	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcc_quota_rejections_total",
			Help: "Total number of Cloud Fleet quota rejections, by run",
		},
		[]string{"run"},
	)

	// AggregationStatus is 1 while aggregation is in flight, 0 otherwise.
	AggregationStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcc_aggregation_in_progress",
			Help: "Whether the aggregator is currently running, by run",
		},
		[]string{"run"},
	)

	// EntryPointFailuresTotal counts non-zero user entry-point exits.
	EntryPointFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcc_entry_point_failures_total",
			Help: "Total number of non-zero user entry-point exits, by run",
		},
		[]string{"run"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(PointsInProgress)
	prometheus.MustRegister(PointsCompletedTotal)
	prometheus.MustRegister(WorkersStalledTotal)
	prometheus.MustRegister(WorkersLaunchedTotal)
	prometheus.MustRegister(QuotaRejectionsTotal)
	prometheus.MustRegister(AggregationStatus)
	prometheus.MustRegister(EntryPointFailuresTotal)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
