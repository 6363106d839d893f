package listener

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics bundles the Prometheus collectors the container updates over
// its lifetime. Most are partition-labeled so a single container instance
// consuming many partitions exposes per-partition detail; the assigned
// and paused partition counts are plain gauges.
type metrics struct {
	recordsConsumedTotal  *prometheus.CounterVec
	recordsFailedTotal    *prometheus.CounterVec
	commitsTotal          *prometheus.CounterVec
	commitFailuresTotal   *prometheus.CounterVec
	handlerDuration       *prometheus.HistogramVec
	lag                   *prometheus.GaugeVec
	assignedPartitions    prometheus.Gauge
	pausedPartitions      prometheus.Gauge
	rebalancesTotal       *prometheus.CounterVec
	retriesExhaustedTotal *prometheus.CounterVec
}

func newMetrics(namespace, subsystem string, reg prometheus.Registerer) *metrics {
	return &metrics{
		recordsConsumedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_consumed_total",
			Help:      "Total number of records successfully handed to the listener.",
		}, []string{"topic", "partition"}),
		recordsFailedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_failed_total",
			Help:      "Total number of records whose handler invocation returned an error, counted before the error handler runs.",
		}, []string{"topic", "partition"}),
		commitsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commits_total",
			Help:      "Total number of offset commits sent to Kafka.",
		}, []string{"topic", "partition"}),
		commitFailuresTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commit_failures_total",
			Help:      "Total number of offset commits that failed.",
		}, []string{"topic", "partition"}),
		handlerDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_duration_seconds",
			Help:      "Time spent inside the listener's handling code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic", "partition"}),
		lag: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "partition_lag",
			Help:      "Difference between the partition's high watermark and the last committed offset.",
		}, []string{"topic", "partition"}),
		assignedPartitions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "assigned_partitions",
			Help:      "Number of partitions currently assigned to this container.",
		}),
		pausedPartitions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "paused_partitions",
			Help:      "Number of partitions currently paused.",
		}),
		rebalancesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rebalances_total",
			Help:      "Total number of rebalance callbacks handled, by kind.",
		}, []string{"kind"}),
		retriesExhaustedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_exhausted_total",
			Help:      "Total number of records for which the error handler exhausted its retry budget.",
		}, []string{"topic", "partition"}),
	}
}
