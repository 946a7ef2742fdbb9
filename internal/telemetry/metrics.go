package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var ReservationsAdmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "reservations",
		Name:      "admitted_total",
		Help:      "Total number of reservations admitted by GPU type.",
	},
	[]string{"gpu_type"},
)

var ReservationsFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "reservations",
		Name:      "failed_total",
		Help:      "Total number of reservations that ended in failed, by reason class.",
	},
	[]string{"reason"},
)

var ReservationsExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "reservations",
		Name:      "expired_total",
		Help:      "Total number of reservations reclaimed at expiry.",
	},
)

var QueueMessagesProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "queue",
		Name:      "messages_processed_total",
		Help:      "Total number of queue messages processed by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

var QueueMessageProcessingDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gpuctl",
		Subsystem: "queue",
		Name:      "message_processing_duration_seconds",
		Help:      "Time to dispatch and handle one queue message.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"kind"},
)

var AvailabilityTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "gpuctl",
		Subsystem: "availability",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one availability tracker tick.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
)

var AvailabilityTickLastSuccess = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gpuctl",
		Subsystem: "availability",
		Name:      "tick_last_success_unixtime",
		Help:      "Unix timestamp of the last successful availability tick.",
	},
)

var SweeperWarningsSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "sweeper",
		Name:      "warnings_sent_total",
		Help:      "Total number of expiry warnings written into sandboxes, by minute threshold.",
	},
	[]string{"minutes"},
)

var SweeperStuckReclaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "sweeper",
		Name:      "stuck_reclaimed_total",
		Help:      "Total number of reservations reclaimed from a stuck preparing/queued state.",
	},
	[]string{"from_status"},
)

var DiskReconcileActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gpuctl",
		Subsystem: "disks",
		Name:      "reconcile_actions_total",
		Help:      "Total number of disk reconciliation actions, by action type.",
	},
	[]string{"action"},
)

// All returns every gpuctl metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ReservationsAdmittedTotal,
		ReservationsFailedTotal,
		ReservationsExpiredTotal,
		QueueMessagesProcessedTotal,
		QueueMessageProcessingDuration,
		AvailabilityTickDuration,
		AvailabilityTickLastSuccess,
		SweeperWarningsSentTotal,
		SweeperStuckReclaimedTotal,
		DiskReconcileActionsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and every gpuctl-specific collector.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
