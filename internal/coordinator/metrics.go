package coordinator

import "github.com/prometheus/client_golang/prometheus"

// Lease outcome label values.
const (
	outcomeLeased   = "leased"
	outcomeFinished = "finished"
	outcomeExpired  = "expired"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
)

var (
	tasksGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_coordinator_tasks",
			Help: "Number of tasks currently registered with the coordinator.",
		},
	)

	leasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_coordinator_leases_total",
			Help: "Subtask lease events by outcome.",
		},
		[]string{"outcome"},
	)

	tasksExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_coordinator_tasks_expired_total",
			Help: "Total number of tasks discarded because their TTL ran out.",
		},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmesh_coordinator_sweep_seconds",
			Help:    "Duration of a TTL sweep, in seconds.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)
)

func init() {
	prometheus.MustRegister(tasksGauge)
	prometheus.MustRegister(leasesTotal)
	prometheus.MustRegister(tasksExpiredTotal)
	prometheus.MustRegister(sweepDuration)

	for _, o := range []string{outcomeLeased, outcomeFinished, outcomeExpired, outcomeFailed, outcomeRejected} {
		leasesTotal.WithLabelValues(o)
	}
}
