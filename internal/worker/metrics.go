package worker

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSucceeded   = "succeeded"
	outcomeFailed      = "failed"
	outcomeUndelivered = "undelivered"
)

var (
	unitsLeased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_worker_units_leased_total",
			Help: "Total number of units leased by the local worker.",
		},
	)

	unitsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_worker_units_completed_total",
			Help: "Total number of units finished by the local worker, by outcome.",
		},
		[]string{"outcome"},
	)

	busySlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_worker_busy_slots",
			Help: "Number of worker slots currently running a unit.",
		},
	)
)

func init() {
	prometheus.MustRegister(unitsLeased, unitsCompleted, busySlots)
}
