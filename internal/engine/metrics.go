package engine

import "github.com/prometheus/client_golang/prometheus"

// Run outcome label values.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeTimedOut  = "timed_out"
	outcomeNoImage   = "no_image"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_engine_runs_total",
			Help: "Sandboxed unit runs by outcome.",
		},
		[]string{"outcome"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmesh_engine_run_seconds",
			Help:    "Wall-clock duration of sandboxed unit runs, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_engine_active_runs",
			Help: "Units currently running in a sandbox.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(activeRuns)
}
