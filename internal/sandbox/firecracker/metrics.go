package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Job outcome label values.
const (
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusKilled    = "killed"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmesh_firecracker_vm_boot_seconds",
			Help:    "Duration from VM start to guest agent ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_firecracker_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmesh_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VM stop and network teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_firecracker_jobs_total",
			Help: "Jobs run inside Firecracker microVMs by image and outcome.",
		},
		[]string{"image", "status"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(jobsTotal)
}
