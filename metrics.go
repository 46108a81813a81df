package jobcoord

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcoord_jobs_processed_total",
		Help: "Total number of successfully processed jobs",
	}, []string{"queue"})
	jobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcoord_jobs_failed_total",
		Help: "Total number of terminally failed jobs",
	}, []string{"queue"})
	jobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcoord_jobs_retried_total",
		Help: "Total number of job attempts scheduled for retry",
	}, []string{"queue"})
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobcoord_workers",
		Help: "Current number of registered workers",
	})
	lockAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobcoord_lock_acquired_total",
		Help: "Total number of successful lock acquisitions",
	})
	lockContended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobcoord_lock_contended_total",
		Help: "Total number of lock acquisitions refused because the lock was held",
	})
	lockErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobcoord_lock_errors_total",
		Help: "Total number of lock operations degraded by store errors",
	})
)

// RegisterCoreMetrics registers the library's collectors on the provided
// registry. Call once per process; duplicate registration panics, as usual
// with Prometheus.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(jobsProcessed, jobsFailed, jobsRetried, activeWorkers, lockAcquired, lockContended, lockErrors)
}
