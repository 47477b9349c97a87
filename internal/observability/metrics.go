package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Core metrics exposed on /metrics.
var (
	JobsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genbot_jobs_admitted_total",
		Help: "Jobs that passed all admission gates.",
	})
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "genbot_jobs_processed_total",
		Help: "Jobs that reached a terminal state, by status.",
	}, []string{"status"})
	RefundsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genbot_refunds_issued_total",
		Help: "Refund ledger rows written.",
	})
	PaymentsSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genbot_payments_settled_total",
		Help: "Payments settled through the verified path.",
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "genbot_queue_depth",
		Help: "Approximate task queue length at last observation.",
	})
	GPUActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "genbot_gpu_active_jobs",
		Help: "GPU slots in use at last sweep.",
	})
)

var metricsOnce sync.Once

// InitMetrics registers all Prometheus metrics once per process.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			JobsAdmitted,
			JobsProcessed,
			RefundsIssued,
			PaymentsSettled,
			QueueDepth,
			GPUActiveJobs,
		)
	})
}
