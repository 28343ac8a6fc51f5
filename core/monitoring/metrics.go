package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the orchestrator's Prometheus instruments. Cost
// visibility per client and template is the primary dashboard input.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionCostUSD  *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	PoolUtilization   *prometheus.GaugeVec
	WorkerHealthGauge *prometheus.GaugeVec
}

// NewMetrics registers the orchestrator metrics with a registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_executions_total",
			Help: "Pipeline executions by template and terminal status",
		}, []string{"template", "status"}),

		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_execution_duration_seconds",
			Help:    "Wall-clock duration of pipeline executions",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"template"}),

		ExecutionCostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_execution_cost_usd_total",
			Help: "Accumulated execution cost by client and template",
		}, []string{"client_id", "template"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Queue items by status",
		}, []string{"status"}),

		PoolUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "resource_pool_utilization",
			Help: "Fraction of a resource pool consumed or reserved",
		}, []string{"resource_type", "resource_name"}),

		WorkerHealthGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_healthy",
			Help: "1 when a worker is healthy, 0 otherwise",
		}, []string{"worker"}),
	}
}
