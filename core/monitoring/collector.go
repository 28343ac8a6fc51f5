package monitoring

import (
	"context"
	"time"

	"pipeline-orchestrator/core/models"

	"go.uber.org/zap"
)

// QueueStatsSource provides queue depth snapshots
type QueueStatsSource interface {
	GetQueueStats() (*models.QueueStats, error)
}

// WorkerHealthSource provides the coordinator's worker health view
type WorkerHealthSource interface {
	WorkerNames() []string
	Health(name string) models.WorkerHealth
}

// PoolUtilizationSource provides resource pool utilization fractions
type PoolUtilizationSource interface {
	Utilization(ctx context.Context) map[string]float64
}

// Collector samples gauge-style metrics on a fixed interval
type Collector struct {
	metrics  *Metrics
	queue    QueueStatsSource
	workers  WorkerHealthSource
	pools    PoolUtilizationSource
	logger   *zap.Logger
	stopChan chan struct{}
}

// NewCollector creates a metrics collector
func NewCollector(metrics *Metrics, queue QueueStatsSource, workers WorkerHealthSource, pools PoolUtilizationSource, logger *zap.Logger) *Collector {
	return &Collector{
		metrics:  metrics,
		queue:    queue,
		workers:  workers,
		pools:    pools,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the sampling loop
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.sample(ctx)
		}
	}
}

// Stop stops the sampling loop
func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) sample(ctx context.Context) {
	stats, err := c.queue.GetQueueStats()
	if err != nil {
		c.logger.Warn("queue stats sample failed", zap.Error(err))
	} else {
		c.metrics.QueueDepth.WithLabelValues("queued").Set(float64(stats.Queued))
		c.metrics.QueueDepth.WithLabelValues("ready").Set(float64(stats.Ready))
		c.metrics.QueueDepth.WithLabelValues("blocked").Set(float64(stats.Blocked))
		c.metrics.QueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	}

	for _, name := range c.workers.WorkerNames() {
		healthy := 0.0
		if c.workers.Health(name) == models.WorkerHealthy {
			healthy = 1.0
		}
		c.metrics.WorkerHealthGauge.WithLabelValues(name).Set(healthy)
	}

	for pool, utilization := range c.pools.Utilization(ctx) {
		resourceType, resourceName := splitPoolKey(pool)
		c.metrics.PoolUtilization.WithLabelValues(resourceType, resourceName).Set(utilization)
	}
}

func splitPoolKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// ObserveExecution folds one finished execution into the counters.
// Satisfies the queue manager's observer hook.
func (m *Metrics) ObserveExecution(clientID, template string, status models.ExecutionStatus, totalTimeMs int64, costUSD float64) {
	m.ExecutionsTotal.WithLabelValues(template, string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(template).Observe(float64(totalTimeMs) / 1000)
	if costUSD > 0 {
		m.ExecutionCostUSD.WithLabelValues(clientID, template).Add(costUSD)
	}
}
