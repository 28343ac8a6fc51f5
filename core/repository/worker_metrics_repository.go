package repository

import (
	"time"

	"pipeline-orchestrator/core/models"
)

// WorkerMetricsRepository maintains the per-(worker, day) rolling aggregates
type WorkerMetricsRepository struct {
	db *DB
}

// NewWorkerMetricsRepository creates a new worker metrics repository
func NewWorkerMetricsRepository(db *DB) *WorkerMetricsRepository {
	return &WorkerMetricsRepository{db: db}
}

// RecordInvocation upserts one invocation into today's aggregate for a worker
func (r *WorkerMetricsRepository) RecordInvocation(workerName string, executionTimeMs int64, success bool, costUSD float64) error {
	successInc := 0
	failureInc := 0
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}

	query := `
		INSERT INTO worker_metrics (
			worker_name, date, execution_count, success_count, failure_count,
			min_time_ms, max_time_ms, total_time_ms, total_cost_usd
		) VALUES ($1, CURRENT_DATE, 1, $2, $3, $4, $4, $4, $5)
		ON CONFLICT (worker_name, date) DO UPDATE SET
			execution_count = worker_metrics.execution_count + 1,
			success_count = worker_metrics.success_count + $2,
			failure_count = worker_metrics.failure_count + $3,
			min_time_ms = LEAST(worker_metrics.min_time_ms, $4),
			max_time_ms = GREATEST(worker_metrics.max_time_ms, $4),
			total_time_ms = worker_metrics.total_time_ms + $4,
			total_cost_usd = worker_metrics.total_cost_usd + $5
	`

	_, err := r.db.Exec(query, workerName, successInc, failureInc, executionTimeMs, costUSD)
	return err
}

// GetMetrics returns the aggregate for a worker on a given day
func (r *WorkerMetricsRepository) GetMetrics(workerName string, date time.Time) (*models.WorkerMetrics, error) {
	query := `
		SELECT worker_name, date, execution_count, success_count, failure_count,
			min_time_ms, max_time_ms, total_time_ms, total_cost_usd
		FROM worker_metrics
		WHERE worker_name = $1 AND date = $2
	`

	var m models.WorkerMetrics
	var totalTimeMs int64
	err := r.db.QueryRow(query, workerName, date.Format("2006-01-02")).Scan(
		&m.WorkerName,
		&m.Date,
		&m.ExecutionCount,
		&m.SuccessCount,
		&m.FailureCount,
		&m.MinTimeMs,
		&m.MaxTimeMs,
		&totalTimeMs,
		&m.TotalCostUSD,
	)
	if err != nil {
		return nil, err
	}

	if m.ExecutionCount > 0 {
		m.AvgTimeMs = totalTimeMs / int64(m.ExecutionCount)
		m.ErrorRate = float64(m.FailureCount) / float64(m.ExecutionCount)
	}

	return &m, nil
}
