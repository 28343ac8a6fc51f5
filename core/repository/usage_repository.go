package repository

import (
	"time"

	"pipeline-orchestrator/core/models"
)

// UsageRepository handles the append-only resource usage ledger.
// Ledger rows are never updated or deleted.
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// AppendUsage inserts one immutable ledger row
func (r *UsageRepository) AppendUsage(usage *models.ResourceUsage) error {
	query := `
		INSERT INTO resource_usage (
			resource_type, resource_name, execution_id, stage_id, quantity, unit, cost_usd
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, recorded_at
	`
	return r.db.QueryRow(query,
		usage.ResourceType,
		usage.ResourceName,
		usage.ExecutionID,
		usage.StageID,
		usage.Quantity,
		usage.Unit,
		usage.CostUSD,
	).Scan(&usage.ID, &usage.RecordedAt)
}

// SumUsageSince returns the total quantity consumed from a pool since a cutoff
func (r *UsageRepository) SumUsageSince(resourceType models.ResourceType, resourceName string, since time.Time) (float64, error) {
	var total float64
	err := r.db.QueryRow(`
		SELECT COALESCE(SUM(quantity), 0) FROM resource_usage
		WHERE resource_type = $1 AND resource_name = $2 AND recorded_at >= $3`,
		resourceType, resourceName, since,
	).Scan(&total)
	return total, err
}

// SumCostByExecution returns the total recorded cost of an execution
func (r *UsageRepository) SumCostByExecution(execID string) (float64, error) {
	var total float64
	err := r.db.QueryRow(
		`SELECT COALESCE(SUM(cost_usd), 0) FROM resource_usage WHERE execution_id = $1`,
		execID,
	).Scan(&total)
	return total, err
}

// GetUsageByExecution returns the ledger rows of one execution in record order
func (r *UsageRepository) GetUsageByExecution(execID string) ([]models.ResourceUsage, error) {
	query := `
		SELECT id, resource_type, resource_name, execution_id, stage_id,
			quantity, unit, cost_usd, recorded_at
		FROM resource_usage
		WHERE execution_id = $1
		ORDER BY recorded_at
	`

	rows, err := r.db.Query(query, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usage []models.ResourceUsage
	for rows.Next() {
		var u models.ResourceUsage
		if err := rows.Scan(
			&u.ID,
			&u.ResourceType,
			&u.ResourceName,
			&u.ExecutionID,
			&u.StageID,
			&u.Quantity,
			&u.Unit,
			&u.CostUSD,
			&u.RecordedAt,
		); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}

	return usage, rows.Err()
}
