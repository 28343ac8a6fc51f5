package repository

import (
	"database/sql"
	"time"

	"pipeline-orchestrator/core/models"

	"github.com/google/uuid"
)

// AllocationRepository handles database operations for resource allocations
type AllocationRepository struct {
	db *DB
}

// NewAllocationRepository creates a new allocation repository
func NewAllocationRepository(db *DB) *AllocationRepository {
	return &AllocationRepository{db: db}
}

// CreateAllocation creates a reservation row
func (r *AllocationRepository) CreateAllocation(alloc *models.ResourceAllocation) error {
	query := `
		INSERT INTO resource_allocations (
			id, execution_id, resource_type, resource_name, quantity, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	allocID := uuid.New()
	now := time.Now()
	if alloc.Status == "" {
		alloc.Status = models.AllocationStatusReserved
	}

	_, err := r.db.Exec(query,
		allocID,
		alloc.ExecutionID,
		alloc.ResourceType,
		alloc.ResourceName,
		alloc.Quantity,
		alloc.Status,
		now,
		alloc.ExpiresAt,
	)
	if err != nil {
		return err
	}

	alloc.ID = allocID.String()
	alloc.CreatedAt = now
	return nil
}

// Activate marks reserved allocations as in-use. Already-active rows are
// left untouched, so the call is idempotent.
func (r *AllocationRepository) Activate(allocationIDs []string) error {
	for _, id := range allocationIDs {
		_, err := r.db.Exec(
			`UPDATE resource_allocations SET status = $1 WHERE id = $2 AND status = $3`,
			models.AllocationStatusActive, id, models.AllocationStatusReserved,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Release marks allocations released. A second release of the same id is a
// no-op because only reserved/active rows match.
func (r *AllocationRepository) Release(allocationIDs []string) error {
	for _, id := range allocationIDs {
		_, err := r.db.Exec(`
			UPDATE resource_allocations
			SET status = $1, released_at = NOW()
			WHERE id = $2 AND status IN ($3, $4)`,
			models.AllocationStatusReleased, id,
			models.AllocationStatusReserved, models.AllocationStatusActive,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReleaseByExecution releases every live allocation of one execution
func (r *AllocationRepository) ReleaseByExecution(execID string) error {
	_, err := r.db.Exec(`
		UPDATE resource_allocations
		SET status = $1, released_at = NOW()
		WHERE execution_id = $2 AND status IN ($3, $4)`,
		models.AllocationStatusReleased, execID,
		models.AllocationStatusReserved, models.AllocationStatusActive,
	)
	return err
}

// ExpireStale transitions live allocations past their expiry to expired and
// returns the affected rows so availability caches can be invalidated.
func (r *AllocationRepository) ExpireStale() ([]models.ResourceAllocation, error) {
	query := `
		UPDATE resource_allocations
		SET status = $1
		WHERE status IN ($2, $3) AND expires_at < NOW()
		RETURNING id, execution_id, resource_type, resource_name, quantity
	`

	rows, err := r.db.Query(query,
		models.AllocationStatusExpired,
		models.AllocationStatusReserved,
		models.AllocationStatusActive,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []models.ResourceAllocation
	for rows.Next() {
		var a models.ResourceAllocation
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.ResourceType, &a.ResourceName, &a.Quantity); err != nil {
			return nil, err
		}
		a.Status = models.AllocationStatusExpired
		expired = append(expired, a)
	}

	return expired, rows.Err()
}

// SumReserved returns the quantity currently held against a pool by live allocations
func (r *AllocationRepository) SumReserved(resourceType models.ResourceType, resourceName string) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT SUM(quantity) FROM resource_allocations
		WHERE resource_type = $1 AND resource_name = $2 AND status IN ($3, $4)`,
		resourceType, resourceName,
		models.AllocationStatusReserved, models.AllocationStatusActive,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// GetAllocationsByExecution retrieves all allocations for an execution
func (r *AllocationRepository) GetAllocationsByExecution(execID string) ([]models.ResourceAllocation, error) {
	query := `
		SELECT id, execution_id, resource_type, resource_name, quantity, status,
			created_at, expires_at, released_at
		FROM resource_allocations
		WHERE execution_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.Query(query, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []models.ResourceAllocation
	for rows.Next() {
		var a models.ResourceAllocation
		var releasedAt sql.NullTime
		err := rows.Scan(
			&a.ID,
			&a.ExecutionID,
			&a.ResourceType,
			&a.ResourceName,
			&a.Quantity,
			&a.Status,
			&a.CreatedAt,
			&a.ExpiresAt,
			&releasedAt,
		)
		if err != nil {
			return nil, err
		}
		if releasedAt.Valid {
			a.ReleasedAt = &releasedAt.Time
		}
		allocs = append(allocs, a)
	}

	return allocs, rows.Err()
}
