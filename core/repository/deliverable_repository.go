package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pipeline-orchestrator/core/models"

	"github.com/google/uuid"
)

// DeliverableRepository catalogs final pipeline outputs
type DeliverableRepository struct {
	db *DB
}

// NewDeliverableRepository creates a new deliverable repository
func NewDeliverableRepository(db *DB) *DeliverableRepository {
	return &DeliverableRepository{db: db}
}

// CreateDeliverable records a deliverable catalog row
func (r *DeliverableRepository) CreateDeliverable(d *models.DeliverableRecord) error {
	ref, err := json.Marshal(d.Reference)
	if err != nil {
		return fmt.Errorf("marshal reference: %w", err)
	}

	id := uuid.New()
	now := time.Now()

	_, err = r.db.Exec(`
		INSERT INTO deliverables (id, execution_id, name, type, format, mime_type, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, d.ExecutionID, d.Name, d.Type, d.Format, d.MIMEType, ref, now,
	)
	if err != nil {
		return err
	}

	d.ID = id.String()
	d.CreatedAt = now
	return nil
}

// GetDeliverablesByExecution lists the deliverables of one execution
func (r *DeliverableRepository) GetDeliverablesByExecution(execID string) ([]models.DeliverableRecord, error) {
	rows, err := r.db.Query(`
		SELECT id, execution_id, name, type, format, mime_type, reference, created_at
		FROM deliverables
		WHERE execution_id = $1
		ORDER BY created_at`, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DeliverableRecord
	for rows.Next() {
		var d models.DeliverableRecord
		var ref []byte
		if err := rows.Scan(&d.ID, &d.ExecutionID, &d.Name, &d.Type, &d.Format, &d.MIMEType, &ref, &d.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(ref, &d.Reference); err != nil {
			return nil, fmt.Errorf("unmarshal reference: %w", err)
		}
		out = append(out, d)
	}

	return out, rows.Err()
}

// GetLatestDeliverable returns the most recent deliverable of an execution
func (r *DeliverableRepository) GetLatestDeliverable(execID string) (*models.DeliverableRecord, error) {
	var d models.DeliverableRecord
	var ref []byte
	err := r.db.QueryRow(`
		SELECT id, execution_id, name, type, format, mime_type, reference, created_at
		FROM deliverables
		WHERE execution_id = $1
		ORDER BY created_at DESC LIMIT 1`, execID,
	).Scan(&d.ID, &d.ExecutionID, &d.Name, &d.Type, &d.Format, &d.MIMEType, &ref, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no deliverable for execution %s", execID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ref, &d.Reference); err != nil {
		return nil, fmt.Errorf("unmarshal reference: %w", err)
	}
	return &d, nil
}
