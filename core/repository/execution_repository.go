package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pipeline-orchestrator/core/models"

	"github.com/google/uuid"
)

// ExecutionRepository handles database operations for pipeline executions
type ExecutionRepository struct {
	db *DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// CreateExecution creates a new pipeline execution in the database
func (r *ExecutionRepository) CreateExecution(exec *models.PipelineExecution) error {
	query := `
		INSERT INTO pipeline_executions (
			id, client_id, template_name, parameters, status, priority, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	execID := uuid.New()
	if exec.ID != "" {
		var err error
		execID, err = uuid.Parse(exec.ID)
		if err != nil {
			return err
		}
	}

	params, err := json.Marshal(exec.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	now := time.Now()
	if exec.Status == "" {
		exec.Status = models.ExecutionStatusPending
	}
	if exec.Priority == "" {
		exec.Priority = models.PriorityNormal
	}

	_, err = r.db.Exec(query,
		execID,
		exec.ClientID,
		exec.TemplateName,
		params,
		exec.Status,
		exec.Priority,
		now,
		now,
	)
	if err != nil {
		return err
	}

	exec.ID = execID.String()
	exec.CreatedAt = now

	return r.CreateEvent(exec.ID, nil, exec.Status, "execution_created", nil)
}

// GetExecution retrieves an execution by ID
func (r *ExecutionRepository) GetExecution(id string) (*models.PipelineExecution, error) {
	query := `
		SELECT id, client_id, template_name, parameters, status, priority,
			total_cost_usd, total_time_ms, error_message, checkpoint_data,
			created_at, started_at, completed_at
		FROM pipeline_executions
		WHERE id = $1
	`

	var exec models.PipelineExecution
	var params []byte
	var errorMessage sql.NullString
	var checkpoint []byte
	var startedAt, completedAt sql.NullTime

	err := r.db.QueryRow(query, id).Scan(
		&exec.ID,
		&exec.ClientID,
		&exec.TemplateName,
		&params,
		&exec.Status,
		&exec.Priority,
		&exec.TotalCostUSD,
		&exec.TotalTimeMs,
		&errorMessage,
		&checkpoint,
		&exec.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &exec.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if len(checkpoint) > 0 {
		_ = json.Unmarshal(checkpoint, &exec.CheckpointData)
	}
	if errorMessage.Valid {
		exec.ErrorMessage = &errorMessage.String
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}

	return &exec, nil
}

// UpdateStatus updates execution status atomically with event logging
func (r *ExecutionRepository) UpdateStatus(execID string, fromStatus, toStatus models.ExecutionStatus, reason string, meta map[string]interface{}) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `UPDATE pipeline_executions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	res, err := tx.Exec(query, toStatus, execID, fromStatus)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("execution %s is not in status %s", execID, fromStatus)
	}

	switch toStatus {
	case models.ExecutionStatusRunning:
		if _, err := tx.Exec(`UPDATE pipeline_executions SET started_at = NOW() WHERE id = $1 AND started_at IS NULL`, execID); err != nil {
			return err
		}
	case models.ExecutionStatusCompleted, models.ExecutionStatusFailed, models.ExecutionStatusCancelled:
		if _, err := tx.Exec(`UPDATE pipeline_executions SET completed_at = NOW() WHERE id = $1 AND completed_at IS NULL`, execID); err != nil {
			return err
		}
	}

	if err := r.createEventTx(tx, execID, &fromStatus, toStatus, reason, meta); err != nil {
		return err
	}

	return tx.Commit()
}

// FinishExecution records the terminal state with cost and timing rollups
func (r *ExecutionRepository) FinishExecution(execID string, status models.ExecutionStatus, totalCostUSD float64, totalTimeMs int64, errorMessage string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}

	query := `
		UPDATE pipeline_executions
		SET status = $1, total_cost_usd = $2, total_time_ms = $3, error_message = $4,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $5
	`
	if _, err := tx.Exec(query, status, totalCostUSD, totalTimeMs, errMsg, execID); err != nil {
		return err
	}

	if err := r.createEventTx(tx, execID, nil, status, "execution_finished", map[string]interface{}{
		"total_cost_usd": totalCostUSD,
		"total_time_ms":  totalTimeMs,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// SaveCheckpoint persists opaque checkpoint data for resume/audit
func (r *ExecutionRepository) SaveCheckpoint(execID string, checkpoint map[string]interface{}) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = r.db.Exec(`UPDATE pipeline_executions SET checkpoint_data = $1, updated_at = NOW() WHERE id = $2`, data, execID)
	return err
}

// CreateEvent creates an execution event
func (r *ExecutionRepository) CreateEvent(execID string, fromStatus *models.ExecutionStatus, toStatus models.ExecutionStatus, reason string, meta map[string]interface{}) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.createEventTx(tx, execID, fromStatus, toStatus, reason, meta); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *ExecutionRepository) createEventTx(tx *sql.Tx, execID string, fromStatus *models.ExecutionStatus, toStatus models.ExecutionStatus, reason string, meta map[string]interface{}) error {
	query := `
		INSERT INTO execution_events (execution_id, from_status, to_status, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5)
	`

	var fromStatusStr *string
	if fromStatus != nil {
		s := string(*fromStatus)
		fromStatusStr = &s
	}

	metaJSON := []byte("{}")
	if meta != nil {
		var err error
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal event meta: %w", err)
		}
	}

	_, err := tx.Exec(query, execID, fromStatusStr, toStatus, reason, metaJSON)
	return err
}

// ListExecutions lists executions for a client with an optional status filter
func (r *ExecutionRepository) ListExecutions(clientID string, status *models.ExecutionStatus, limit int) ([]*models.PipelineExecution, error) {
	query := `
		SELECT id, client_id, template_name, status, priority, total_cost_usd,
			total_time_ms, created_at, started_at, completed_at
		FROM pipeline_executions
		WHERE client_id = $1
	`
	args := []interface{}{clientID}

	if status != nil {
		query += " AND status = $2 ORDER BY created_at DESC LIMIT $3"
		args = append(args, *status, limit)
	} else {
		query += " ORDER BY created_at DESC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.PipelineExecution
	for rows.Next() {
		var exec models.PipelineExecution
		var startedAt, completedAt sql.NullTime
		err := rows.Scan(
			&exec.ID,
			&exec.ClientID,
			&exec.TemplateName,
			&exec.Status,
			&exec.Priority,
			&exec.TotalCostUSD,
			&exec.TotalTimeMs,
			&exec.CreatedAt,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, err
		}
		if startedAt.Valid {
			exec.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			exec.CompletedAt = &completedAt.Time
		}
		execs = append(execs, &exec)
	}

	return execs, rows.Err()
}

// GetEvents returns the state-transition event trail for an execution
func (r *ExecutionRepository) GetEvents(execID string) ([]models.ExecutionEvent, error) {
	query := `
		SELECT id, execution_id, at, from_status, to_status, reason, meta_json
		FROM execution_events
		WHERE execution_id = $1
		ORDER BY at
	`

	rows, err := r.db.Query(query, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.ExecutionEvent
	for rows.Next() {
		var ev models.ExecutionEvent
		var fromStatus sql.NullString
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.At, &fromStatus, &ev.ToStatus, &ev.Reason, &meta); err != nil {
			return nil, err
		}
		if fromStatus.Valid {
			s := models.ExecutionStatus(fromStatus.String)
			ev.FromStatus = &s
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &ev.MetaJSON)
		}
		events = append(events, ev)
	}

	return events, rows.Err()
}
