package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pipeline-orchestrator/core/models"

	"github.com/google/uuid"
)

// StageRepository handles database operations for stage executions
type StageRepository struct {
	db *DB
}

// NewStageRepository creates a new stage repository
func NewStageRepository(db *DB) *StageRepository {
	return &StageRepository{db: db}
}

// CreateStage creates a stage-execution record in status pending
func (r *StageRepository) CreateStage(stage *models.StageExecution) error {
	query := `
		INSERT INTO stage_executions (
			id, execution_id, worker_name, action, stage_order, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	stageID := uuid.New()
	now := time.Now()
	if stage.Status == "" {
		stage.Status = models.StageStatusPending
	}

	_, err := r.db.Exec(query,
		stageID,
		stage.ExecutionID,
		stage.WorkerName,
		stage.Action,
		stage.StageOrder,
		stage.Status,
		now,
	)
	if err != nil {
		return err
	}

	stage.ID = stageID.String()
	stage.CreatedAt = now
	return nil
}

// MarkRunning transitions a stage to running and stores its input reference
func (r *StageRepository) MarkRunning(stageID string, inputRef *models.DataReference) error {
	input, err := marshalRef(inputRef)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`UPDATE stage_executions SET status = $1, input_reference = $2, started_at = NOW() WHERE id = $3`,
		models.StageStatusRunning, input, stageID,
	)
	return err
}

// MarkCompleted records a successful stage with its output and summary
func (r *StageRepository) MarkCompleted(stageID string, outputRef *models.DataReference, summary *models.StageSummary, costUSD float64, timeMs int64) error {
	output, err := marshalRef(outputRef)
	if err != nil {
		return err
	}
	var summaryJSON []byte
	if summary != nil {
		summaryJSON, err = json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
	}
	_, err = r.db.Exec(`
		UPDATE stage_executions
		SET status = $1, output_reference = $2, summary_data = $3, cost_usd = $4,
			time_ms = $5, completed_at = NOW()
		WHERE id = $6`,
		models.StageStatusCompleted, output, summaryJSON, costUSD, timeMs, stageID,
	)
	return err
}

// MarkFailed records a failed stage with its error
func (r *StageRepository) MarkFailed(stageID string, errorMessage string, timeMs int64) error {
	_, err := r.db.Exec(`
		UPDATE stage_executions
		SET status = $1, error_message = $2, time_ms = $3, completed_at = NOW()
		WHERE id = $4`,
		models.StageStatusFailed, errorMessage, timeMs, stageID,
	)
	return err
}

// MarkSkipped records a stage the pipeline halted before or skipped past
func (r *StageRepository) MarkSkipped(stageID string) error {
	_, err := r.db.Exec(
		`UPDATE stage_executions SET status = $1, completed_at = NOW() WHERE id = $2`,
		models.StageStatusSkipped, stageID,
	)
	return err
}

// GetStagesByExecution returns all stage executions of one pipeline run in order
func (r *StageRepository) GetStagesByExecution(execID string) ([]models.StageExecution, error) {
	query := `
		SELECT id, execution_id, worker_name, action, stage_order, status,
			input_reference, output_reference, summary_data, cost_usd, time_ms,
			error_message, created_at, started_at, completed_at
		FROM stage_executions
		WHERE execution_id = $1
		ORDER BY stage_order
	`

	rows, err := r.db.Query(query, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []models.StageExecution
	for rows.Next() {
		var st models.StageExecution
		var input, output, summary []byte
		var errorMessage sql.NullString
		var startedAt, completedAt sql.NullTime
		err := rows.Scan(
			&st.ID,
			&st.ExecutionID,
			&st.WorkerName,
			&st.Action,
			&st.StageOrder,
			&st.Status,
			&input,
			&output,
			&summary,
			&st.CostUSD,
			&st.TimeMs,
			&errorMessage,
			&st.CreatedAt,
			&startedAt,
			&completedAt,
		)
		if err != nil {
			return nil, err
		}
		st.InputReference = unmarshalRef(input)
		st.OutputReference = unmarshalRef(output)
		if len(summary) > 0 {
			var s models.StageSummary
			if json.Unmarshal(summary, &s) == nil {
				st.Summary = &s
			}
		}
		if errorMessage.Valid {
			st.ErrorMessage = &errorMessage.String
		}
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		stages = append(stages, st)
	}

	return stages, rows.Err()
}

// CountActiveByWorker returns the number of running stages on one worker.
// This is the persisted source of truth for per-worker admission.
func (r *StageRepository) CountActiveByWorker(workerName string) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM stage_executions WHERE worker_name = $1 AND status = 'running'`,
		workerName,
	).Scan(&count)
	return count, err
}

// CreateRetryAttempt appends a retry-attempt row under a stage
func (r *StageRepository) CreateRetryAttempt(attempt *models.RetryAttempt) error {
	query := `
		INSERT INTO retry_attempts (stage_id, attempt_number, retry_delay_ms, succeeded, error_message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return r.db.QueryRow(query,
		attempt.StageID,
		attempt.AttemptNumber,
		attempt.RetryDelayMs,
		attempt.Succeeded,
		attempt.ErrorMessage,
	).Scan(&attempt.ID, &attempt.CreatedAt)
}

// GetRetryAttempts returns the retry trail of a stage in attempt order
func (r *StageRepository) GetRetryAttempts(stageID string) ([]models.RetryAttempt, error) {
	query := `
		SELECT id, stage_id, attempt_number, retry_delay_ms, succeeded, error_message, created_at
		FROM retry_attempts
		WHERE stage_id = $1
		ORDER BY attempt_number
	`

	rows, err := r.db.Query(query, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.RetryAttempt
	for rows.Next() {
		var a models.RetryAttempt
		var errorMessage sql.NullString
		if err := rows.Scan(&a.ID, &a.StageID, &a.AttemptNumber, &a.RetryDelayMs, &a.Succeeded, &errorMessage, &a.CreatedAt); err != nil {
			return nil, err
		}
		if errorMessage.Valid {
			a.ErrorMessage = errorMessage.String
		}
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

func marshalRef(ref *models.DataReference) ([]byte, error) {
	if ref == nil {
		return nil, nil
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("marshal data reference: %w", err)
	}
	return data, nil
}

func unmarshalRef(data []byte) *models.DataReference {
	if len(data) == 0 {
		return nil
	}
	var ref models.DataReference
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil
	}
	return &ref
}
