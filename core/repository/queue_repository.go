package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"pipeline-orchestrator/core/models"

	"github.com/google/uuid"
)

// QueueRepository handles database operations for queue items
type QueueRepository struct {
	db *DB
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// CreateItem inserts a queue item
func (r *QueueRepository) CreateItem(item *models.QueueItem) error {
	deps, err := json.Marshal(item.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	if item.Dependencies == nil {
		deps = []byte("[]")
	}

	itemID := uuid.New()
	now := time.Now()
	if item.Status == "" {
		item.Status = models.QueueStatusQueued
	}

	_, err = r.db.Exec(`
		INSERT INTO queue_items (id, execution_id, priority_score, dependencies, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		itemID, item.ExecutionID, item.PriorityScore, deps, item.Status, now,
	)
	if err != nil {
		return err
	}

	item.ID = itemID.String()
	item.CreatedAt = now
	return nil
}

// GetItem retrieves a queue item by id
func (r *QueueRepository) GetItem(id string) (*models.QueueItem, error) {
	return r.scanOne(r.db.QueryRow(`
		SELECT id, execution_id, priority_score, dependencies, status, created_at, claimed_at, completed_at
		FROM queue_items WHERE id = $1`, id))
}

// GetItemByExecution retrieves the queue item wrapping an execution
func (r *QueueRepository) GetItemByExecution(execID string) (*models.QueueItem, error) {
	return r.scanOne(r.db.QueryRow(`
		SELECT id, execution_id, priority_score, dependencies, status, created_at, claimed_at, completed_at
		FROM queue_items WHERE execution_id = $1
		ORDER BY created_at DESC LIMIT 1`, execID))
}

// ListByStatus lists queue items in a status, highest priority first
func (r *QueueRepository) ListByStatus(status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	rows, err := r.db.Query(`
		SELECT id, execution_id, priority_score, dependencies, status, created_at, claimed_at, completed_at
		FROM queue_items
		WHERE status = $1
		ORDER BY priority_score DESC, created_at
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// ListClaimable lists queued and ready items, highest priority first
func (r *QueueRepository) ListClaimable(limit int) ([]models.QueueItem, error) {
	rows, err := r.db.Query(`
		SELECT id, execution_id, priority_score, dependencies, status, created_at, claimed_at, completed_at
		FROM queue_items
		WHERE status IN ($1, $2)
		ORDER BY priority_score DESC, created_at
		LIMIT $3`,
		models.QueueStatusQueued, models.QueueStatusReady, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanMany(rows)
}

// CountProcessing returns the number of items currently being processed.
// Persisted rather than in-memory so admission survives restarts.
func (r *QueueRepository) CountProcessing() (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM queue_items WHERE status = $1`,
		models.QueueStatusProcessing,
	).Scan(&count)
	return count, err
}

// UpdateStatus moves an item from one status to another; returns false if
// the item was not in the expected status (lost claim race).
func (r *QueueRepository) UpdateStatus(itemID string, from, to models.QueueStatus) (bool, error) {
	query := `UPDATE queue_items SET status = $1 WHERE id = $2 AND status = $3`
	res, err := r.db.Exec(query, to, itemID, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Claim transitions an item to processing, recording the claim time.
// Returns false if another claimer won.
func (r *QueueRepository) Claim(itemID string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE queue_items SET status = $1, claimed_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)`,
		models.QueueStatusProcessing, itemID,
		models.QueueStatusQueued, models.QueueStatusReady,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Finish records the terminal status of a processed item
func (r *QueueRepository) Finish(itemID string, status models.QueueStatus) error {
	_, err := r.db.Exec(
		`UPDATE queue_items SET status = $1, completed_at = NOW() WHERE id = $2`,
		status, itemID,
	)
	return err
}

// SetPriority adjusts the priority score of a not-yet-claimed item
func (r *QueueRepository) SetPriority(itemID string, score int) error {
	res, err := r.db.Exec(`
		UPDATE queue_items SET priority_score = $1
		WHERE id = $2 AND status IN ($3, $4, $5)`,
		score, itemID,
		models.QueueStatusQueued, models.QueueStatusReady, models.QueueStatusBlocked,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("queue item %s is not adjustable", itemID)
	}
	return nil
}

// Stats returns queue depth by status plus the recent average execution time
func (r *QueueRepository) Stats() (*models.QueueStats, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status models.QueueStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case models.QueueStatusQueued:
			stats.Queued = count
		case models.QueueStatusReady:
			stats.Ready = count
		case models.QueueStatusBlocked:
			stats.Blocked = count
		case models.QueueStatusProcessing:
			stats.Processing = count
		case models.QueueStatusCompleted:
			stats.Completed = count
		case models.QueueStatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	avg, err := r.RecentAvgExecutionMs(50)
	if err != nil {
		return nil, err
	}
	stats.AvgExecMs = avg

	return &stats, nil
}

// RecentAvgExecutionMs averages wall-clock time over the last n completed executions
func (r *QueueRepository) RecentAvgExecutionMs(n int) (int64, error) {
	var avg sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT AVG(total_time_ms) FROM (
			SELECT total_time_ms FROM pipeline_executions
			WHERE status = 'completed' AND total_time_ms > 0
			ORDER BY completed_at DESC LIMIT $1
		) recent`, n,
	).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return int64(avg.Float64), nil
}

// Position returns how many claimable items rank ahead of the given item
func (r *QueueRepository) Position(itemID string) (int, error) {
	var pos int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM queue_items q, queue_items me
		WHERE me.id = $1
			AND q.status IN ($2, $3)
			AND (q.priority_score > me.priority_score
				OR (q.priority_score = me.priority_score AND q.created_at < me.created_at))`,
		itemID, models.QueueStatusQueued, models.QueueStatusReady,
	).Scan(&pos)
	return pos, err
}

// ListFailedExecutions returns execution ids of failed queue items, oldest first
func (r *QueueRepository) ListFailedExecutions(limit int) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT execution_id FROM queue_items
		WHERE status = $1
		ORDER BY completed_at
		LIMIT $2`, models.QueueStatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountTerminalExecutions reports how many of the given executions reached the
// given status. Used for dependency checks.
func (r *QueueRepository) CountTerminalExecutions(execIDs []string, status models.ExecutionStatus) (int, error) {
	if len(execIDs) == 0 {
		return 0, nil
	}
	deps, err := json.Marshal(execIDs)
	if err != nil {
		return 0, err
	}
	var count int
	err = r.db.QueryRow(`
		SELECT COUNT(*) FROM pipeline_executions
		WHERE status = $1 AND id::text IN (SELECT jsonb_array_elements_text($2::jsonb))`,
		status, deps,
	).Scan(&count)
	return count, err
}

func (r *QueueRepository) scanOne(row *sql.Row) (*models.QueueItem, error) {
	var item models.QueueItem
	var deps []byte
	var claimedAt, completedAt sql.NullTime
	err := row.Scan(
		&item.ID,
		&item.ExecutionID,
		&item.PriorityScore,
		&deps,
		&item.Status,
		&item.CreatedAt,
		&claimedAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("queue item not found")
	}
	if err != nil {
		return nil, err
	}
	if len(deps) > 0 {
		_ = json.Unmarshal(deps, &item.Dependencies)
	}
	if claimedAt.Valid {
		item.ClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}
	return &item, nil
}

func (r *QueueRepository) scanMany(rows *sql.Rows) ([]models.QueueItem, error) {
	var items []models.QueueItem
	for rows.Next() {
		var item models.QueueItem
		var deps []byte
		var claimedAt, completedAt sql.NullTime
		err := rows.Scan(
			&item.ID,
			&item.ExecutionID,
			&item.PriorityScore,
			&deps,
			&item.Status,
			&item.CreatedAt,
			&claimedAt,
			&completedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(deps) > 0 {
			_ = json.Unmarshal(deps, &item.Dependencies)
		}
		if claimedAt.Valid {
			item.ClaimedAt = &claimedAt.Time
		}
		if completedAt.Valid {
			item.CompletedAt = &completedAt.Time
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
