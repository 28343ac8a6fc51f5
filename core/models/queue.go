package models

import "time"

// QueueItem is the admission-control wrapper around a pipeline execution
type QueueItem struct {
	ID            string
	ExecutionID   string
	PriorityScore int
	Dependencies  []string
	Status        QueueStatus
	CreatedAt     time.Time
	ClaimedAt     *time.Time
	CompletedAt   *time.Time
}

// QueueStatus represents the admission state of a queue item
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusReady      QueueStatus = "ready"
	QueueStatusBlocked    QueueStatus = "blocked"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// QueueStats is a point-in-time snapshot of queue depth by status
type QueueStats struct {
	Queued        int   `json:"queued"`
	Ready         int   `json:"ready"`
	Blocked       int   `json:"blocked"`
	Processing    int   `json:"processing"`
	Completed     int   `json:"completed"`
	Failed        int   `json:"failed"`
	MaxConcurrent int   `json:"max_concurrent"`
	AvgExecMs     int64 `json:"avg_execution_ms"`
}
