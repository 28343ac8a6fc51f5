package models

import "time"

// PipelineExecution represents one run of a template
type PipelineExecution struct {
	ID             string
	ClientID       string
	TemplateName   string
	Parameters     map[string]interface{}
	Status         ExecutionStatus
	Priority       Priority
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	TotalCostUSD   float64
	TotalTimeMs    int64
	ErrorMessage   *string
	CheckpointData map[string]interface{}
}

// ExecutionStatus represents the current status of a pipeline execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a final state
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Priority is the submission priority of an execution
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Score maps a priority to its numeric queue score
func (p Priority) Score() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 75
	case PriorityLow:
		return 25
	default:
		return 50
	}
}

// ExecutionResult is the outcome the executor hands back to the queue
type ExecutionResult struct {
	ExecutionID     string
	Status          ExecutionStatus
	StagesCompleted int
	StagesTotal     int
	TotalCostUSD    float64
	TotalTimeMs     int64
	ErrorMessage    string
	FailedStage     string
	DeliverableRef  *DataReference
}

// ExecutionEvent records a state transition for audit
type ExecutionEvent struct {
	ID          int64
	ExecutionID string
	At          time.Time
	FromStatus  *ExecutionStatus
	ToStatus    ExecutionStatus
	Reason      string
	MetaJSON    map[string]interface{}
}
