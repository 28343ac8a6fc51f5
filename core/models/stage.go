package models

import "time"

// StageExecution is one stage of one pipeline execution
type StageExecution struct {
	ID              string
	ExecutionID     string
	WorkerName      string
	Action          string
	StageOrder      int
	Status          StageStatus
	InputReference  *DataReference
	OutputReference *DataReference
	Summary         *StageSummary
	CostUSD         float64
	TimeMs          int64
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    *string
}

// StageStatus represents the current status of a stage execution
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// StageSummary is the structured report a worker returns with its output
type StageSummary struct {
	ItemsProcessed   int                    `json:"items_processed"`
	QualityScore     float64                `json:"quality_score"`
	ConfidenceScore  float64                `json:"confidence_score"`
	ResourceUsage    []UsageItem            `json:"resource_usage"`
	Errors           []string               `json:"errors"`
	Warnings         []string               `json:"warnings"`
	ContinuePipeline *bool                  `json:"continue_pipeline"`
	Extra            map[string]interface{} `json:"extra"`
}

// ShouldContinue reports whether the worker asked the pipeline to keep going.
// Absence of the flag means continue.
func (s *StageSummary) ShouldContinue() bool {
	if s == nil || s.ContinuePipeline == nil {
		return true
	}
	return *s.ContinuePipeline
}

// RetryAttempt is one recorded attempt of a failed stage
type RetryAttempt struct {
	ID            int64
	StageID       string
	AttemptNumber int
	RetryDelayMs  int
	Succeeded     bool
	ErrorMessage  string
	CreatedAt     time.Time
}
