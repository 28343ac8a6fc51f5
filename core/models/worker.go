package models

import "time"

// WorkerHealth is the coordinator's view of a downstream worker's health
type WorkerHealth string

const (
	WorkerHealthy   WorkerHealth = "healthy"
	WorkerDegraded  WorkerHealth = "degraded"
	WorkerUnhealthy WorkerHealth = "unhealthy"
	WorkerInactive  WorkerHealth = "inactive"
)

// WorkerStatus joins a liveness probe with the DB-backed active count
type WorkerStatus struct {
	Name             string       `json:"name"`
	Health           WorkerHealth `json:"health_status"`
	ActiveExecutions int          `json:"active_executions"`
	MaxConcurrent    int          `json:"max_concurrent"`
	Capabilities     []string     `json:"capabilities"`
}

// HandshakePacket is the pre-flight negotiation message sent to a worker
// before it is asked to process a stage.
type HandshakePacket struct {
	PacketID    string          `json:"packet_id"`
	ExecutionID string          `json:"execution_id"`
	StageID     string          `json:"stage_id"`
	Pipeline    string          `json:"pipeline"`
	Control     PacketControl   `json:"control"`
	DataRef     *DataReference  `json:"data_ref,omitempty"`
	Next        *NextStageHint  `json:"next,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
}

// PacketControl carries the invocation parameters for the stage
type PacketControl struct {
	Action     string `json:"action"`
	Priority   string `json:"priority"`
	TimeoutMs  int    `json:"timeout_ms"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

// NextStageHint tells the worker what stage follows it, if any
type NextStageHint struct {
	Worker     string `json:"worker"`
	Action     string `json:"action"`
	StageOrder int    `json:"stage_order"`
}

// HandshakeReply is the worker's answer to a handshake packet
type HandshakeReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// ProcessResult is what a worker returns from its process endpoint
type ProcessResult struct {
	Output  map[string]interface{} `json:"output"`
	Usage   []UsageItem            `json:"usage,omitempty"`
	Summary *StageSummary          `json:"summary,omitempty"`
}

// WorkerMetrics is the per-(worker, day) rolling aggregate
type WorkerMetrics struct {
	WorkerName     string
	Date           time.Time
	ExecutionCount int
	SuccessCount   int
	FailureCount   int
	MinTimeMs      int64
	MaxTimeMs      int64
	AvgTimeMs      int64
	TotalCostUSD   float64
	ErrorRate      float64
}
