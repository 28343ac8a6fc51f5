package models

// PipelineTemplate is an immutable pipeline definition loaded from the
// template catalog. The orchestrator never mutates a template.
type PipelineTemplate struct {
	Name       string
	Version    int
	Stages     []Stage
	Parameters []TemplateParameter
}

// TemplateParameter declares an input the template expects at submission
type TemplateParameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Stage is one unit of work delegated to a named downstream worker
type Stage struct {
	WorkerName string                 `json:"worker_name"`
	Action     string                 `json:"action"`
	Params     map[string]interface{} `json:"params"`
	TimeoutMs  int                    `json:"timeout_ms"`
	Retry      RetryConfig            `json:"retry_config"`
	Required   bool                   `json:"required"`
}

// BackoffType selects the delay schedule between retry attempts
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffLinear      BackoffType = "linear"
)

// RetryConfig bounds per-stage retries
type RetryConfig struct {
	MaxAttempts    int         `json:"max_attempts"`
	BackoffType    BackoffType `json:"backoff_type"`
	InitialDelayMs int         `json:"initial_delay_ms"`
	MaxDelayMs     int         `json:"max_delay_ms"`
}
