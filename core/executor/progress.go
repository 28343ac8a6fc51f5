package executor

import (
	"context"
	"encoding/json"
	"time"

	"pipeline-orchestrator/core/cache"

	"go.uber.org/zap"
)

const (
	progressKeyPrefix = "progress:"
	progressTTL       = 10 * time.Minute
)

// ProgressSnapshot is the ephemeral view external pollers read while an
// execution runs. It lives only in the short-TTL cache and is never
// authoritative.
type ProgressSnapshot struct {
	ExecutionID     string  `json:"execution_id"`
	CurrentStage    string  `json:"current_stage"`
	StagesCompleted int     `json:"stages_completed"`
	StagesTotal     int     `json:"stages_total"`
	Percent         float64 `json:"percent"`
	UpdatedAt       int64   `json:"updated_at"`
}

// progressPublisher writes snapshots off the critical path. Publish failures
// are logged and swallowed: losing progress visibility must never abort a
// pipeline.
type progressPublisher struct {
	cache  cache.Cache
	logger *zap.Logger
}

func (p *progressPublisher) publish(ctx context.Context, executionID, currentStage string, completed, total int) {
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}
	snap := ProgressSnapshot{
		ExecutionID:     executionID,
		CurrentStage:    currentStage,
		StagesCompleted: completed,
		StagesTotal:     total,
		Percent:         percent,
		UpdatedAt:       time.Now().Unix(),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, progressKeyPrefix+executionID, data, progressTTL); err != nil {
		p.logger.Debug("progress publish failed",
			zap.String("execution_id", executionID),
			zap.Error(err),
		)
	}
}

// GetProgress reads the current snapshot for an execution, if any
func GetProgress(ctx context.Context, c cache.Cache, executionID string) (*ProgressSnapshot, error) {
	data, err := c.Get(ctx, progressKeyPrefix+executionID)
	if err != nil {
		return nil, err
	}
	var snap ProgressSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
