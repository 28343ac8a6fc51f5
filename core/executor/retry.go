package executor

import (
	"time"

	"pipeline-orchestrator/core/models"
)

// retryPolicy is the single retry/backoff utility used for every stage.
// Delay schedules are deterministic functions of the attempt number so each
// retry-attempt row can record the exact delay that was applied.
type retryPolicy struct {
	maxAttempts  int
	backoffType  models.BackoffType
	initialDelay time.Duration
	maxDelay     time.Duration
}

func policyFor(cfg models.RetryConfig) retryPolicy {
	p := retryPolicy{
		maxAttempts:  cfg.MaxAttempts,
		backoffType:  cfg.BackoffType,
		initialDelay: time.Duration(cfg.InitialDelayMs) * time.Millisecond,
		maxDelay:     time.Duration(cfg.MaxDelayMs) * time.Millisecond,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 1
	}
	if p.initialDelay <= 0 {
		p.initialDelay = 100 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 30 * time.Second
	}
	return p
}

// delayForAttempt returns the backoff before retrying after the given
// attempt (1-based). Exponential: initial*2^(n−1); linear: initial*n.
// Both capped at maxDelay.
func (p retryPolicy) delayForAttempt(attempt int) time.Duration {
	var d time.Duration
	switch p.backoffType {
	case models.BackoffLinear:
		d = p.initialDelay * time.Duration(attempt)
	default:
		d = p.initialDelay << uint(attempt-1)
	}
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}
