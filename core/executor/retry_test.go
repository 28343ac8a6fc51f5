package executor

import (
	"testing"
	"time"

	"pipeline-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
)

func TestDelayForAttemptExponential(t *testing.T) {
	p := policyFor(models.RetryConfig{
		MaxAttempts:    4,
		BackoffType:    models.BackoffExponential,
		InitialDelayMs: 100,
		MaxDelayMs:     30000,
	})

	assert.Equal(t, 100*time.Millisecond, p.delayForAttempt(1))
	assert.Equal(t, 200*time.Millisecond, p.delayForAttempt(2))
	assert.Equal(t, 400*time.Millisecond, p.delayForAttempt(3))
	assert.Equal(t, 800*time.Millisecond, p.delayForAttempt(4))
}

func TestDelayForAttemptLinear(t *testing.T) {
	p := policyFor(models.RetryConfig{
		MaxAttempts:    3,
		BackoffType:    models.BackoffLinear,
		InitialDelayMs: 250,
		MaxDelayMs:     30000,
	})

	assert.Equal(t, 250*time.Millisecond, p.delayForAttempt(1))
	assert.Equal(t, 500*time.Millisecond, p.delayForAttempt(2))
	assert.Equal(t, 750*time.Millisecond, p.delayForAttempt(3))
}

func TestDelayForAttemptCappedAtMax(t *testing.T) {
	p := policyFor(models.RetryConfig{
		MaxAttempts:    10,
		BackoffType:    models.BackoffExponential,
		InitialDelayMs: 100,
		MaxDelayMs:     500,
	})

	assert.Equal(t, 400*time.Millisecond, p.delayForAttempt(3))
	assert.Equal(t, 500*time.Millisecond, p.delayForAttempt(4))
	assert.Equal(t, 500*time.Millisecond, p.delayForAttempt(9))
}

func TestPolicyForDefaults(t *testing.T) {
	p := policyFor(models.RetryConfig{})

	assert.Equal(t, 1, p.maxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.initialDelay)
	assert.Equal(t, 30*time.Second, p.maxDelay)
	// Unset backoff type behaves exponentially.
	assert.Equal(t, 200*time.Millisecond, p.delayForAttempt(2))
}
