package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semplan/workflow"
)

func failed(reason workflow.FailureReason) *workflow.ExecutionResult {
	return &workflow.ExecutionResult{Reason: reason, Error: "x"}
}

func TestExponential_AttemptBound(t *testing.T) {
	p, err := NewExponential(DefaultConfig())
	require.NoError(t, err)

	for _, maxRetries := range []int{0, 1, 3, 5} {
		todo := &workflow.Todo{ID: "a", MaxRetries: maxRetries}
		attempts := 0
		for {
			attempts++
			d := p.ShouldRetry(todo, failed(workflow.ReasonExecutorError))
			if !d.Retry {
				break
			}
			todo.RetryCount++
		}
		assert.Equal(t, max(maxRetries, 1), attempts, "max_retries=%d", maxRetries)
	}
}

func TestExponential_StructuralNeverRetries(t *testing.T) {
	p, err := NewExponential(DefaultConfig())
	require.NoError(t, err)
	todo := &workflow.Todo{ID: "a", MaxRetries: 10}

	assert.False(t, p.ShouldRetry(todo, failed(workflow.ReasonNoExecutor)).Retry)
	assert.True(t, p.ShouldRetry(todo, failed(workflow.ReasonTimeout)).Retry)
	assert.False(t, p.ShouldRetry(todo, &workflow.ExecutionResult{Success: true}).Retry)
}

func TestExponential_Backoff(t *testing.T) {
	p, err := NewExponential(Config{BackoffBase: 100 * time.Millisecond, BackoffMultiplier: 2, MaxBackoff: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(4))
	assert.Equal(t, time.Second, p.Backoff(5000))

	todo := &workflow.Todo{ID: "a", MaxRetries: 4, RetryCount: 2}
	d := p.ShouldRetry(todo, failed(workflow.ReasonTimeout))
	assert.True(t, d.Retry)
	assert.Equal(t, 400*time.Millisecond, d.Delay)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{BackoffBase: -1, BackoffMultiplier: 2, MaxBackoff: time.Second}.Validate())
	assert.Error(t, Config{BackoffBase: time.Second, BackoffMultiplier: 0.5, MaxBackoff: time.Minute}.Validate())
	assert.Error(t, Config{BackoffBase: time.Minute, BackoffMultiplier: 2, MaxBackoff: time.Second}.Validate())
}

func TestNever(t *testing.T) {
	assert.False(t, Never.ShouldRetry(&workflow.Todo{MaxRetries: 5}, failed(workflow.ReasonTimeout)).Retry)
}
