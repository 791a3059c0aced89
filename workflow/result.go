package workflow

import (
	"encoding/json"
	"time"
)

// FailureReason classifies why a dispatch attempt failed.
type FailureReason string

const (
	ReasonTimeout       FailureReason = "timeout"
	ReasonNoExecutor    FailureReason = "no_executor"
	ReasonExecutorError FailureReason = "executor_error"
	ReasonCancelled     FailureReason = "cancelled"
)

// IsStructural reports whether a failure of this kind must never be retried.
func (r FailureReason) IsStructural() bool {
	return r == ReasonNoExecutor
}

// ExecutionResult is the outcome of one dispatch attempt of one todo.
// Results are append-only history.
type ExecutionResult struct {
	ID      string          `json:"id"`
	PlanID  string          `json:"plan_id"`
	TodoID  string          `json:"todo_id"`
	Layer   Layer           `json:"layer"`
	Attempt int             `json:"attempt"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Reason  FailureReason   `json:"reason,omitempty"`
	// InputPrompt is set when the executor asked for human input instead of
	// finishing.
	InputPrompt string    `json:"input_prompt,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Duration returns how long the attempt took.
func (r *ExecutionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// NeedsInput reports whether the executor asked for human input.
func (r *ExecutionResult) NeedsInput() bool {
	return r.InputPrompt != ""
}
