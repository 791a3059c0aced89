// Package retry decides whether a failed todo attempt runs again and after
// what delay.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/c360studio/semplan/workflow"
)

// Decision is the outcome of a retry check.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy decides whether a failed attempt is retried.
type Policy interface {
	ShouldRetry(todo *workflow.Todo, result *workflow.ExecutionResult) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(todo *workflow.Todo, result *workflow.ExecutionResult) Decision

// ShouldRetry implements Policy.
func (f PolicyFunc) ShouldRetry(todo *workflow.Todo, result *workflow.ExecutionResult) Decision {
	return f(todo, result)
}

// Config holds backoff settings.
type Config struct {
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// BackoffMultiplier is applied to the delay on each further retry.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// MaxBackoff caps the delay.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultConfig returns the default backoff settings.
func DefaultConfig() Config {
	return Config{
		BackoffBase:       time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        time.Minute,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BackoffBase < 0 {
		return fmt.Errorf("backoff_base must be >= 0")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1")
	}
	if c.MaxBackoff < c.BackoffBase {
		return fmt.Errorf("max_backoff must be >= backoff_base")
	}
	return nil
}

// Exponential is the default policy. A todo with MaxRetries N gets N
// dispatch attempts in total (at least one). Structural failures are never
// retried.
type Exponential struct {
	cfg Config
}

// NewExponential creates an exponential backoff policy.
func NewExponential(cfg Config) (*Exponential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Exponential{cfg: cfg}, nil
}

// ShouldRetry implements Policy.
func (p *Exponential) ShouldRetry(todo *workflow.Todo, result *workflow.ExecutionResult) Decision {
	if result != nil && (result.Success || result.Reason.IsStructural()) {
		return Decision{}
	}
	if todo.RetryCount+1 >= max(todo.MaxRetries, 1) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff(todo.RetryCount)}
}

// Backoff returns the delay before retry number n+1.
func (p *Exponential) Backoff(n int) time.Duration {
	d := float64(p.cfg.BackoffBase) * math.Pow(p.cfg.BackoffMultiplier, float64(n))
	if d > float64(p.cfg.MaxBackoff) || math.IsInf(d, 1) {
		return p.cfg.MaxBackoff
	}
	return time.Duration(d)
}

// Never disables retries.
var Never Policy = PolicyFunc(func(*workflow.Todo, *workflow.ExecutionResult) Decision {
	return Decision{}
})
