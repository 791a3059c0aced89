package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Priority bounds. Priority is only a tie-break between ready todos.
const (
	MinPriority = 0
	MaxPriority = 100
)

// Todo is a single schedulable unit of work within a plan.
type Todo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Layer       Layer  `json:"layer"`

	Status   TodoStatus `json:"status"`
	Priority int        `json:"priority"`

	// DependsOn lists todo IDs in the same plan that must finish first.
	DependsOn []string `json:"depends_on,omitempty"`
	// Blocks is the derived inverse of DependsOn. It is maintained by the
	// graph and never read from external input.
	Blocks []string `json:"blocks,omitempty"`

	RetryCount       int  `json:"retry_count"`
	MaxRetries       int  `json:"max_retries"`
	RequiresApproval bool `json:"requires_approval,omitempty"`
	TimeoutSeconds   int  `json:"timeout_seconds,omitempty"`

	// Params is opaque to the engine and handed to the layer executor as-is.
	Params json.RawMessage `json:"params,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version increments on every mutation of this todo.
	Version int `json:"version"`
}

// TodoSpec is the externally supplied shape of a todo before it joins a plan.
type TodoSpec struct {
	ID               string          `json:"id" yaml:"id"`
	Title            string          `json:"title" yaml:"title"`
	Description      string          `json:"description,omitempty" yaml:"description,omitempty"`
	Layer            string          `json:"layer" yaml:"layer"`
	Priority         int             `json:"priority,omitempty" yaml:"priority,omitempty"`
	DependsOn        []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	MaxRetries       int             `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RequiresApproval bool            `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	TimeoutSeconds   int             `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Params           json.RawMessage `json:"params,omitempty" yaml:"-"`
}

// NewTodo builds a pending todo from a spec, rejecting unknown layers and
// out-of-range fields at construction.
func NewTodo(spec TodoSpec, now time.Time) (*Todo, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidTodo)
	}
	layer, err := ParseLayer(spec.Layer)
	if err != nil {
		return nil, fmt.Errorf("todo %s: %w", id, err)
	}
	if spec.Priority < MinPriority || spec.Priority > MaxPriority {
		return nil, fmt.Errorf("%w: todo %s priority %d outside [%d,%d]",
			ErrInvalidTodo, id, spec.Priority, MinPriority, MaxPriority)
	}
	if spec.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: todo %s max_retries must be >= 0", ErrInvalidTodo, id)
	}
	if spec.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: todo %s timeout_seconds must be >= 0", ErrInvalidTodo, id)
	}
	if len(spec.Params) > 0 && !json.Valid(spec.Params) {
		return nil, fmt.Errorf("%w: todo %s params is not valid JSON", ErrInvalidTodo, id)
	}

	deps := make([]string, 0, len(spec.DependsOn))
	for _, dep := range spec.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep == id {
			return nil, fmt.Errorf("%w: todo %s depends on itself", ErrInvalidTodo, id)
		}
		if dep != "" && !slices.Contains(deps, dep) {
			deps = append(deps, dep)
		}
	}

	return &Todo{
		ID:               id,
		Title:            spec.Title,
		Description:      spec.Description,
		Layer:            layer,
		Status:           TodoStatusPending,
		Priority:         spec.Priority,
		DependsOn:        deps,
		MaxRetries:       spec.MaxRetries,
		RequiresApproval: spec.RequiresApproval,
		TimeoutSeconds:   spec.TimeoutSeconds,
		Params:           slices.Clone(spec.Params),
		CreatedAt:        now,
		Version:          1,
	}, nil
}

// Spec returns the construction shape of the todo.
func (t *Todo) Spec() TodoSpec {
	return TodoSpec{
		ID:               t.ID,
		Title:            t.Title,
		Description:      t.Description,
		Layer:            string(t.Layer),
		Priority:         t.Priority,
		DependsOn:        slices.Clone(t.DependsOn),
		MaxRetries:       t.MaxRetries,
		RequiresApproval: t.RequiresApproval,
		TimeoutSeconds:   t.TimeoutSeconds,
		Params:           slices.Clone(t.Params),
	}
}

// Clone returns a deep copy of the todo.
func (t *Todo) Clone() *Todo {
	if t == nil {
		return nil
	}
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	c.Blocks = slices.Clone(t.Blocks)
	c.Params = slices.Clone(t.Params)
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// Started reports whether the todo has ever been dispatched.
func (t *Todo) Started() bool {
	return t.StartedAt != nil || t.Status == TodoStatusInProgress || t.Status.IsTerminal()
}

// Timeout returns the per-todo dispatch deadline, or zero if unset.
func (t *Todo) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Transition moves the todo to a new status, stamping timestamps and bumping
// its version. Illegal transitions return ErrInvalidTransition and leave the
// todo unchanged.
func (t *Todo) Transition(to TodoStatus, now time.Time) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return fmt.Errorf("todo %s: %w", t.ID, err)
	}
	t.Status = to
	switch {
	case to == TodoStatusInProgress:
		started := now
		t.StartedAt = &started
		t.CompletedAt = nil
	case to.IsTerminal():
		completed := now
		t.CompletedAt = &completed
	}
	t.Version++
	return nil
}

// Touch bumps the version for a mutation that does not change status.
func (t *Todo) Touch() {
	t.Version++
}
