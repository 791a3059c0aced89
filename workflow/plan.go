package workflow

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// PlanPolicy holds the per-plan knobs the engine enforces.
type PlanPolicy struct {
	// RequireAllCompleted fails the plan if any todo ends in a state other
	// than completed or skipped.
	RequireAllCompleted bool `json:"require_all_completed" yaml:"require_all_completed"`

	// ContinueOnFailure lists dependency layers whose failure or cancellation
	// does not block dependents.
	ContinueOnFailure []Layer `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`

	// ReviewRequired holds a freshly submitted plan in waiting until a
	// plan_review decision approves it.
	ReviewRequired bool `json:"review_required,omitempty" yaml:"review_required,omitempty"`

	// MaxConcurrency caps in-flight dispatches for this plan. Zero uses the
	// engine default.
	MaxConcurrency int `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
}

// DefaultPlanPolicy returns the strict default: every todo must complete.
func DefaultPlanPolicy() PlanPolicy {
	return PlanPolicy{RequireAllCompleted: true}
}

// Validate validates the policy.
func (p PlanPolicy) Validate() error {
	for _, l := range p.ContinueOnFailure {
		if !l.IsValid() {
			return fmt.Errorf("continue_on_failure: %w: %q", ErrInvalidLayer, l)
		}
	}
	if p.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be >= 0")
	}
	return nil
}

// Tolerates reports whether a failed or cancelled dependency on the given
// layer still lets dependents run.
func (p PlanPolicy) Tolerates(l Layer) bool {
	return slices.Contains(p.ContinueOnFailure, l)
}

// Plan is a named, versioned container of todos.
type Plan struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         PlanStatus `json:"status"`
	CurrentVersion int        `json:"current_version"`
	Policy         PlanPolicy `json:"policy"`
	// Todos is ordered by ID.
	Todos     []*Todo   `json:"todos"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlanSpec is the submission shape of a plan.
type PlanSpec struct {
	ID     string      `json:"id" yaml:"id"`
	Name   string      `json:"name" yaml:"name"`
	Policy *PlanPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
	Todos  []TodoSpec  `json:"todos" yaml:"todos"`
}

// NewPlan builds a draft plan from a spec. Todo construction rules are
// enforced per todo; dependency references must resolve within the plan.
// Cycle detection is left to the graph.
func NewPlan(spec PlanSpec, now time.Time) (*Plan, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	policy := DefaultPlanPolicy()
	if spec.Policy != nil {
		policy = *spec.Policy
		policy.ContinueOnFailure = slices.Clone(spec.Policy.ContinueOnFailure)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, err)
	}

	todos := make([]*Todo, 0, len(spec.Todos))
	seen := make(map[string]bool, len(spec.Todos))
	for _, ts := range spec.Todos {
		t, err := NewTodo(ts, now)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", id, err)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("plan %s: %w: %s", id, ErrDuplicateTodo, t.ID)
		}
		seen[t.ID] = true
		todos = append(todos, t)
	}
	for _, t := range todos {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("plan %s: todo %s depends on %s: %w", id, t.ID, dep, ErrUnknownTodo)
			}
		}
	}
	SortTodos(todos)

	name := spec.Name
	if name == "" {
		name = id
	}
	return &Plan{
		ID:        id,
		Name:      name,
		Status:    PlanStatusDraft,
		Policy:    policy,
		Todos:     todos,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Todo returns the todo with the given ID, or nil.
func (p *Plan) Todo(id string) *Todo {
	for _, t := range p.Todos {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Policy.ContinueOnFailure = slices.Clone(p.Policy.ContinueOnFailure)
	c.Todos = CloneTodos(p.Todos)
	return &c
}

// Counts aggregates todo statuses. It is always derived, never stored.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
	Skipped    int `json:"skipped"`
	Waiting    int `json:"needs_approval"`
	Cancelled  int `json:"cancelled"`
}

// Counts recomputes aggregate counts from the todo statuses.
func (p *Plan) Counts() Counts {
	var c Counts
	for _, t := range p.Todos {
		c.Total++
		switch t.Status {
		case TodoStatusPending:
			c.Pending++
		case TodoStatusInProgress:
			c.InProgress++
		case TodoStatusCompleted:
			c.Completed++
		case TodoStatusFailed:
			c.Failed++
		case TodoStatusBlocked:
			c.Blocked++
		case TodoStatusSkipped:
			c.Skipped++
		case TodoStatusNeedsApproval:
			c.Waiting++
		case TodoStatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// CloneTodos deep-copies a todo slice.
func CloneTodos(todos []*Todo) []*Todo {
	out := make([]*Todo, len(todos))
	for i, t := range todos {
		out[i] = t.Clone()
	}
	return out
}

// SortTodos orders todos by ID in place.
func SortTodos(todos []*Todo) {
	slices.SortFunc(todos, func(a, b *Todo) int {
		return strings.Compare(a.ID, b.ID)
	})
}
