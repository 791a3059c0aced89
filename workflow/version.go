package workflow

import (
	"fmt"
	"time"
)

// PlanVersion is an immutable snapshot of a plan's full todo set.
type PlanVersion struct {
	PlanID     string     `json:"plan_id"`
	Number     int        `json:"version"`
	ChangeType ChangeType `json:"change_type"`
	Reason     string     `json:"reason,omitempty"`
	PlanStatus PlanStatus `json:"plan_status"`
	Todos      []*Todo    `json:"todos"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewPlanVersion snapshots the plan's todos under the given number.
func NewPlanVersion(p *Plan, number int, changeType ChangeType, reason string, now time.Time) (*PlanVersion, error) {
	if !changeType.IsValid() {
		return nil, fmt.Errorf("invalid change type %q", changeType)
	}
	if number < 1 {
		return nil, fmt.Errorf("version number must be >= 1, got %d", number)
	}
	todos := CloneTodos(p.Todos)
	SortTodos(todos)
	return &PlanVersion{
		PlanID:     p.ID,
		Number:     number,
		ChangeType: changeType,
		Reason:     reason,
		PlanStatus: p.Status,
		Todos:      todos,
		CreatedAt:  now,
	}, nil
}

// Clone returns a deep copy so callers cannot mutate stored snapshots.
func (v *PlanVersion) Clone() *PlanVersion {
	if v == nil {
		return nil
	}
	c := *v
	c.Todos = CloneTodos(v.Todos)
	return &c
}

// Todo returns the snapshot of a todo by ID, or nil.
func (v *PlanVersion) Todo(id string) *Todo {
	for _, t := range v.Todos {
		if t.ID == id {
			return t
		}
	}
	return nil
}
