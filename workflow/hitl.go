package workflow

import "time"

// HITLEvent is a request for human input or approval, or an audit record of
// a human control action.
type HITLEvent struct {
	ID     string        `json:"id"`
	PlanID string        `json:"plan_id"`
	TodoID string        `json:"todo_id,omitempty"`
	Type   HITLEventType `json:"type"`
	Prompt string        `json:"prompt,omitempty"`
	Status HITLStatus    `json:"status"`

	RequestedAt time.Time `json:"requested_at"`
	// Timeout of zero means the event never expires.
	Timeout time.Duration `json:"timeout,omitempty"`

	Decision   DecisionKind `json:"decision,omitempty"`
	Value      string       `json:"value,omitempty"`
	Responder  string       `json:"responder,omitempty"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// Target returns the event target key. Plan-level and todo targets live in
// separate namespaces so a todo sharing its plan's ID never aliases it.
func (e *HITLEvent) Target() string {
	return TargetKey(e.PlanID, e.TodoID)
}

// TargetKey builds the target key for a todo, or for the plan itself when
// todoID is empty.
func TargetKey(planID, todoID string) string {
	if todoID != "" {
		return "todo:" + todoID
	}
	return "plan:" + planID
}

// IsPending reports whether the event still awaits a decision.
func (e *HITLEvent) IsPending() bool {
	return e.Status == HITLStatusPending
}

// Deadline returns when the event times out. ok is false for events that
// never expire.
func (e *HITLEvent) Deadline() (deadline time.Time, ok bool) {
	if e.Timeout <= 0 {
		return time.Time{}, false
	}
	return e.RequestedAt.Add(e.Timeout), true
}

// Clone returns a copy of the event.
func (e *HITLEvent) Clone() *HITLEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.ResolvedAt != nil {
		resolved := *e.ResolvedAt
		c.ResolvedAt = &resolved
	}
	return &c
}
