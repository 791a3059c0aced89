// Package workflow provides the domain model for semplan: plans, todos,
// plan versions, HITL events, execution results and the state machines that
// govern them.
package workflow

import (
	"fmt"
	"strings"
)

// Layer is the routing tag that identifies which executor class handles a todo.
// The engine never branches on the layer outside of routing.
type Layer string

const (
	LayerCognitive    Layer = "cognitive"
	LayerPlanning     Layer = "planning"
	LayerMLExecution  Layer = "ml_execution"
	LayerBizExecution Layer = "biz_execution"
	LayerResponse     Layer = "response"
)

// Layers returns every known layer in declaration order.
func Layers() []Layer {
	return []Layer{LayerCognitive, LayerPlanning, LayerMLExecution, LayerBizExecution, LayerResponse}
}

// String returns the string representation of the layer.
func (l Layer) String() string {
	return string(l)
}

// IsValid returns true if the layer is one of the known layers.
func (l Layer) IsValid() bool {
	switch l {
	case LayerCognitive, LayerPlanning, LayerMLExecution, LayerBizExecution, LayerResponse:
		return true
	default:
		return false
	}
}

// ParseLayer parses a layer name, rejecting unknown values.
func ParseLayer(raw string) (Layer, error) {
	l := Layer(strings.TrimSpace(strings.ToLower(raw)))
	if !l.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLayer, raw)
	}
	return l, nil
}

// TodoStatus represents the current state of a todo.
type TodoStatus string

const (
	TodoStatusPending       TodoStatus = "pending"
	TodoStatusInProgress    TodoStatus = "in_progress"
	TodoStatusCompleted     TodoStatus = "completed"
	TodoStatusFailed        TodoStatus = "failed"
	TodoStatusBlocked       TodoStatus = "blocked"
	TodoStatusSkipped       TodoStatus = "skipped"
	TodoStatusNeedsApproval TodoStatus = "needs_approval"
	TodoStatusCancelled     TodoStatus = "cancelled"
)

// String returns the string representation of the status.
func (s TodoStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known todo status.
func (s TodoStatus) IsValid() bool {
	switch s {
	case TodoStatusPending, TodoStatusInProgress, TodoStatusCompleted, TodoStatusFailed,
		TodoStatusBlocked, TodoStatusSkipped, TodoStatusNeedsApproval, TodoStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses a todo never leaves.
func (s TodoStatus) IsTerminal() bool {
	switch s {
	case TodoStatusCompleted, TodoStatusFailed, TodoStatusCancelled, TodoStatusSkipped:
		return true
	default:
		return false
	}
}

// Satisfies returns true if a dependency in this status lets dependents run.
func (s TodoStatus) Satisfies() bool {
	return s == TodoStatusCompleted || s == TodoStatusSkipped
}

// ParseTodoStatus parses a todo status, rejecting unknown values.
func ParseTodoStatus(raw string) (TodoStatus, error) {
	s := TodoStatus(strings.TrimSpace(strings.ToLower(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("%w: todo status %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// PlanStatus represents the current state of a plan.
type PlanStatus string

const (
	PlanStatusDraft     PlanStatus = "draft"
	PlanStatusApproved  PlanStatus = "approved"
	PlanStatusExecuting PlanStatus = "executing"
	PlanStatusPaused    PlanStatus = "paused"
	PlanStatusWaiting   PlanStatus = "waiting"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// String returns the string representation of the status.
func (s PlanStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known plan status.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanStatusDraft, PlanStatusApproved, PlanStatusExecuting, PlanStatusPaused,
		PlanStatusWaiting, PlanStatusCompleted, PlanStatusFailed, PlanStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once the plan can no longer make progress.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusFailed || s == PlanStatusCancelled
}

// CanTransitionTo returns true if the plan can move to the target status.
func (s PlanStatus) CanTransitionTo(target PlanStatus) bool {
	if target == PlanStatusCancelled || target == PlanStatusFailed {
		return !s.IsTerminal()
	}
	switch s {
	case PlanStatusDraft:
		// draft → waiting while a plan_review decision is outstanding
		return target == PlanStatusApproved || target == PlanStatusWaiting
	case PlanStatusApproved:
		return target == PlanStatusExecuting
	case PlanStatusExecuting:
		return target == PlanStatusWaiting || target == PlanStatusPaused || target == PlanStatusCompleted
	case PlanStatusWaiting:
		// waiting → approved when a plan review is granted before execution
		return target == PlanStatusPaused || target == PlanStatusExecuting || target == PlanStatusApproved
	case PlanStatusPaused:
		return target == PlanStatusExecuting || target == PlanStatusWaiting
	default:
		return false
	}
}

// ChangeType classifies why a plan version was created.
type ChangeType string

const (
	ChangeCreate     ChangeType = "create"
	ChangeReplan     ChangeType = "replan"
	ChangeUserEdit   ChangeType = "user_edit"
	ChangeAutoAdjust ChangeType = "auto_adjust"
)

// IsValid returns true if the change type is known.
func (c ChangeType) IsValid() bool {
	switch c {
	case ChangeCreate, ChangeReplan, ChangeUserEdit, ChangeAutoAdjust:
		return true
	default:
		return false
	}
}

// HITLEventType identifies the kind of human input requested or recorded.
type HITLEventType string

const (
	HITLPlanReview      HITLEventType = "plan_review"
	HITLApprovalRequest HITLEventType = "approval_request"
	HITLInputRequest    HITLEventType = "input_request"
	HITLPause           HITLEventType = "pause"
	HITLResume          HITLEventType = "resume"
	HITLCancel          HITLEventType = "cancel"
	HITLEdit            HITLEventType = "edit"
	HITLReplan          HITLEventType = "replan"
)

// IsValid returns true if the event type is known.
func (t HITLEventType) IsValid() bool {
	switch t {
	case HITLPlanReview, HITLApprovalRequest, HITLInputRequest, HITLPause,
		HITLResume, HITLCancel, HITLEdit, HITLReplan:
		return true
	default:
		return false
	}
}

// HITLStatus is the lifecycle state of a HITL event.
type HITLStatus string

const (
	HITLStatusPending   HITLStatus = "pending"
	HITLStatusCompleted HITLStatus = "completed"
	HITLStatusTimeout   HITLStatus = "timeout"
	HITLStatusCancelled HITLStatus = "cancelled"
)

// DecisionKind is the answer a responder gives to a HITL event.
type DecisionKind string

const (
	DecisionApprove    DecisionKind = "approve"
	DecisionReject     DecisionKind = "reject"
	DecisionInputValue DecisionKind = "input_value"
)

// IsValid returns true if the decision kind is known.
func (d DecisionKind) IsValid() bool {
	return d == DecisionApprove || d == DecisionReject || d == DecisionInputValue
}

// Decision resolves a pending HITL event.
type Decision struct {
	Kind      DecisionKind `json:"decision"`
	Value     string       `json:"value,omitempty"`
	Responder string       `json:"responder"`
}

// Validate validates the decision.
func (d Decision) Validate() error {
	if !d.Kind.IsValid() {
		return fmt.Errorf("invalid decision %q", d.Kind)
	}
	if d.Kind == DecisionInputValue && d.Value == "" {
		return fmt.Errorf("input_value decision requires a value")
	}
	return nil
}
