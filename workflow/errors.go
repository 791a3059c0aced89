package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below match their sentinel via errors.Is.
var (
	ErrCycle             = errors.New("dependency cycle")
	ErrDependentsExist   = errors.New("todo has dependents")
	ErrUnknownEvent      = errors.New("unknown or resolved hitl event")
	ErrNoExecutor        = errors.New("no executor registered for layer")
	ErrConcurrentEdit    = errors.New("concurrent plan edit")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownTodo       = errors.New("unknown todo")
	ErrUnknownPlan       = errors.New("unknown plan")
	ErrDuplicateTodo     = errors.New("duplicate todo")
	ErrTodoStarted       = errors.New("todo already started")
	ErrInvalidLayer      = errors.New("invalid layer")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTodo       = errors.New("invalid todo")
	ErrPlanState         = errors.New("operation not allowed in plan state")
)

// CycleError is returned when adding an edge would close a dependency cycle.
type CycleError struct {
	TodoID    string
	DependsOn string
	// Path is the existing dependency chain from DependsOn back to TodoID.
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency cycle: %s -> %s", e.TodoID, e.DependsOn)
	}
	return fmt.Sprintf("dependency cycle: %s -> %s", e.TodoID, strings.Join(e.Path, " -> "))
}

// Is reports whether target is ErrCycle.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// DependentsExistError is returned when removing a todo others still depend on.
type DependentsExistError struct {
	TodoID     string
	Dependents []string
}

func (e *DependentsExistError) Error() string {
	return fmt.Sprintf("todo %s has dependents: %s", e.TodoID, strings.Join(e.Dependents, ", "))
}

// Is reports whether target is ErrDependentsExist.
func (e *DependentsExistError) Is(target error) bool {
	return target == ErrDependentsExist
}

// UnknownEventError is returned when resolving an event that is not pending.
type UnknownEventError struct {
	EventID string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("hitl event %s is not pending", e.EventID)
}

// Is reports whether target is ErrUnknownEvent.
func (e *UnknownEventError) Is(target error) bool {
	return target == ErrUnknownEvent
}

// NoExecutorError is returned when a todo's layer has no registered executor.
type NoExecutorError struct {
	Layer  Layer
	TodoID string
}

func (e *NoExecutorError) Error() string {
	if e.TodoID == "" {
		return fmt.Sprintf("no executor registered for layer %q", e.Layer)
	}
	return fmt.Sprintf("no executor registered for layer %q (todo %s)", e.Layer, e.TodoID)
}

// Is reports whether target is ErrNoExecutor.
func (e *NoExecutorError) Is(target error) bool {
	return target == ErrNoExecutor
}

// ConcurrentEditError is returned when a plan's version advanced since the
// caller last read it. The caller should re-read and retry.
type ConcurrentEditError struct {
	PlanID   string
	Expected int
	Actual   int
}

func (e *ConcurrentEditError) Error() string {
	return fmt.Sprintf("plan %s: expected version %d, current version is %d", e.PlanID, e.Expected, e.Actual)
}

// Is reports whether target is ErrConcurrentEdit.
func (e *ConcurrentEditError) Is(target error) bool {
	return target == ErrConcurrentEdit
}

// IsStructural returns true for errors that must never be retried.
func IsStructural(err error) bool {
	return errors.Is(err, ErrCycle) ||
		errors.Is(err, ErrDependentsExist) ||
		errors.Is(err, ErrUnknownEvent) ||
		errors.Is(err, ErrNoExecutor)
}
