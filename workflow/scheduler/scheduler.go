// Package scheduler computes which todos may run next and applies status
// transitions to a plan's graph.
//
// A Scheduler is not safe for concurrent use; it belongs to the plan's
// coordinator, which serializes every call under its own lock.
package scheduler

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/graph"
)

// Scheduler wraps a plan graph with policy-aware readiness and per-todo
// retry delays.
type Scheduler struct {
	graph      *graph.Graph
	policy     workflow.PlanPolicy
	retryAfter map[string]time.Time
}

// New creates a scheduler over g.
func New(g *graph.Graph, policy workflow.PlanPolicy) *Scheduler {
	return &Scheduler{
		graph:      g,
		policy:     policy,
		retryAfter: make(map[string]time.Time),
	}
}

// Graph returns the live graph.
func (s *Scheduler) Graph() *graph.Graph {
	return s.graph
}

// SetGraph swaps in a new graph after a replan. Retry delays are kept for
// todos that survived.
func (s *Scheduler) SetGraph(g *graph.Graph) {
	s.graph = g
	for id := range s.retryAfter {
		if !g.Has(id) {
			delete(s.retryAfter, id)
		}
	}
}

// Policy returns the plan policy in effect.
func (s *Scheduler) Policy() workflow.PlanPolicy {
	return s.policy
}

// Todo returns a live todo or nil.
func (s *Scheduler) Todo(id string) *workflow.Todo {
	return s.graph.Todo(id)
}

// Satisfied reports whether a dependency in the given status lets its
// dependents run under the plan policy.
func (s *Scheduler) Satisfied(dep *workflow.Todo, status workflow.TodoStatus) bool {
	if status.Satisfies() {
		return true
	}
	if status == workflow.TodoStatusFailed || status == workflow.TodoStatusCancelled {
		return dep != nil && s.policy.Tolerates(dep.Layer)
	}
	return false
}

// Ready returns the effective ready set at now: pending todos whose
// dependencies are satisfied and whose retry delay has elapsed, ordered by
// priority (high first), then creation time, then ID.
func (s *Scheduler) Ready(now time.Time) []*workflow.Todo {
	candidates := s.graph.ReadySetFunc(s.graph.Status, s.Satisfied)
	ready := candidates[:0]
	for _, t := range candidates {
		if until, ok := s.retryAfter[t.ID]; ok && now.Before(until) {
			continue
		}
		ready = append(ready, t)
	}
	slices.SortFunc(ready, func(a, b *workflow.Todo) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ready
}

// Defer keeps a pending todo out of the ready set until the given time.
func (s *Scheduler) Defer(id string, until time.Time) {
	s.retryAfter[id] = until
}

// Release clears a todo's retry delay ahead of its deadline.
func (s *Scheduler) Release(id string) {
	delete(s.retryAfter, id)
}

// DeferredUntil returns the retry time for a todo, if one is set.
func (s *Scheduler) DeferredUntil(id string) (time.Time, bool) {
	until, ok := s.retryAfter[id]
	return until, ok
}

// Transition moves a todo to a new status. Illegal transitions fail with
// workflow.ErrInvalidTransition and change nothing.
func (s *Scheduler) Transition(id string, to workflow.TodoStatus, now time.Time) (from workflow.TodoStatus, err error) {
	t := s.graph.Todo(id)
	if t == nil {
		return "", fmt.Errorf("%w: %s", workflow.ErrUnknownTodo, id)
	}
	from = t.Status
	if err := t.Transition(to, now); err != nil {
		return from, err
	}
	if to != workflow.TodoStatusPending {
		delete(s.retryAfter, id)
	}
	return from, nil
}

// PropagateBlocked marks every not-yet-dispatched transitive dependent of a
// failed or cancelled todo as blocked, breadth-first over blocks edges. Direct
// dependents are spared when the plan policy tolerates the source's layer.
// It returns the IDs that changed, in the order they changed.
func (s *Scheduler) PropagateBlocked(id string, now time.Time) []string {
	src := s.graph.Todo(id)
	if src == nil {
		return nil
	}
	if s.Satisfied(src, src.Status) {
		return nil
	}

	var changed []string
	seen := map[string]bool{id: true}
	queue := s.graph.Dependents(id)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true

		t := s.graph.Todo(next)
		switch t.Status {
		case workflow.TodoStatusPending, workflow.TodoStatusNeedsApproval:
			if err := t.Transition(workflow.TodoStatusBlocked, now); err != nil {
				continue
			}
			delete(s.retryAfter, next)
			changed = append(changed, next)
		case workflow.TodoStatusBlocked:
		default:
			continue
		}
		queue = append(queue, t.Blocks...)
	}
	return changed
}

// Unblock returns blocked todos to pending once none of their dependencies
// is failed, cancelled, or blocked. Used after a replan removes or rewires
// the failed dependency. It returns the IDs that changed in dependency order.
func (s *Scheduler) Unblock(now time.Time) []string {
	order, err := s.graph.TopologicalOrder()
	if err != nil {
		return nil
	}
	var changed []string
	for _, t := range order {
		if t.Status != workflow.TodoStatusBlocked {
			continue
		}
		free := true
		for _, dep := range t.DependsOn {
			d := s.graph.Todo(dep)
			switch d.Status {
			case workflow.TodoStatusBlocked:
				free = false
			case workflow.TodoStatusFailed, workflow.TodoStatusCancelled:
				free = s.Satisfied(d, d.Status)
			}
			if !free {
				break
			}
		}
		if free && t.Transition(workflow.TodoStatusPending, now) == nil {
			changed = append(changed, t.ID)
		}
	}
	return changed
}

// CancelAll moves every non-terminal todo to cancelled and returns the
// changed IDs in dependency order.
func (s *Scheduler) CancelAll(now time.Time) []string {
	var changed []string
	for _, t := range s.ordered() {
		if t.Status.IsTerminal() {
			continue
		}
		if t.Transition(workflow.TodoStatusCancelled, now) == nil {
			changed = append(changed, t.ID)
		}
	}
	clear(s.retryAfter)
	return changed
}

// Active reports whether any todo can still make progress: something that is
// neither terminal nor blocked.
func (s *Scheduler) Active() bool {
	for _, t := range s.graph.Todos() {
		if !t.Status.IsTerminal() && t.Status != workflow.TodoStatusBlocked {
			return true
		}
	}
	return false
}

// Unfinished returns todos that did not end completed or skipped.
func (s *Scheduler) Unfinished() []string {
	var out []string
	for _, t := range s.graph.Todos() {
		if !t.Status.Satisfies() {
			out = append(out, t.ID)
		}
	}
	return out
}

func (s *Scheduler) ordered() []*workflow.Todo {
	order, err := s.graph.TopologicalOrder()
	if err != nil {
		return s.graph.Todos()
	}
	return order
}
