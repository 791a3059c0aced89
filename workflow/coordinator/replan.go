package coordinator

import (
	"context"
	"fmt"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/graph"
	"github.com/c360studio/semplan/workflow/versions"
)

// ReplanRequest is a batch of structured edits applied as one new version.
type ReplanRequest struct {
	// BaseVersion is the version the edits were computed against. Zero skips
	// the check and edits whatever is current.
	BaseVersion int                 `json:"base_version,omitempty"`
	ChangeType  workflow.ChangeType `json:"change_type"`
	Reason      string              `json:"reason,omitempty"`
	Responder   string              `json:"responder,omitempty"`
	Edits       []workflow.Edit     `json:"edits"`
}

// Validate validates the request shape.
func (r *ReplanRequest) Validate() error {
	if r.ChangeType == "" {
		r.ChangeType = workflow.ChangeReplan
	}
	if !r.ChangeType.IsValid() || r.ChangeType == workflow.ChangeCreate {
		return fmt.Errorf("invalid change_type %q", r.ChangeType)
	}
	if len(r.Edits) == 0 {
		return fmt.Errorf("at least one edit is required")
	}
	for i, e := range r.Edits {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("edit %d: %w", i, err)
		}
	}
	return nil
}

// ReplanResult reports the version a replan produced.
type ReplanResult struct {
	Version int           `json:"version"`
	Diff    versions.Diff `json:"diff"`
}

// Replan applies edits to a copy of the graph, stores the result as a new
// version and swaps it in. Any edit error leaves the plan untouched. Terminal
// todos and execution history survive; started todos cannot be removed.
//
// The version write runs without c.mu so in-flight todos keep settling. Todos
// the edits remove or re-wire are held back from dispatch until the swap.
func (c *Coordinator) Replan(ctx context.Context, req ReplanRequest) (*ReplanResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c.replanMu.Lock()
	defer c.replanMu.Unlock()

	p, err := c.prepareReplan(req)
	if err != nil {
		return nil, err
	}
	n, snapErr := c.deps.Versions.Snapshot(ctx, p.next, req.ChangeType, req.Reason)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.poke()
	c.editing = nil

	if snapErr != nil {
		return nil, snapErr
	}
	// Replans are serialized by replanMu, so the store's compare-and-set
	// against the prepared CurrentVersion is the only version check needed.
	c.plan.CurrentVersion = n
	if c.plan.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: plan became %s during replan", workflow.ErrPlanState, c.plan.Status)
	}

	now := c.deps.Now()
	candidate := p.candidate
	c.carryRuntimeState(candidate, p.seen)
	after, err := workflow.NewPlanVersion(p.next, n, req.ChangeType, req.Reason, now)
	if err != nil {
		return nil, err
	}
	diff := versions.Compare(p.before, after)

	c.sched.SetGraph(candidate)
	c.plan.Todos = candidate.Todos()
	c.plan.UpdatedAt = now
	for _, id := range p.removed {
		c.cancelGateFor(id)
		c.gate.Forget(id)
		delete(c.inputs, id)
		delete(c.attempts, id)
		if t, ok := c.timers[id]; ok {
			t.Stop()
			delete(c.timers, id)
		}
	}

	// Reconcile blocked state against the new edges.
	c.unblock()
	for _, t := range candidate.Todos() {
		if t.Status == workflow.TodoStatusFailed || t.Status == workflow.TodoStatusCancelled {
			c.propagate(t.ID)
		}
	}

	audit := workflow.HITLReplan
	if req.ChangeType == workflow.ChangeUserEdit {
		audit = workflow.HITLEdit
	}
	c.emit("", workflow.EventHITLResolved, workflow.HITLChange{Event: c.gate.Record(audit, "", req.Responder, now)})
	c.emit("", workflow.EventPlanReplanned, workflow.ReplanSummary{
		Version:    n,
		ChangeType: req.ChangeType,
		Reason:     req.Reason,
		Added:      diff.Added,
		Removed:    diff.Removed,
		Changed:    diff.Changed,
		Summary:    diff.Summary(),
	})
	c.logger.Info("Plan replanned",
		"version", n,
		"change_type", req.ChangeType,
		"edits", len(req.Edits),
		"summary", diff.Summary())
	return &ReplanResult{Version: n, Diff: diff}, nil
}

// pendingReplan is an edited graph waiting for its version write.
type pendingReplan struct {
	candidate *graph.Graph
	next      *workflow.Plan
	before    *workflow.PlanVersion
	removed   []string
	// seen holds each todo's version at edit time.
	seen map[string]int
}

// prepareReplan applies the edits to a clone of the live graph and marks the
// todos they touch as being edited.
func (c *Coordinator) prepareReplan(req ReplanRequest) (*pendingReplan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.plan.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: cannot replan %s plan", workflow.ErrPlanState, c.plan.Status)
	}
	if req.BaseVersion != 0 && req.BaseVersion != c.plan.CurrentVersion {
		return nil, &workflow.ConcurrentEditError{PlanID: c.plan.ID, Expected: req.BaseVersion, Actual: c.plan.CurrentVersion}
	}

	candidate := c.sched.Graph().Clone()
	seen := make(map[string]int, candidate.Len())
	for _, t := range candidate.Todos() {
		seen[t.ID] = t.Version
	}
	editing := make(map[string]bool)
	var removed []string
	for i, e := range req.Edits {
		gone, err := c.applyEdit(candidate, e)
		if err != nil {
			return nil, fmt.Errorf("edit %d (%s): %w", i, e, err)
		}
		removed = append(removed, gone...)
		if e.Op == workflow.EditAddDependency {
			editing[e.TodoID] = true
		}
	}
	if err := candidate.CycleCheck(); err != nil {
		return nil, err
	}
	for _, id := range removed {
		editing[id] = true
	}

	before, err := workflow.NewPlanVersion(c.plan, c.plan.CurrentVersion, workflow.ChangeReplan, "", c.deps.Now())
	if err != nil {
		return nil, err
	}
	next := c.plan.Clone()
	next.Todos = candidate.Clone().Todos()

	c.editing = editing
	return &pendingReplan{
		candidate: candidate,
		next:      next,
		before:    before,
		removed:   removed,
		seen:      seen,
	}, nil
}

// carryRuntimeState copies execution progress made during the version write
// onto the edited graph. Caller holds c.mu.
func (c *Coordinator) carryRuntimeState(candidate *graph.Graph, seen map[string]int) {
	live := c.sched.Graph()
	for _, t := range candidate.Todos() {
		lt := live.Todo(t.ID)
		if lt == nil || lt.Version == seen[t.ID] {
			continue
		}
		t.Status = lt.Status
		t.RetryCount = lt.RetryCount
		t.StartedAt = lt.StartedAt
		t.CompletedAt = lt.CompletedAt
		t.Version += lt.Version - seen[t.ID]
	}
}

// applyEdit applies one edit to g and returns the IDs it removed.
func (c *Coordinator) applyEdit(g *graph.Graph, e workflow.Edit) ([]string, error) {
	switch e.Op {
	case workflow.EditAddTodo:
		t, err := workflow.NewTodo(*e.Todo, c.deps.Now())
		if err != nil {
			return nil, err
		}
		return nil, g.AddTodo(t)

	case workflow.EditRemoveTodo:
		if !g.Has(e.TodoID) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownTodo, e.TodoID)
		}
		targets := []string{e.TodoID}
		if e.Cascade {
			targets = append(targets, g.Descendants(e.TodoID)...)
		}
		for _, id := range targets {
			if err := removable(g.Todo(id)); err != nil {
				return nil, err
			}
		}
		return g.RemoveTodo(e.TodoID, e.Cascade)

	case workflow.EditChangePriority:
		return nil, g.SetPriority(e.TodoID, e.Priority)

	case workflow.EditAddDependency:
		t := g.Todo(e.TodoID)
		if t == nil {
			return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownTodo, e.TodoID)
		}
		if err := removable(t); err != nil {
			return nil, err
		}
		return nil, g.AddDependency(e.TodoID, e.DependsOn)

	case workflow.EditRemoveDependency:
		return nil, g.RemoveDependency(e.TodoID, e.DependsOn)
	}
	return nil, fmt.Errorf("unknown edit op %q", e.Op)
}

// removable rejects todos that were dispatched or already settled.
func removable(t *workflow.Todo) error {
	if t.Started() {
		return fmt.Errorf("%w: %s is %s", workflow.ErrTodoStarted, t.ID, t.Status)
	}
	return nil
}
