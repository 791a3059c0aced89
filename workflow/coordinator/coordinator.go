// Package coordinator drives plans from approval to a terminal status.
//
// A Coordinator owns one plan. Every mutation of the plan's todos happens
// under the coordinator's mutex, and every state change is enqueued on the
// event publisher while that mutex is held, so per-plan event sequences follow
// the order transitions happened. Router dispatches run in their own
// goroutines and report back through apply.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/events"
	"github.com/c360studio/semplan/workflow/gate"
	"github.com/c360studio/semplan/workflow/graph"
	"github.com/c360studio/semplan/workflow/retry"
	"github.com/c360studio/semplan/workflow/router"
	"github.com/c360studio/semplan/workflow/scheduler"
	"github.com/c360studio/semplan/workflow/versions"
)

// DefaultMaxConcurrency bounds in-flight dispatches per plan when neither the
// plan policy nor the config sets a limit.
const DefaultMaxConcurrency = 4

// Dispatcher runs one attempt of a todo. *router.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, planID string, todo *workflow.Todo, attempt int) (*workflow.ExecutionResult, error)
}

// Config holds coordinator settings shared by every plan of an engine.
type Config struct {
	// MaxConcurrency is the default fan-out limit. A plan policy with its own
	// MaxConcurrency wins.
	MaxConcurrency int
	// GatePolicies overrides HITL timeout policies per event type.
	GatePolicies map[workflow.HITLEventType]gate.TimeoutPolicy
}

// Deps are the collaborators a coordinator talks to.
type Deps struct {
	Router    Dispatcher
	Versions  versions.Store
	Publisher events.Publisher
	// Retry defaults to exponential backoff with retry.DefaultConfig.
	Retry  retry.Policy
	Logger *slog.Logger
	// Now stamps timestamps. Retry delays run on wall-clock timers that
	// release the todo when they fire, whatever Now reports.
	Now func() time.Time
}

func (d *Deps) validate() error {
	if d.Router == nil {
		return errors.New("router is required")
	}
	if d.Versions == nil {
		return errors.New("version store is required")
	}
	if d.Publisher == nil {
		return errors.New("publisher is required")
	}
	if d.Retry == nil {
		p, err := retry.NewExponential(retry.DefaultConfig())
		if err != nil {
			return err
		}
		d.Retry = p
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return nil
}

// Coordinator runs one plan.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	// replanMu serializes Replan and is taken before mu.
	replanMu sync.Mutex

	mu       sync.Mutex
	plan     *workflow.Plan
	sched    *scheduler.Scheduler
	gate     *gate.Gate
	results  []*workflow.ExecutionResult
	inflight map[string]context.CancelFunc
	attempts map[string]int
	inputs   map[string]string
	timers   map[string]*time.Timer
	pausing  bool
	fatal    error
	// editing holds todos a replan is removing or re-wiring.
	editing  map[string]bool

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// New validates the plan, stores version 1 and starts the run loop. The plan
// starts in draft, or in waiting behind a plan_review event when its policy
// asks for review.
func New(ctx context.Context, spec workflow.PlanSpec, cfg Config, deps Deps) (*Coordinator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	now := deps.Now()
	plan, err := workflow.NewPlan(spec, now)
	if err != nil {
		return nil, err
	}
	g, err := graph.New(plan.Todos)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", plan.ID, err)
	}
	gt, err := gate.New(plan.ID, gate.Options{Policies: cfg.GatePolicies, Logger: deps.Logger})
	if err != nil {
		return nil, err
	}

	n, err := deps.Versions.Snapshot(ctx, plan, workflow.ChangeCreate, "plan submitted")
	if err != nil {
		return nil, fmt.Errorf("snapshot plan %s: %w", plan.ID, err)
	}
	plan.CurrentVersion = n

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("plan_id", plan.ID),
		plan:     plan,
		sched:    scheduler.New(g, plan.Policy),
		gate:     gt,
		inflight: make(map[string]context.CancelFunc),
		attempts: make(map[string]int),
		inputs:   make(map[string]string),
		timers:   make(map[string]*time.Timer),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      loopCtx,
		cancel:   cancel,
	}

	c.mu.Lock()
	c.emit("", workflow.EventPlanStatus, workflow.StatusChange{
		To:      string(workflow.PlanStatusDraft),
		Version: n,
		Reason:  "plan submitted",
		Counts:  c.counts(),
	})
	if plan.Policy.ReviewRequired {
		ev, _, err := c.gate.Request("", workflow.HITLPlanReview, fmt.Sprintf("Review plan %s", plan.Name), now)
		if err == nil {
			c.emit("", workflow.EventHITLRequested, workflow.HITLChange{Event: ev})
			_ = c.setPlanStatus(workflow.PlanStatusWaiting, "plan review requested")
		}
	}
	c.mu.Unlock()

	c.logger.Info("Plan submitted", "todos", len(plan.Todos), "version", n)
	go c.run()
	return c, nil
}

// ID returns the plan ID.
func (c *Coordinator) ID() string {
	return c.plan.ID
}

// Snapshot returns a deep copy of the plan.
func (c *Coordinator) Snapshot() *workflow.Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan.Clone()
}

// Results returns the execution history, oldest first.
func (c *Coordinator) Results() []*workflow.ExecutionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*workflow.ExecutionResult, len(c.results))
	for i, r := range c.results {
		cp := *r
		out[i] = &cp
	}
	return out
}

// PendingEvents returns the plan's pending HITL events.
func (c *Coordinator) PendingEvents() []*workflow.HITLEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate.Pending()
}

// HITLHistory returns every HITL event of the plan.
func (c *Coordinator) HITLHistory() []*workflow.HITLEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate.History()
}

// HasEvent reports whether the plan owns a HITL event.
func (c *Coordinator) HasEvent(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate.Has(eventID)
}

// Done is closed once the plan reaches a terminal status.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the plan is terminal and returns its final state. A plan
// aborted by a fatal condition returns that condition as the error.
func (c *Coordinator) Wait(ctx context.Context) (*workflow.Plan, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan.Clone(), c.fatal
}

// Close stops the run loop and cancels in-flight dispatches. The plan keeps
// whatever status it had.
func (c *Coordinator) Close() {
	c.cancel()
	<-c.stopped
	c.mu.Lock()
	c.stopTimers()
	c.mu.Unlock()
}

// Approve moves a draft plan to approved.
func (c *Coordinator) Approve() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate.PendingFor("", workflow.HITLPlanReview) != nil {
		return fmt.Errorf("%w: plan %s is awaiting review", workflow.ErrPlanState, c.plan.ID)
	}
	if c.plan.Status != workflow.PlanStatusDraft {
		return fmt.Errorf("%w: cannot approve plan in %s", workflow.ErrPlanState, c.plan.Status)
	}
	return c.setPlanStatus(workflow.PlanStatusApproved, "plan approved")
}

// Start begins execution of an approved plan.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan.Status != workflow.PlanStatusApproved {
		return fmt.Errorf("%w: cannot start plan in %s", workflow.ErrPlanState, c.plan.Status)
	}
	if err := c.setPlanStatus(workflow.PlanStatusExecuting, "execution started"); err != nil {
		return err
	}
	c.poke()
	return nil
}

// Pause stops new dispatches. The plan is waiting until in-flight work
// drains, then paused. A pause HITL event stays pending until resume.
func (c *Coordinator) Pause(responder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan.Status != workflow.PlanStatusExecuting {
		return fmt.Errorf("%w: cannot pause plan in %s", workflow.ErrPlanState, c.plan.Status)
	}
	ev, _, err := c.gate.Request("", workflow.HITLPause, fmt.Sprintf("paused by %s", responder), c.deps.Now())
	if err != nil {
		return err
	}
	c.pausing = true
	if err := c.setPlanStatus(workflow.PlanStatusWaiting, "pause requested"); err != nil {
		return err
	}
	c.emit("", workflow.EventHITLRequested, workflow.HITLChange{Event: ev})
	c.logger.Info("Plan pause requested", "responder", responder, "in_flight", len(c.inflight))
	c.poke()
	return nil
}

// Resume continues a paused or pausing plan.
func (c *Coordinator) Resume(responder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resume(responder)
}

func (c *Coordinator) resume(responder string) error {
	if !c.pausing {
		return fmt.Errorf("%w: plan %s is not paused", workflow.ErrPlanState, c.plan.ID)
	}
	now := c.deps.Now()
	if ev := c.gate.PendingFor("", workflow.HITLPause); ev != nil {
		resolved, err := c.gate.Resolve(ev.ID, workflow.Decision{Kind: workflow.DecisionApprove, Responder: responder}, now)
		if err == nil {
			c.emit("", workflow.EventHITLResolved, workflow.HITLChange{Event: resolved})
		}
	}
	c.emit("", workflow.EventHITLResolved, workflow.HITLChange{Event: c.gate.Record(workflow.HITLResume, "", responder, now)})
	c.pausing = false
	if err := c.setPlanStatus(workflow.PlanStatusExecuting, "resumed"); err != nil {
		return err
	}
	c.logger.Info("Plan resumed", "responder", responder)
	c.poke()
	return nil
}

// Cancel cancels the plan and every non-terminal todo. In-flight dispatches
// are cancelled on a best-effort basis; their results are still recorded.
func (c *Coordinator) Cancel(responder, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan.Status.IsTerminal() {
		return fmt.Errorf("%w: plan %s is already %s", workflow.ErrPlanState, c.plan.ID, c.plan.Status)
	}
	now := c.deps.Now()
	c.emit("", workflow.EventHITLResolved, workflow.HITLChange{Event: c.gate.Record(workflow.HITLCancel, "", responder, now)})
	if reason == "" {
		reason = "cancelled by " + responder
	}
	c.shutdown(workflow.PlanStatusCancelled, reason)
	return nil
}

// Skip marks a todo skipped. Skipped todos satisfy their dependents.
func (c *Coordinator) Skip(todoID, responder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan.Status.IsTerminal() {
		return fmt.Errorf("%w: plan %s is %s", workflow.ErrPlanState, c.plan.ID, c.plan.Status)
	}
	t := c.sched.Todo(todoID)
	if t == nil {
		return fmt.Errorf("%w: %s", workflow.ErrUnknownTodo, todoID)
	}
	if err := c.transition(todoID, workflow.TodoStatusSkipped, "skipped by "+responder); err != nil {
		return err
	}
	if cancel, ok := c.inflight[todoID]; ok {
		cancel()
	}
	c.cancelGateFor(todoID)
	c.unblock()
	c.poke()
	return nil
}

// Resolve applies a human decision to a pending HITL event.
func (c *Coordinator) Resolve(eventID string, d workflow.Decision) (*workflow.HITLEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, err := c.gate.Resolve(eventID, d, c.deps.Now())
	if err != nil {
		return nil, err
	}
	c.emit(ev.TodoID, workflow.EventHITLResolved, workflow.HITLChange{Event: ev})
	c.logger.Info("HITL event resolved",
		"event_id", ev.ID,
		"type", ev.Type,
		"decision", d.Kind,
		"responder", d.Responder)
	c.applyDecision(ev, d.Kind, d.Value, d.Responder)
	c.poke()
	return ev, nil
}

// SweepTimeouts expires HITL events whose deadline passed at now and applies
// their timeout decision. It returns the number of expired events.
func (c *Coordinator) SweepTimeouts(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan.Status.IsTerminal() {
		return 0
	}
	expired := c.gate.Expire(now)
	for _, x := range expired {
		c.emit(x.Event.TodoID, workflow.EventHITLResolved, workflow.HITLChange{Event: x.Event})
		c.logger.Info("HITL event timed out", "event_id", x.Event.ID, "type", x.Event.Type, "decision", x.Decision)
		c.applyDecision(x.Event, x.Decision, "", gate.TimeoutResponder)
	}
	if len(expired) > 0 {
		c.poke()
	}
	return len(expired)
}

func (c *Coordinator) applyDecision(ev *workflow.HITLEvent, kind workflow.DecisionKind, value, responder string) {
	reject := kind == workflow.DecisionReject
	switch ev.Type {
	case workflow.HITLApprovalRequest, workflow.HITLInputRequest:
		t := c.sched.Todo(ev.TodoID)
		if t == nil || t.Status != workflow.TodoStatusNeedsApproval {
			return
		}
		if reject {
			if c.transition(t.ID, workflow.TodoStatusCancelled, fmt.Sprintf("%s rejected", ev.Type)) == nil {
				c.propagate(t.ID)
			}
			return
		}
		if kind == workflow.DecisionInputValue {
			c.inputs[t.ID] = value
		}
		_ = c.transition(t.ID, workflow.TodoStatusPending, fmt.Sprintf("%s granted", ev.Type))

	case workflow.HITLPlanReview:
		if reject {
			c.shutdown(workflow.PlanStatusCancelled, "plan review rejected")
			return
		}
		_ = c.setPlanStatus(workflow.PlanStatusApproved, "plan review approved")

	case workflow.HITLPause:
		if reject {
			c.shutdown(workflow.PlanStatusCancelled, "pause rejected")
			return
		}
		c.pausing = false
		c.emit("", workflow.EventHITLResolved, workflow.HITLChange{Event: c.gate.Record(workflow.HITLResume, "", responder, c.deps.Now())})
		_ = c.setPlanStatus(workflow.PlanStatusExecuting, "resumed")
	}
}

func (c *Coordinator) run() {
	defer close(c.stopped)
	for {
		c.mu.Lock()
		c.step()
		finished := c.plan.Status.IsTerminal() && len(c.inflight) == 0
		c.mu.Unlock()
		if finished {
			return
		}

		select {
		case <-c.wake:
		case <-c.ctx.Done():
			return
		}
	}
}

// step runs one scheduling pass. Caller holds c.mu.
func (c *Coordinator) step() {
	switch c.plan.Status {
	case workflow.PlanStatusExecuting:
	case workflow.PlanStatusWaiting:
		if c.pausing && len(c.inflight) == 0 {
			_ = c.setPlanStatus(workflow.PlanStatusPaused, "in-flight work drained")
		}
		return
	default:
		return
	}

	now := c.deps.Now()
	limit := c.limit()
	for _, t := range c.sched.Ready(now) {
		if c.editing[t.ID] {
			continue
		}
		if t.RequiresApproval && !c.gate.Cleared(t.ID) {
			c.requestApproval(t)
			continue
		}
		if len(c.inflight) >= limit {
			continue
		}
		c.dispatch(t)
	}

	if len(c.inflight) == 0 && !c.sched.Active() {
		c.finish()
	}
}

func (c *Coordinator) requestApproval(t *workflow.Todo) {
	if err := c.transition(t.ID, workflow.TodoStatusNeedsApproval, "approval required"); err != nil {
		return
	}
	prompt := fmt.Sprintf("Approve %s", t.Title)
	if t.Title == "" {
		prompt = fmt.Sprintf("Approve %s", t.ID)
	}
	ev, superseded, err := c.gate.Request(t.ID, workflow.HITLApprovalRequest, prompt, c.deps.Now())
	if err != nil {
		c.logger.Error("Failed to request approval", "todo_id", t.ID, "error", err)
		return
	}
	for _, old := range superseded {
		c.emit(old.TodoID, workflow.EventHITLResolved, workflow.HITLChange{Event: old})
	}
	c.emit(t.ID, workflow.EventHITLRequested, workflow.HITLChange{Event: ev})
}

func (c *Coordinator) dispatch(t *workflow.Todo) {
	if err := c.transition(t.ID, workflow.TodoStatusInProgress, "dispatched"); err != nil {
		c.logger.Error("Failed to start todo", "todo_id", t.ID, "error", err)
		return
	}
	c.attempts[t.ID]++
	attempt := c.attempts[t.ID]

	ctx, cancel := context.WithCancel(c.ctx)
	if input, ok := c.inputs[t.ID]; ok {
		ctx = router.WithInput(ctx, input)
		delete(c.inputs, t.ID)
	}
	c.inflight[t.ID] = cancel
	todo := t.Clone()
	planID := c.plan.ID

	go func() {
		defer cancel()
		res, err := c.deps.Router.Dispatch(ctx, planID, todo, attempt)
		c.apply(todo.ID, res, err)
	}()
}

// apply folds a dispatch outcome back into the plan.
func (c *Coordinator) apply(todoID string, res *workflow.ExecutionResult, dispatchErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.poke()

	delete(c.inflight, todoID)
	if res == nil {
		res = &workflow.ExecutionResult{PlanID: c.plan.ID, TodoID: todoID, Reason: workflow.ReasonExecutorError}
		if dispatchErr != nil {
			res.Error = dispatchErr.Error()
		}
	}
	c.results = append(c.results, res)
	c.emit(todoID, workflow.EventTodoResult, res)

	t := c.sched.Todo(todoID)
	if t == nil || t.Status != workflow.TodoStatusInProgress || c.ctx.Err() != nil {
		// Cancelled, skipped or removed while running; history only.
		return
	}

	var noExec *workflow.NoExecutorError
	if errors.As(dispatchErr, &noExec) {
		_ = c.transition(todoID, workflow.TodoStatusFailed, string(workflow.ReasonNoExecutor))
		c.abort(dispatchErr)
		return
	}

	if res.Success {
		if res.NeedsInput() {
			c.requestInput(t, res.InputPrompt)
			return
		}
		_ = c.transition(todoID, workflow.TodoStatusCompleted, "")
		c.logger.Debug("Todo completed", "todo_id", todoID, "attempt", res.Attempt, "duration", res.Duration())
		return
	}

	decision := c.deps.Retry.ShouldRetry(t, res)
	if decision.Retry {
		if err := c.transition(todoID, workflow.TodoStatusPending, fmt.Sprintf("retry after %s: %s", decision.Delay, res.Reason)); err != nil {
			return
		}
		t.RetryCount++
		c.sched.Defer(todoID, c.deps.Now().Add(decision.Delay))
		c.scheduleWake(todoID, decision.Delay)
		c.logger.Warn("Todo failed, retrying",
			"todo_id", todoID,
			"attempt", res.Attempt,
			"retry_count", t.RetryCount,
			"delay", decision.Delay,
			"reason", res.Reason,
			"error", res.Error)
		return
	}

	if err := c.transition(todoID, workflow.TodoStatusFailed, string(res.Reason)); err != nil {
		return
	}
	c.logger.Warn("Todo failed",
		"todo_id", todoID,
		"attempt", res.Attempt,
		"reason", res.Reason,
		"error", res.Error)
	c.propagate(todoID)
}

func (c *Coordinator) requestInput(t *workflow.Todo, prompt string) {
	if c.transition(t.ID, workflow.TodoStatusPending, "input requested") != nil {
		return
	}
	if c.transition(t.ID, workflow.TodoStatusNeedsApproval, "awaiting input") != nil {
		return
	}
	ev, superseded, err := c.gate.Request(t.ID, workflow.HITLInputRequest, prompt, c.deps.Now())
	if err != nil {
		c.logger.Error("Failed to request input", "todo_id", t.ID, "error", err)
		return
	}
	for _, old := range superseded {
		c.emit(old.TodoID, workflow.EventHITLResolved, workflow.HITLChange{Event: old})
	}
	c.emit(t.ID, workflow.EventHITLRequested, workflow.HITLChange{Event: ev})
}

// finish settles an executing plan once nothing can make progress.
func (c *Coordinator) finish() {
	unfinished := c.sched.Unfinished()
	if c.plan.Policy.RequireAllCompleted && len(unfinished) > 0 {
		_ = c.setPlanStatus(workflow.PlanStatusFailed, fmt.Sprintf("%d todos did not complete", len(unfinished)))
		return
	}
	_ = c.setPlanStatus(workflow.PlanStatusCompleted, "")
}

// abort fails the plan on a fatal condition.
func (c *Coordinator) abort(err error) {
	c.fatal = err
	c.logger.Error("Plan aborted", "error", err)
	c.shutdown(workflow.PlanStatusFailed, err.Error())
}

// shutdown moves the plan to a terminal status, cancelling everything still
// open.
func (c *Coordinator) shutdown(status workflow.PlanStatus, reason string) {
	if c.plan.Status.IsTerminal() {
		return
	}
	now := c.deps.Now()
	prior := make(map[string]workflow.TodoStatus)
	for _, t := range c.sched.Graph().Todos() {
		prior[t.ID] = t.Status
	}
	for _, id := range c.sched.CancelAll(now) {
		t := c.sched.Todo(id)
		c.emit(id, workflow.EventTodoStatus, workflow.StatusChange{
			From:    string(prior[id]),
			To:      string(workflow.TodoStatusCancelled),
			Version: t.Version,
			Reason:  reason,
		})
	}
	for _, cancel := range c.inflight {
		cancel()
	}
	for _, ev := range c.gate.CancelAll(now) {
		c.emit(ev.TodoID, workflow.EventHITLResolved, workflow.HITLChange{Event: ev})
	}
	c.pausing = false
	_ = c.setPlanStatus(status, reason)
}

func (c *Coordinator) propagate(id string) {
	for _, dep := range c.sched.PropagateBlocked(id, c.deps.Now()) {
		c.cancelGateFor(dep)
		t := c.sched.Todo(dep)
		c.emit(dep, workflow.EventTodoStatus, workflow.StatusChange{
			To:      string(workflow.TodoStatusBlocked),
			Version: t.Version,
			Reason:  "dependency " + id + " did not complete",
		})
	}
}

func (c *Coordinator) unblock() {
	for _, id := range c.sched.Unblock(c.deps.Now()) {
		t := c.sched.Todo(id)
		c.emit(id, workflow.EventTodoStatus, workflow.StatusChange{
			From:    string(workflow.TodoStatusBlocked),
			To:      string(workflow.TodoStatusPending),
			Version: t.Version,
			Reason:  "dependencies recovered",
		})
	}
}

func (c *Coordinator) cancelGateFor(todoID string) {
	for _, ev := range c.gate.CancelTarget(todoID, c.deps.Now()) {
		c.emit(ev.TodoID, workflow.EventHITLResolved, workflow.HITLChange{Event: ev})
	}
}

func (c *Coordinator) transition(id string, to workflow.TodoStatus, reason string) error {
	from, err := c.sched.Transition(id, to, c.deps.Now())
	if err != nil {
		return err
	}
	c.emit(id, workflow.EventTodoStatus, workflow.StatusChange{
		From:    string(from),
		To:      string(to),
		Version: c.sched.Todo(id).Version,
		Reason:  reason,
	})
	return nil
}

func (c *Coordinator) setPlanStatus(to workflow.PlanStatus, reason string) error {
	from := c.plan.Status
	if from == to {
		return nil
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: plan %s cannot go from %s to %s", workflow.ErrPlanState, c.plan.ID, from, to)
	}
	c.plan.Status = to
	c.plan.UpdatedAt = c.deps.Now()
	c.emit("", workflow.EventPlanStatus, workflow.StatusChange{
		From:    string(from),
		To:      string(to),
		Version: c.plan.CurrentVersion,
		Reason:  reason,
		Counts:  c.counts(),
	})
	c.logger.Info("Plan status changed", "from", from, "to", to, "reason", reason)
	if to.IsTerminal() {
		c.stopTimers()
		close(c.done)
	}
	return nil
}

func (c *Coordinator) emit(todoID string, typ workflow.EventType, body any) {
	ev, err := workflow.NewEvent(c.plan.ID, todoID, typ, body, c.deps.Now())
	if err != nil {
		c.logger.Error("Failed to build event", "type", typ, "todo_id", todoID, "error", err)
		return
	}
	c.deps.Publisher.Enqueue(ev)
}

func (c *Coordinator) counts() *workflow.Counts {
	counts := c.plan.Counts()
	return &counts
}

func (c *Coordinator) limit() int {
	if n := c.plan.Policy.MaxConcurrency; n > 0 {
		return n
	}
	if c.cfg.MaxConcurrency > 0 {
		return c.cfg.MaxConcurrency
	}
	return DefaultMaxConcurrency
}

// scheduleWake arms the retry timer for a deferred todo. Caller holds c.mu.
func (c *Coordinator) scheduleWake(todoID string, delay time.Duration) {
	if t, ok := c.timers[todoID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() { c.releaseRetry(todoID, timer) })
	c.timers[todoID] = timer
}

// releaseRetry makes a deferred todo ready again once its retry timer fires.
func (c *Coordinator) releaseRetry(todoID string, timer *time.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timers[todoID] != timer {
		return
	}
	delete(c.timers, todoID)
	if _, ok := c.sched.DeferredUntil(todoID); !ok {
		return
	}
	c.sched.Release(todoID)
	c.poke()
}

func (c *Coordinator) stopTimers() {
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
