package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semplan/workflow"
)

// DefaultTimeoutCheckInterval is how often Run sweeps HITL timeouts.
const DefaultTimeoutCheckInterval = 30 * time.Second

// ErrPlanExists is returned when a plan ID is submitted twice.
var ErrPlanExists = errors.New("plan already exists")

// ErrEngineClosed is returned after Shutdown.
var ErrEngineClosed = errors.New("engine closed")

// EngineConfig configures an Engine.
type EngineConfig struct {
	Coordinator          Config
	TimeoutCheckInterval time.Duration
}

// Engine runs many plans side by side. Plans share the router, version store
// and publisher and nothing else.
type Engine struct {
	cfg    EngineConfig
	deps   Deps
	logger *slog.Logger

	mu     sync.RWMutex
	plans  map[string]*Coordinator
	closed bool
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig, deps Deps) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.TimeoutCheckInterval <= 0 {
		cfg.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		plans:  make(map[string]*Coordinator),
	}, nil
}

// Submit creates a plan and its coordinator.
func (e *Engine) Submit(ctx context.Context, spec workflow.PlanSpec) (*workflow.Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if _, ok := e.plans[spec.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanExists, spec.ID)
	}
	c, err := New(ctx, spec, e.cfg.Coordinator, e.deps)
	if err != nil {
		return nil, err
	}
	e.plans[c.ID()] = c
	return c.Snapshot(), nil
}

// Coordinator returns the coordinator of a plan.
func (e *Engine) Coordinator(planID string) (*Coordinator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownPlan, planID)
	}
	return c, nil
}

// Approve approves a draft plan.
func (e *Engine) Approve(planID string) error {
	c, err := e.Coordinator(planID)
	if err != nil {
		return err
	}
	return c.Approve()
}

// Start starts an approved plan.
func (e *Engine) Start(planID string) error {
	c, err := e.Coordinator(planID)
	if err != nil {
		return err
	}
	return c.Start()
}

// Pause pauses an executing plan.
func (e *Engine) Pause(planID, responder string) error {
	c, err := e.Coordinator(planID)
	if err != nil {
		return err
	}
	return c.Pause(responder)
}

// Resume resumes a paused plan.
func (e *Engine) Resume(planID, responder string) error {
	c, err := e.Coordinator(planID)
	if err != nil {
		return err
	}
	return c.Resume(responder)
}

// Cancel cancels a plan.
func (e *Engine) Cancel(planID, responder, reason string) error {
	c, err := e.Coordinator(planID)
	if err != nil {
		return err
	}
	return c.Cancel(responder, reason)
}

// Skip skips one todo.
func (e *Engine) Skip(planID, todoID, responder string) error {
	c, err := e.Coordinator(planID)
	if err != nil {
		return err
	}
	return c.Skip(todoID, responder)
}

// Resolve routes a decision to the plan owning the event.
func (e *Engine) Resolve(eventID string, d workflow.Decision) (*workflow.HITLEvent, error) {
	e.mu.RLock()
	var owner *Coordinator
	for _, c := range e.plans {
		if c.HasEvent(eventID) {
			owner = c
			break
		}
	}
	e.mu.RUnlock()
	if owner == nil {
		return nil, &workflow.UnknownEventError{EventID: eventID}
	}
	return owner.Resolve(eventID, d)
}

// Replan applies structured edits to a plan.
func (e *Engine) Replan(ctx context.Context, planID string, req ReplanRequest) (*ReplanResult, error) {
	c, err := e.Coordinator(planID)
	if err != nil {
		return nil, err
	}
	return c.Replan(ctx, req)
}

// Plan returns a copy of a plan.
func (e *Engine) Plan(planID string) (*workflow.Plan, error) {
	c, err := e.Coordinator(planID)
	if err != nil {
		return nil, err
	}
	return c.Snapshot(), nil
}

// Plans returns copies of every plan, ordered by ID.
func (e *Engine) Plans() []*workflow.Plan {
	e.mu.RLock()
	coords := make([]*Coordinator, 0, len(e.plans))
	for _, c := range e.plans {
		coords = append(coords, c)
	}
	e.mu.RUnlock()

	out := make([]*workflow.Plan, 0, len(coords))
	for _, c := range coords {
		out = append(out, c.Snapshot())
	}
	slices.SortFunc(out, func(a, b *workflow.Plan) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Results returns a plan's execution history.
func (e *Engine) Results(planID string) ([]*workflow.ExecutionResult, error) {
	c, err := e.Coordinator(planID)
	if err != nil {
		return nil, err
	}
	return c.Results(), nil
}

// PendingEvents returns a plan's pending HITL events.
func (e *Engine) PendingEvents(planID string) ([]*workflow.HITLEvent, error) {
	c, err := e.Coordinator(planID)
	if err != nil {
		return nil, err
	}
	return c.PendingEvents(), nil
}

// Versions lists a plan's stored versions.
func (e *Engine) Versions(ctx context.Context, planID string) ([]*workflow.PlanVersion, error) {
	if _, err := e.Coordinator(planID); err != nil {
		return nil, err
	}
	return e.deps.Versions.List(ctx, planID)
}

// Wait blocks until a plan is terminal.
func (e *Engine) Wait(ctx context.Context, planID string) (*workflow.Plan, error) {
	c, err := e.Coordinator(planID)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// Active returns the number of plans not yet terminal.
func (e *Engine) Active() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, c := range e.plans {
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}

// SweepTimeouts expires due HITL events across all plans.
func (e *Engine) SweepTimeouts(now time.Time) int {
	e.mu.RLock()
	coords := make([]*Coordinator, 0, len(e.plans))
	for _, c := range e.plans {
		coords = append(coords, c)
	}
	e.mu.RUnlock()

	total := 0
	for _, c := range coords {
		total += c.SweepTimeouts(now)
	}
	return total
}

// Run sweeps HITL timeouts on a ticker until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TimeoutCheckInterval)
	defer ticker.Stop()

	e.logger.Info("Engine started", "timeout_check_interval", e.cfg.TimeoutCheckInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.SweepTimeouts(e.deps.Now()); n > 0 {
				e.logger.Info("Expired HITL events", "count", n)
			}
		}
	}
}

// Shutdown stops every coordinator. In-flight dispatches are cancelled and
// plans keep their current status.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	coords := make([]*Coordinator, 0, len(e.plans))
	for _, c := range e.plans {
		coords = append(coords, c)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, c := range coords {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Close()
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
