// Package gate tracks human-in-the-loop events for one plan.
//
// At most one event is pending per (target, type). A new request for the same
// pair supersedes the old one, which becomes cancelled. Timeouts follow a
// per-type policy: reject, approve, or block (never expire).
//
// A Gate does no I/O and is not safe for concurrent use; the plan's
// coordinator owns it. Persistence happens downstream of the event outbox.
package gate

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semplan/workflow"
)

// TimeoutResponder is recorded as the responder on expired events.
const TimeoutResponder = "system:timeout"

// OnTimeout is the decision applied when an event's timeout elapses.
type OnTimeout string

const (
	OnTimeoutReject  OnTimeout = "reject"
	OnTimeoutApprove OnTimeout = "approve"
	OnTimeoutBlock   OnTimeout = "block"
)

// TimeoutPolicy configures how long an event type waits and what happens
// when the wait runs out.
type TimeoutPolicy struct {
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	OnTimeout OnTimeout     `json:"on_timeout" yaml:"on_timeout"`
}

// Validate validates the policy.
func (p TimeoutPolicy) Validate() error {
	switch p.OnTimeout {
	case OnTimeoutBlock:
		return nil
	case OnTimeoutReject, OnTimeoutApprove:
		if p.Timeout <= 0 {
			return fmt.Errorf("on_timeout %q requires a positive timeout", p.OnTimeout)
		}
		return nil
	default:
		return fmt.Errorf("invalid on_timeout %q", p.OnTimeout)
	}
}

// DefaultPolicies returns the built-in timeout policies. Todo-level requests
// auto-reject after a day; whole-plan decisions block until answered.
func DefaultPolicies() map[workflow.HITLEventType]TimeoutPolicy {
	return map[workflow.HITLEventType]TimeoutPolicy{
		workflow.HITLApprovalRequest: {Timeout: 24 * time.Hour, OnTimeout: OnTimeoutReject},
		workflow.HITLInputRequest:    {Timeout: 24 * time.Hour, OnTimeout: OnTimeoutReject},
		workflow.HITLPlanReview:      {OnTimeout: OnTimeoutBlock},
		workflow.HITLPause:           {OnTimeout: OnTimeoutBlock},
	}
}

// Options configures a Gate.
type Options struct {
	// Policies overrides DefaultPolicies per event type.
	Policies map[workflow.HITLEventType]TimeoutPolicy
	Logger   *slog.Logger
}

// Expired is an event whose timeout elapsed, with the decision applied.
type Expired struct {
	Event    *workflow.HITLEvent
	Decision workflow.DecisionKind
}

type key struct {
	target string
	typ    workflow.HITLEventType
}

// Gate holds one plan's HITL events.
type Gate struct {
	planID   string
	policies map[workflow.HITLEventType]TimeoutPolicy
	logger   *slog.Logger

	events  map[string]*workflow.HITLEvent
	order   []string
	pending map[key]string
	cleared map[string]bool
}

// New creates a gate for one plan.
func New(planID string, opts Options) (*Gate, error) {
	policies := DefaultPolicies()
	for typ, p := range opts.Policies {
		if !typ.IsValid() {
			return nil, fmt.Errorf("invalid hitl event type %q", typ)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy for %s: %w", typ, err)
		}
		policies[typ] = p
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		planID:   planID,
		policies: policies,
		logger:   logger,
		events:   make(map[string]*workflow.HITLEvent),
		pending:  make(map[key]string),
		cleared:  make(map[string]bool),
	}, nil
}

// Policy returns the timeout policy for an event type.
func (g *Gate) Policy(typ workflow.HITLEventType) TimeoutPolicy {
	if p, ok := g.policies[typ]; ok {
		return p
	}
	return TimeoutPolicy{OnTimeout: OnTimeoutBlock}
}

// Request opens a pending event for a todo (or the plan when todoID is
// empty). It returns the new event and any event it superseded.
func (g *Gate) Request(todoID string, typ workflow.HITLEventType, prompt string, now time.Time) (*workflow.HITLEvent, []*workflow.HITLEvent, error) {
	if !typ.IsValid() {
		return nil, nil, fmt.Errorf("invalid hitl event type %q", typ)
	}
	ev := &workflow.HITLEvent{
		ID:          uuid.NewString(),
		PlanID:      g.planID,
		TodoID:      todoID,
		Type:        typ,
		Prompt:      prompt,
		Status:      workflow.HITLStatusPending,
		RequestedAt: now,
	}
	if p := g.Policy(typ); p.OnTimeout != OnTimeoutBlock {
		ev.Timeout = p.Timeout
	}

	var superseded []*workflow.HITLEvent
	k := key{target: ev.Target(), typ: typ}
	if prev, ok := g.pending[k]; ok {
		old := g.events[prev]
		g.finish(old, workflow.HITLStatusCancelled, "", "", "", now)
		superseded = append(superseded, old.Clone())
		g.logger.Debug("Superseded pending hitl event",
			"plan_id", g.planID,
			"event_id", old.ID,
			"type", typ)
	}

	g.events[ev.ID] = ev
	g.order = append(g.order, ev.ID)
	g.pending[k] = ev.ID
	if typ == workflow.HITLApprovalRequest && todoID != "" {
		delete(g.cleared, todoID)
	}
	return ev.Clone(), superseded, nil
}

// Resolve applies a decision to a pending event. Unknown or already resolved
// events fail with *workflow.UnknownEventError.
func (g *Gate) Resolve(eventID string, d workflow.Decision, now time.Time) (*workflow.HITLEvent, error) {
	ev, ok := g.events[eventID]
	if !ok || !ev.IsPending() {
		return nil, &workflow.UnknownEventError{EventID: eventID}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Kind == workflow.DecisionInputValue && ev.Type != workflow.HITLInputRequest {
		return nil, fmt.Errorf("input_value decision is only valid for input_request events, got %s", ev.Type)
	}
	g.finish(ev, workflow.HITLStatusCompleted, d.Kind, d.Value, d.Responder, now)
	if ev.Type == workflow.HITLApprovalRequest && d.Kind == workflow.DecisionApprove {
		g.cleared[ev.TodoID] = true
	}
	return ev.Clone(), nil
}

// Expire times out pending events whose deadline has passed and applies the
// policy decision. Events whose policy blocks never expire.
func (g *Gate) Expire(now time.Time) []Expired {
	var out []Expired
	for _, id := range g.order {
		ev := g.events[id]
		if !ev.IsPending() {
			continue
		}
		deadline, ok := ev.Deadline()
		if !ok || now.Before(deadline) {
			continue
		}
		decision := workflow.DecisionReject
		if g.Policy(ev.Type).OnTimeout == OnTimeoutApprove {
			decision = workflow.DecisionApprove
		}
		g.finish(ev, workflow.HITLStatusTimeout, decision, "", TimeoutResponder, now)
		if ev.Type == workflow.HITLApprovalRequest && decision == workflow.DecisionApprove {
			g.cleared[ev.TodoID] = true
		}
		out = append(out, Expired{Event: ev.Clone(), Decision: decision})
	}
	return out
}

// Record logs a completed control action (pause, resume, cancel, edit,
// replan) for audit. It never supersedes pending requests.
func (g *Gate) Record(typ workflow.HITLEventType, todoID, responder string, now time.Time) *workflow.HITLEvent {
	resolved := now
	ev := &workflow.HITLEvent{
		ID:          uuid.NewString(),
		PlanID:      g.planID,
		TodoID:      todoID,
		Type:        typ,
		Status:      workflow.HITLStatusCompleted,
		RequestedAt: now,
		Decision:    workflow.DecisionApprove,
		Responder:   responder,
		ResolvedAt:  &resolved,
	}
	g.events[ev.ID] = ev
	g.order = append(g.order, ev.ID)
	return ev.Clone()
}

// Cleared reports whether a todo's approval was already granted.
func (g *Gate) Cleared(todoID string) bool {
	return g.cleared[todoID]
}

// Forget drops the cleared flag for a todo, e.g. when it is removed.
func (g *Gate) Forget(todoID string) {
	delete(g.cleared, todoID)
}

// CancelTarget cancels every pending event for a todo.
func (g *Gate) CancelTarget(todoID string, now time.Time) []*workflow.HITLEvent {
	var out []*workflow.HITLEvent
	for _, id := range g.order {
		ev := g.events[id]
		if ev.IsPending() && ev.TodoID == todoID {
			g.finish(ev, workflow.HITLStatusCancelled, "", "", "", now)
			out = append(out, ev.Clone())
		}
	}
	return out
}

// CancelAll cancels every pending event.
func (g *Gate) CancelAll(now time.Time) []*workflow.HITLEvent {
	var out []*workflow.HITLEvent
	for _, id := range g.order {
		ev := g.events[id]
		if ev.IsPending() {
			g.finish(ev, workflow.HITLStatusCancelled, "", "", "", now)
			out = append(out, ev.Clone())
		}
	}
	return out
}

// Has reports whether the gate knows the event, pending or not.
func (g *Gate) Has(eventID string) bool {
	_, ok := g.events[eventID]
	return ok
}

// Get returns a copy of an event.
func (g *Gate) Get(eventID string) *workflow.HITLEvent {
	return g.events[eventID].Clone()
}

// PendingFor returns the pending event for a target and type, or nil.
func (g *Gate) PendingFor(todoID string, typ workflow.HITLEventType) *workflow.HITLEvent {
	if id, ok := g.pending[key{target: workflow.TargetKey(g.planID, todoID), typ: typ}]; ok {
		return g.events[id].Clone()
	}
	return nil
}

// Pending returns pending events, oldest first.
func (g *Gate) Pending() []*workflow.HITLEvent {
	var out []*workflow.HITLEvent
	for _, id := range g.order {
		if ev := g.events[id]; ev.IsPending() {
			out = append(out, ev.Clone())
		}
	}
	return out
}

// History returns every event in creation order.
func (g *Gate) History() []*workflow.HITLEvent {
	out := make([]*workflow.HITLEvent, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.events[id].Clone())
	}
	return out
}

func (g *Gate) finish(ev *workflow.HITLEvent, status workflow.HITLStatus, decision workflow.DecisionKind, value, responder string, now time.Time) {
	resolved := now
	ev.Status = status
	ev.Decision = decision
	ev.Value = value
	ev.Responder = responder
	ev.ResolvedAt = &resolved
	delete(g.pending, key{target: ev.Target(), typ: ev.Type})
}
