package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/events"
	"github.com/c360studio/semplan/workflow/retry"
	"github.com/c360studio/semplan/workflow/router"
	"github.com/c360studio/semplan/workflow/versions"
)

type harness struct {
	t      *testing.T
	sink   *events.MemorySink
	outbox *events.Outbox
	store  *versions.MemoryStore
	engine *Engine
}

type params struct {
	Fail bool `json:"fail"`
}

// scripted succeeds unless params ask it to fail.
var scripted = router.ExecutorFunc(func(_ context.Context, raw json.RawMessage) (*router.Output, error) {
	var p params
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	if p.Fail {
		return nil, errors.New("scripted failure")
	}
	return &router.Output{Data: json.RawMessage(`{"ok":true}`)}, nil
})

func newHarness(t *testing.T, execs map[workflow.Layer]router.Executor, cfg EngineConfig, opts ...func(*Deps)) *harness {
	t.Helper()
	if execs == nil {
		execs = map[workflow.Layer]router.Executor{workflow.LayerCognitive: scripted}
	}
	r, err := router.New(execs, router.WithDefaultTimeout(5*time.Second))
	require.NoError(t, err)
	policy, err := retry.NewExponential(retry.Config{
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Millisecond,
	})
	require.NoError(t, err)

	h := &harness{
		t:     t,
		sink:  events.NewMemorySink(),
		store: versions.NewMemoryStore(),
	}
	h.outbox = events.NewOutbox(h.sink, events.OutboxOptions{RetryWait: time.Millisecond})
	deps := Deps{
		Router:    r,
		Versions:  h.store,
		Publisher: h.outbox,
		Retry:     policy,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.engine, err = NewEngine(cfg, deps)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
		_ = h.outbox.Close(ctx)
	})
	return h
}

func (h *harness) submit(spec workflow.PlanSpec) *workflow.Plan {
	h.t.Helper()
	p, err := h.engine.Submit(context.Background(), spec)
	require.NoError(h.t, err)
	return p
}

func (h *harness) run(spec workflow.PlanSpec) {
	h.t.Helper()
	h.submit(spec)
	require.NoError(h.t, h.engine.Approve(spec.ID))
	require.NoError(h.t, h.engine.Start(spec.ID))
}

func (h *harness) wait(planID string) (*workflow.Plan, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.engine.Wait(ctx, planID)
}

func (h *harness) waitEvent(match func(workflow.Event) bool) workflow.Event {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ev, err := h.sink.WaitFor(ctx, match)
	require.NoError(h.t, err)
	return ev
}

func (h *harness) flush() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(h.t, h.outbox.Flush(ctx))
}

func isTodoStatus(todoID string, to workflow.TodoStatus) func(workflow.Event) bool {
	return func(ev workflow.Event) bool {
		if ev.Type != workflow.EventTodoStatus || ev.TodoID != todoID {
			return false
		}
		var sc workflow.StatusChange
		return ev.Decode(&sc) == nil && sc.To == string(to)
	}
}

func isPlanStatus(planID string, to workflow.PlanStatus) func(workflow.Event) bool {
	return func(ev workflow.Event) bool {
		if ev.Type != workflow.EventPlanStatus || ev.PlanID != planID {
			return false
		}
		var sc workflow.StatusChange
		return ev.Decode(&sc) == nil && sc.To == string(to)
	}
}

func isHITLRequested(typ workflow.HITLEventType) func(workflow.Event) bool {
	return func(ev workflow.Event) bool {
		if ev.Type != workflow.EventHITLRequested {
			return false
		}
		var hc workflow.HITLChange
		return ev.Decode(&hc) == nil && hc.Event != nil && hc.Event.Type == typ
	}
}

func todo(id string, deps ...string) workflow.TodoSpec {
	return workflow.TodoSpec{ID: id, Title: "todo " + id, Layer: string(workflow.LayerCognitive), DependsOn: deps}
}

func failing(spec workflow.TodoSpec) workflow.TodoSpec {
	spec.Params = json.RawMessage(`{"fail":true}`)
	return spec
}

func statusOf(p *workflow.Plan, id string) workflow.TodoStatus {
	if t := p.Todo(id); t != nil {
		return t.Status
	}
	return ""
}

// sequenceOf returns the sequence of the first event matching match.
func sequenceOf(t *testing.T, evs []workflow.Event, match func(workflow.Event) bool) uint64 {
	t.Helper()
	for _, ev := range evs {
		if match(ev) {
			return ev.Sequence
		}
	}
	t.Fatalf("no matching event")
	return 0
}

func TestFanOut_FailedBranchDoesNotBlockSibling(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	b := failing(todo("b", "a"))
	b.Priority = 10
	c := todo("c", "a")
	c.Priority = 50
	h.run(workflow.PlanSpec{
		ID:     "fan-out",
		Policy: &workflow.PlanPolicy{RequireAllCompleted: true, MaxConcurrency: 1},
		Todos:  []workflow.TodoSpec{todo("a"), b, c},
	})

	plan, err := h.wait("fan-out")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusFailed, plan.Status)
	assert.Equal(t, workflow.TodoStatusCompleted, statusOf(plan, "a"))
	assert.Equal(t, workflow.TodoStatusFailed, statusOf(plan, "b"))
	assert.Equal(t, workflow.TodoStatusCompleted, statusOf(plan, "c"))

	h.flush()
	evs := h.sink.ForPlan("fan-out")
	aDone := sequenceOf(t, evs, isTodoStatus("a", workflow.TodoStatusCompleted))
	bStart := sequenceOf(t, evs, isTodoStatus("b", workflow.TodoStatusInProgress))
	cStart := sequenceOf(t, evs, isTodoStatus("c", workflow.TodoStatusInProgress))
	assert.Less(t, aDone, cStart)
	assert.Less(t, cStart, bStart, "higher priority dispatches first")

	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestFanOut_LenientPolicyCompletes(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	h.run(workflow.PlanSpec{
		ID:     "lenient",
		Policy: &workflow.PlanPolicy{RequireAllCompleted: false},
		Todos:  []workflow.TodoSpec{todo("a"), failing(todo("b", "a")), todo("c", "a"), todo("d", "b")},
	})

	plan, err := h.wait("lenient")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusCompleted, plan.Status)
	assert.Equal(t, workflow.TodoStatusBlocked, statusOf(plan, "d"))
	assert.Equal(t, workflow.TodoStatusCompleted, statusOf(plan, "c"))
}

func TestContinueOnFailure_ToleratedLayerDoesNotBlock(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	h.run(workflow.PlanSpec{
		ID: "tolerant",
		Policy: &workflow.PlanPolicy{
			ContinueOnFailure: []workflow.Layer{workflow.LayerCognitive},
		},
		Todos: []workflow.TodoSpec{failing(todo("a")), todo("b", "a")},
	})

	plan, err := h.wait("tolerant")
	require.NoError(t, err)
	assert.Equal(t, workflow.TodoStatusFailed, statusOf(plan, "a"))
	assert.Equal(t, workflow.TodoStatusCompleted, statusOf(plan, "b"))
	assert.Equal(t, workflow.PlanStatusCompleted, plan.Status)
}

func TestApproval_RejectCancelsAndBlocksDependents(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	a := todo("a")
	a.RequiresApproval = true
	h.run(workflow.PlanSpec{ID: "gated", Todos: []workflow.TodoSpec{a, todo("b", "a")}})

	h.waitEvent(isHITLRequested(workflow.HITLApprovalRequest))
	plan, err := h.engine.Plan("gated")
	require.NoError(t, err)
	assert.Equal(t, workflow.TodoStatusNeedsApproval, statusOf(plan, "a"))
	results, err := h.engine.Results("gated")
	require.NoError(t, err)
	assert.Empty(t, results)

	pending, err := h.engine.PendingEvents("gated")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].TodoID)

	resolved, err := h.engine.Resolve(pending[0].ID, workflow.Decision{Kind: workflow.DecisionReject, Responder: "alice"})
	require.NoError(t, err)
	assert.Equal(t, workflow.HITLStatusCompleted, resolved.Status)

	plan, err = h.wait("gated")
	require.NoError(t, err)
	assert.Equal(t, workflow.TodoStatusCancelled, statusOf(plan, "a"))
	assert.Equal(t, workflow.TodoStatusBlocked, statusOf(plan, "b"))
	assert.Equal(t, workflow.PlanStatusFailed, plan.Status)

	_, err = h.engine.Resolve(pending[0].ID, workflow.Decision{Kind: workflow.DecisionApprove})
	assert.ErrorIs(t, err, workflow.ErrUnknownEvent)
}

func TestApproval_ApproveDispatches(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	a := todo("a")
	a.RequiresApproval = true
	h.run(workflow.PlanSpec{ID: "gated", Todos: []workflow.TodoSpec{a, todo("b", "a")}})

	ev := h.waitEvent(isHITLRequested(workflow.HITLApprovalRequest))
	var hc workflow.HITLChange
	require.NoError(t, ev.Decode(&hc))
	_, err := h.engine.Resolve(hc.Event.ID, workflow.Decision{Kind: workflow.DecisionApprove, Responder: "alice"})
	require.NoError(t, err)

	plan, err := h.wait("gated")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusCompleted, plan.Status)
	assert.Equal(t, workflow.TodoStatusCompleted, statusOf(plan, "b"))
}

func TestApproval_TimeoutAutoRejects(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	a := todo("a")
	a.RequiresApproval = true
	h.run(workflow.PlanSpec{ID: "stale", Todos: []workflow.TodoSpec{a}})
	h.waitEvent(isHITLRequested(workflow.HITLApprovalRequest))

	assert.Zero(t, h.engine.SweepTimeouts(time.Now()))
	assert.Equal(t, 1, h.engine.SweepTimeouts(time.Now().Add(25*time.Hour)))

	plan, err := h.wait("stale")
	require.NoError(t, err)
	assert.Equal(t, workflow.TodoStatusCancelled, statusOf(plan, "a"))

	c, err := h.engine.Coordinator("stale")
	require.NoError(t, err)
	history := c.HITLHistory()
	require.NotEmpty(t, history)
	assert.Equal(t, workflow.HITLStatusTimeout, history[0].Status)
}

func TestSkip_ClearsGateAndSatisfiesDependents(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	a := todo("a")
	a.RequiresApproval = true
	h.run(workflow.PlanSpec{ID: "skip", Todos: []workflow.TodoSpec{a, todo("b", "a")}})
	h.waitEvent(isHITLRequested(workflow.HITLApprovalRequest))

	require.NoError(t, h.engine.Skip("skip", "a", "bob"))
	plan, err := h.wait("skip")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusCompleted, plan.Status)
	assert.Equal(t, workflow.TodoStatusSkipped, statusOf(plan, "a"))
	assert.Equal(t, workflow.TodoStatusCompleted, statusOf(plan, "b"))

	pending, err := h.engine.PendingEvents("skip")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// blocker parks every call until released and reports each start.
type blocker struct {
	started chan string
	release chan struct{}
}

func newBlocker() *blocker {
	return &blocker{started: make(chan string, 16), release: make(chan struct{})}
}

func (b *blocker) Execute(ctx context.Context, raw json.RawMessage) (*router.Output, error) {
	b.started <- string(raw)
	select {
	case <-b.release:
		return &router.Output{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blocker) awaitStarts(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-b.started:
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d of %d dispatches started", i, n)
		}
	}
}

func TestPause_InFlightWorkDrainsBeforePaused(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, map[workflow.Layer]router.Executor{workflow.LayerCognitive: b}, EngineConfig{})
	h.run(workflow.PlanSpec{
		ID:     "pausable",
		Policy: &workflow.PlanPolicy{RequireAllCompleted: true, MaxConcurrency: 2},
		Todos:  []workflow.TodoSpec{todo("a"), todo("b"), todo("c")},
	})
	b.awaitStarts(t, 2)

	require.NoError(t, h.engine.Pause("pausable", "carol"))
	plan, err := h.engine.Plan("pausable")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusWaiting, plan.Status)
	assert.Equal(t, 2, plan.Counts().InProgress)

	close(b.release)
	h.waitEvent(isPlanStatus("pausable", workflow.PlanStatusPaused))

	plan, err = h.engine.Plan("pausable")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusPaused, plan.Status)
	assert.Equal(t, 2, plan.Counts().Completed)
	assert.Equal(t, 1, plan.Counts().Pending)
	results, err := h.engine.Results("pausable")
	require.NoError(t, err)
	assert.Len(t, results, 2)

	pending, err := h.engine.PendingEvents("pausable")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, workflow.HITLPause, pending[0].Type)

	require.NoError(t, h.engine.Resume("pausable", "carol"))
	plan, err = h.wait("pausable")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusCompleted, plan.Status)

	assert.ErrorIs(t, h.engine.Resume("pausable", "carol"), workflow.ErrPlanState)
}

func TestPause_ResolvingPauseEventResumes(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, map[workflow.Layer]router.Executor{workflow.LayerCognitive: b}, EngineConfig{})
	h.run(workflow.PlanSpec{ID: "p", Todos: []workflow.TodoSpec{todo("a")}})
	b.awaitStarts(t, 1)

	require.NoError(t, h.engine.Pause("p", "carol"))
	ev := h.waitEvent(isHITLRequested(workflow.HITLPause))
	var hc workflow.HITLChange
	require.NoError(t, ev.Decode(&hc))

	_, err := h.engine.Resolve(hc.Event.ID, workflow.Decision{Kind: workflow.DecisionApprove, Responder: "carol"})
	require.NoError(t, err)
	close(b.release)

	plan, err := h.wait("p")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusCompleted, plan.Status)
}

func TestRetry_BoundedAttempts(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		attempts   int
	}{
		{name: "zero means one attempt", maxRetries: 0, attempts: 1},
		{name: "one", maxRetries: 1, attempts: 1},
		{name: "three", maxRetries: 3, attempts: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, EngineConfig{})
			a := failing(todo("a"))
			a.MaxRetries = tt.maxRetries
			h.run(workflow.PlanSpec{ID: "retry", Todos: []workflow.TodoSpec{a}})

			plan, err := h.wait("retry")
			require.NoError(t, err)
			assert.Equal(t, workflow.TodoStatusFailed, statusOf(plan, "a"))
			assert.Equal(t, tt.attempts-1, plan.Todo("a").RetryCount)

			results, err := h.engine.Results("retry")
			require.NoError(t, err)
			require.Len(t, results, tt.attempts)
			for i, r := range results {
				assert.Equal(t, i+1, r.Attempt)
				assert.Equal(t, workflow.ReasonExecutorError, r.Reason)
			}
		})
	}
}

func TestRetry_RecoversAfterTransientFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	flaky := router.ExecutorFunc(func(context.Context, json.RawMessage) (*router.Output, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("transient %d", calls)
		}
		return &router.Output{}, nil
	})
	h := newHarness(t, map[workflow.Layer]router.Executor{workflow.LayerCognitive: flaky}, EngineConfig{})
	a := todo("a")
	a.MaxRetries = 5
	h.run(workflow.PlanSpec{ID: "flaky", Todos: []workflow.TodoSpec{a}})

	plan, err := h.wait("flaky")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusCompleted, plan.Status)
	assert.Equal(t, 2, plan.Todo("a").RetryCount)
}

func TestRetry_FrozenClockStillRedispatches(t *testing.T) {
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, nil, EngineConfig{}, func(d *Deps) {
		d.Now = func() time.Time { return frozen }
	})
	a := failing(todo("a"))
	a.MaxRetries = 3
	h.run(workflow.PlanSpec{ID: "frozen", Todos: []workflow.TodoSpec{a}})

	plan, err := h.wait("frozen")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusFailed, plan.Status)
	assert.Equal(t, workflow.TodoStatusFailed, statusOf(plan, "a"))

	results, err := h.engine.Results("frozen")
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestDispatch_TimeoutIsRetryableFailure(t *testing.T) {
	hang := router.ExecutorFunc(func(ctx context.Context, _ json.RawMessage) (*router.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, map[workflow.Layer]router.Executor{workflow.LayerCognitive: hang}, EngineConfig{})
	a := todo("a")
	a.TimeoutSeconds = 1
	h.run(workflow.PlanSpec{ID: "slow", Todos: []workflow.TodoSpec{a}})

	plan, err := h.wait("slow")
	require.NoError(t, err)
	assert.Equal(t, workflow.TodoStatusFailed, statusOf(plan, "a"))
	results, err := h.engine.Results("slow")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, workflow.ReasonTimeout, results[0].Reason)
}

func TestNoExecutor_AbortsPlan(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	a := todo("a")
	a.Layer = string(workflow.LayerMLExecution)
	h.run(workflow.PlanSpec{ID: "orphan", Todos: []workflow.TodoSpec{a, todo("b")}})

	plan, err := h.wait("orphan")
	var noExec *workflow.NoExecutorError
	require.True(t, errors.As(err, &noExec))
	assert.Equal(t, workflow.LayerMLExecution, noExec.Layer)
	require.NotNil(t, plan)
	assert.Equal(t, workflow.PlanStatusFailed, plan.Status)
	assert.Equal(t, workflow.TodoStatusFailed, statusOf(plan, "a"))
	results, err := h.engine.Results("orphan")
	require.NoError(t, err)
	var reasons []workflow.FailureReason
	for _, r := range results {
		if r.TodoID == "a" {
			reasons = append(reasons, r.Reason)
		}
	}
	assert.Equal(t, []workflow.FailureReason{workflow.ReasonNoExecutor}, reasons)
}

func TestCancel_CascadesAndCancelsInFlight(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, map[workflow.Layer]router.Executor{workflow.LayerCognitive: b}, EngineConfig{})
	h.run(workflow.PlanSpec{ID: "doomed", Todos: []workflow.TodoSpec{todo("a"), todo("b", "a")}})
	b.awaitStarts(t, 1)

	require.NoError(t, h.engine.Cancel("doomed", "dave", ""))
	plan, err := h.wait("doomed")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusCancelled, plan.Status)
	assert.Equal(t, workflow.TodoStatusCancelled, statusOf(plan, "a"))
	assert.Equal(t, workflow.TodoStatusCancelled, statusOf(plan, "b"))

	require.Eventually(t, func() bool {
		results, err := h.engine.Results("doomed")
		return err == nil && len(results) == 1 && results[0].Reason == workflow.ReasonCancelled
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, h.engine.Cancel("doomed", "dave", ""), workflow.ErrPlanState)
}

func TestInputRequest_RedispatchesWithAnswer(t *testing.T) {
	asker := router.ExecutorFunc(func(ctx context.Context, _ json.RawMessage) (*router.Output, error) {
		if v, ok := router.InputFrom(ctx); ok {
			return &router.Output{Data: json.RawMessage(fmt.Sprintf(`{"region":%q}`, v))}, nil
		}
		return &router.Output{InputPrompt: "which region?"}, nil
	})
	h := newHarness(t, map[workflow.Layer]router.Executor{workflow.LayerCognitive: asker}, EngineConfig{})
	h.run(workflow.PlanSpec{ID: "ask", Todos: []workflow.TodoSpec{todo("a")}})

	ev := h.waitEvent(isHITLRequested(workflow.HITLInputRequest))
	var hc workflow.HITLChange
	require.NoError(t, ev.Decode(&hc))
	assert.Equal(t, "which region?", hc.Event.Prompt)

	_, err := h.engine.Resolve(hc.Event.ID, workflow.Decision{Kind: workflow.DecisionInputValue, Value: "emea", Responder: "erin"})
	require.NoError(t, err)

	plan, err := h.wait("ask")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusCompleted, plan.Status)
	results, err := h.engine.Results("ask")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].NeedsInput())
	assert.JSONEq(t, `{"region":"emea"}`, string(results[1].Data))
	assert.Equal(t, 2, results[1].Attempt)
}

func TestPlanReview_GatesApproval(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	p := h.submit(workflow.PlanSpec{
		ID:     "review",
		Policy: &workflow.PlanPolicy{RequireAllCompleted: true, ReviewRequired: true},
		Todos:  []workflow.TodoSpec{todo("a")},
	})
	assert.Equal(t, workflow.PlanStatusWaiting, p.Status)
	assert.ErrorIs(t, h.engine.Approve("review"), workflow.ErrPlanState)
	assert.ErrorIs(t, h.engine.Start("review"), workflow.ErrPlanState)

	// Review blocks indefinitely by default.
	assert.Zero(t, h.engine.SweepTimeouts(time.Now().Add(365*24*time.Hour)))

	pending, err := h.engine.PendingEvents("review")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, workflow.HITLPlanReview, pending[0].Type)

	_, err = h.engine.Resolve(pending[0].ID, workflow.Decision{Kind: workflow.DecisionApprove, Responder: "frank"})
	require.NoError(t, err)
	require.NoError(t, h.engine.Start("review"))

	plan, err := h.wait("review")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusCompleted, plan.Status)
}

func TestPlanReview_RejectCancels(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	h.submit(workflow.PlanSpec{
		ID:     "review",
		Policy: &workflow.PlanPolicy{ReviewRequired: true},
		Todos:  []workflow.TodoSpec{todo("a")},
	})
	pending, err := h.engine.PendingEvents("review")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = h.engine.Resolve(pending[0].ID, workflow.Decision{Kind: workflow.DecisionReject, Responder: "frank"})
	require.NoError(t, err)
	plan, err := h.wait("review")
	require.NoError(t, err)
	assert.Equal(t, workflow.PlanStatusCancelled, plan.Status)
	assert.Equal(t, workflow.TodoStatusCancelled, statusOf(plan, "a"))
}

func TestEngine_Errors(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	h.submit(workflow.PlanSpec{ID: "p", Todos: []workflow.TodoSpec{todo("a")}})

	_, err := h.engine.Submit(context.Background(), workflow.PlanSpec{ID: "p"})
	assert.ErrorIs(t, err, ErrPlanExists)

	_, err = h.engine.Plan("nope")
	assert.ErrorIs(t, err, workflow.ErrUnknownPlan)

	_, err = h.engine.Resolve("missing", workflow.Decision{Kind: workflow.DecisionApprove})
	var unknown *workflow.UnknownEventError
	require.True(t, errors.As(err, &unknown))
	assert.True(t, workflow.IsStructural(err))

	assert.ErrorIs(t, h.engine.Start("p"), workflow.ErrPlanState)
	assert.ErrorIs(t, h.engine.Pause("p", "x"), workflow.ErrPlanState)
	assert.ErrorIs(t, h.engine.Skip("p", "zz", "x"), workflow.ErrUnknownTodo)

	_, err = h.engine.Submit(context.Background(), workflow.PlanSpec{
		ID:    "cyclic",
		Todos: []workflow.TodoSpec{todo("a", "b"), todo("b", "a")},
	})
	assert.ErrorIs(t, err, workflow.ErrCycle)

	assert.Len(t, h.engine.Plans(), 1)
	assert.Equal(t, 1, h.engine.Active())
}

func TestEngine_IndependentPlans(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	for i := 0; i < 5; i++ {
		h.run(workflow.PlanSpec{
			ID:    fmt.Sprintf("plan-%d", i),
			Todos: []workflow.TodoSpec{todo("a"), todo("b", "a"), todo("c", "a"), todo("d", "b", "c")},
		})
	}
	for i := 0; i < 5; i++ {
		plan, err := h.wait(fmt.Sprintf("plan-%d", i))
		require.NoError(t, err)
		assert.Equal(t, workflow.PlanStatusCompleted, plan.Status)
	}
	assert.Zero(t, h.engine.Active())

	h.flush()
	for i := 0; i < 5; i++ {
		for j, ev := range h.sink.ForPlan(fmt.Sprintf("plan-%d", i)) {
			assert.Equal(t, uint64(j+1), ev.Sequence)
		}
	}
}

func TestEngine_RunSweepsUntilCancelled(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{TimeoutCheckInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
