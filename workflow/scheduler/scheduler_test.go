package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/graph"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type spec struct {
	id       string
	layer    string
	priority int
	created  time.Duration
	deps     []string
}

func build(t *testing.T, policy workflow.PlanPolicy, specs ...spec) *Scheduler {
	t.Helper()
	var todos []*workflow.Todo
	for _, s := range specs {
		layer := s.layer
		if layer == "" {
			layer = "planning"
		}
		td, err := workflow.NewTodo(workflow.TodoSpec{
			ID: s.id, Layer: layer, Priority: s.priority, DependsOn: s.deps,
		}, t0.Add(s.created))
		require.NoError(t, err)
		todos = append(todos, td)
	}
	g, err := graph.New(todos)
	require.NoError(t, err)
	return New(g, policy)
}

func ids(todos []*workflow.Todo) []string {
	out := make([]string, len(todos))
	for i, td := range todos {
		out[i] = td.ID
	}
	return out
}

func complete(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	_, err := s.Transition(id, workflow.TodoStatusInProgress, t0)
	require.NoError(t, err)
	_, err = s.Transition(id, workflow.TodoStatusCompleted, t0)
	require.NoError(t, err)
}

func fail(t *testing.T, s *Scheduler, id string) {
	t.Helper()
	_, err := s.Transition(id, workflow.TodoStatusInProgress, t0)
	require.NoError(t, err)
	_, err = s.Transition(id, workflow.TodoStatusFailed, t0)
	require.NoError(t, err)
}

func TestReady_TieBreak(t *testing.T) {
	s := build(t, workflow.DefaultPlanPolicy(),
		spec{id: "low", priority: 1},
		spec{id: "high-late", priority: 9, created: 2 * time.Second},
		spec{id: "high-early", priority: 9, created: time.Second},
		spec{id: "b-same", priority: 5},
		spec{id: "a-same", priority: 5},
	)
	assert.Equal(t, []string{"high-early", "high-late", "a-same", "b-same", "low"}, ids(s.Ready(t0)))
}

func TestReady_ScenarioFanOut(t *testing.T) {
	s := build(t, workflow.DefaultPlanPolicy(),
		spec{id: "A"},
		spec{id: "B", priority: 2, deps: []string{"A"}},
		spec{id: "C", priority: 7, deps: []string{"A"}},
	)
	assert.Equal(t, []string{"A"}, ids(s.Ready(t0)))

	complete(t, s, "A")
	assert.Equal(t, []string{"C", "B"}, ids(s.Ready(t0)))

	fail(t, s, "B")
	assert.Empty(t, s.PropagateBlocked("B", t0))
	assert.Equal(t, []string{"C"}, ids(s.Ready(t0)))
	assert.Equal(t, workflow.TodoStatusPending, s.Todo("C").Status)
}

func TestReady_RespectsRetryDelay(t *testing.T) {
	s := build(t, workflow.DefaultPlanPolicy(), spec{id: "a"})
	s.Defer("a", t0.Add(5*time.Second))

	assert.Empty(t, s.Ready(t0))
	assert.Empty(t, s.Ready(t0.Add(4*time.Second)))
	assert.Equal(t, []string{"a"}, ids(s.Ready(t0.Add(5*time.Second))))

	_, err := s.Transition("a", workflow.TodoStatusInProgress, t0)
	require.NoError(t, err)
	_, ok := s.DeferredUntil("a")
	assert.False(t, ok)
}

func TestRelease_ClearsRetryDelay(t *testing.T) {
	s := build(t, workflow.DefaultPlanPolicy(), spec{id: "a"}, spec{id: "b"})
	s.Defer("a", t0.Add(time.Hour))
	s.Defer("b", t0.Add(time.Hour))
	assert.Empty(t, s.Ready(t0))

	s.Release("a")
	assert.Equal(t, []string{"a"}, ids(s.Ready(t0)))
	_, ok := s.DeferredUntil("a")
	assert.False(t, ok)
	until, ok := s.DeferredUntil("b")
	assert.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), until)
}

func TestTransition_RejectsIllegal(t *testing.T) {
	s := build(t, workflow.DefaultPlanPolicy(), spec{id: "a"})
	_, err := s.Transition("a", workflow.TodoStatusCompleted, t0)
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
	assert.Equal(t, workflow.TodoStatusPending, s.Todo("a").Status)

	_, err = s.Transition("zzz", workflow.TodoStatusCompleted, t0)
	assert.ErrorIs(t, err, workflow.ErrUnknownTodo)
}

func TestPropagateBlocked_Transitive(t *testing.T) {
	s := build(t, workflow.DefaultPlanPolicy(),
		spec{id: "a"},
		spec{id: "b", deps: []string{"a"}},
		spec{id: "c", deps: []string{"b"}},
		spec{id: "d", deps: []string{"a", "c"}},
		spec{id: "e"},
	)
	fail(t, s, "a")
	changed := s.PropagateBlocked("a", t0)

	assert.Equal(t, []string{"b", "d", "c"}, changed)
	for _, id := range []string{"b", "c", "d"} {
		assert.Equal(t, workflow.TodoStatusBlocked, s.Todo(id).Status, id)
	}
	assert.Equal(t, workflow.TodoStatusPending, s.Todo("e").Status)
	assert.True(t, s.Active())

	complete(t, s, "e")
	assert.False(t, s.Active())
	assert.Equal(t, []string{"a", "b", "c", "d"}, s.Unfinished())
}

func TestPropagateBlocked_ToleratedLayer(t *testing.T) {
	policy := workflow.PlanPolicy{ContinueOnFailure: []workflow.Layer{workflow.LayerMLExecution}}
	s := build(t, policy,
		spec{id: "analysis", layer: "ml_execution"},
		spec{id: "report", layer: "response", deps: []string{"analysis"}},
	)
	fail(t, s, "analysis")

	assert.Empty(t, s.PropagateBlocked("analysis", t0))
	assert.Equal(t, []string{"report"}, ids(s.Ready(t0)))
}

func TestPropagateBlocked_SkipsDispatched(t *testing.T) {
	s := build(t, workflow.DefaultPlanPolicy(),
		spec{id: "a"},
		spec{id: "b", deps: []string{"a"}},
	)
	_, err := s.Transition("b", workflow.TodoStatusNeedsApproval, t0)
	require.NoError(t, err)
	_, err = s.Transition("a", workflow.TodoStatusInProgress, t0)
	require.NoError(t, err)
	_, err = s.Transition("a", workflow.TodoStatusCancelled, t0)
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, s.PropagateBlocked("a", t0))
	assert.Equal(t, workflow.TodoStatusBlocked, s.Todo("b").Status)
}

func TestUnblock_AfterReplanRemovesFailedDependency(t *testing.T) {
	s := build(t, workflow.DefaultPlanPolicy(),
		spec{id: "a"},
		spec{id: "b", deps: []string{"a"}},
		spec{id: "c", deps: []string{"b"}},
	)
	fail(t, s, "a")
	require.Len(t, s.PropagateBlocked("a", t0), 2)

	assert.Empty(t, s.Unblock(t0))

	require.NoError(t, s.Graph().RemoveDependency("b", "a"))
	assert.Equal(t, []string{"b", "c"}, s.Unblock(t0))
	assert.Equal(t, []string{"b"}, ids(s.Ready(t0)))
}

func TestCancelAll(t *testing.T) {
	s := build(t, workflow.DefaultPlanPolicy(),
		spec{id: "a"},
		spec{id: "b", deps: []string{"a"}},
		spec{id: "c"},
	)
	complete(t, s, "c")
	_, err := s.Transition("a", workflow.TodoStatusInProgress, t0)
	require.NoError(t, err)
	s.Defer("b", t0.Add(time.Hour))

	assert.Equal(t, []string{"a", "b"}, s.CancelAll(t0))
	assert.Equal(t, workflow.TodoStatusCompleted, s.Todo("c").Status)
	assert.False(t, s.Active())
	_, ok := s.DeferredUntil("b")
	assert.False(t, ok)
}

func TestSetGraph_DropsStaleRetryDelays(t *testing.T) {
	s := build(t, workflow.DefaultPlanPolicy(), spec{id: "a"}, spec{id: "b"})
	s.Defer("a", t0.Add(time.Minute))
	s.Defer("b", t0.Add(time.Minute))

	g := s.Graph().Clone()
	_, err := g.RemoveTodo("a", false)
	require.NoError(t, err)
	s.SetGraph(g)

	_, ok := s.DeferredUntil("a")
	assert.False(t, ok)
	_, ok = s.DeferredUntil("b")
	assert.True(t, ok)
}
