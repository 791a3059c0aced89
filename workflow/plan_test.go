package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlan(t *testing.T) {
	p, err := NewPlan(PlanSpec{
		ID: "p1",
		Todos: []TodoSpec{
			{ID: "b", Layer: "planning", DependsOn: []string{"a"}},
			{ID: "a", Layer: "cognitive"},
		},
	}, testNow)
	require.NoError(t, err)

	assert.Equal(t, "p1", p.Name)
	assert.Equal(t, PlanStatusDraft, p.Status)
	assert.True(t, p.Policy.RequireAllCompleted)
	require.Len(t, p.Todos, 2)
	assert.Equal(t, "a", p.Todos[0].ID)
	assert.Equal(t, "b", p.Todos[1].ID)
}

func TestNewPlan_Rejects(t *testing.T) {
	_, err := NewPlan(PlanSpec{ID: "p", Todos: []TodoSpec{
		{ID: "a", Layer: "planning"}, {ID: "a", Layer: "planning"},
	}}, testNow)
	assert.ErrorIs(t, err, ErrDuplicateTodo)

	_, err = NewPlan(PlanSpec{ID: "p", Todos: []TodoSpec{
		{ID: "a", Layer: "planning", DependsOn: []string{"ghost"}},
	}}, testNow)
	assert.ErrorIs(t, err, ErrUnknownTodo)

	_, err = NewPlan(PlanSpec{ID: "p", Policy: &PlanPolicy{ContinueOnFailure: []Layer{"nope"}}}, testNow)
	assert.ErrorIs(t, err, ErrInvalidLayer)

	_, err = NewPlan(PlanSpec{}, testNow)
	assert.Error(t, err)
}

func TestPlan_Counts(t *testing.T) {
	p, err := NewPlan(PlanSpec{ID: "p", Todos: []TodoSpec{
		{ID: "a", Layer: "planning"},
		{ID: "b", Layer: "planning"},
		{ID: "c", Layer: "planning"},
	}}, testNow)
	require.NoError(t, err)

	require.NoError(t, p.Todo("a").Transition(TodoStatusInProgress, testNow))
	require.NoError(t, p.Todo("a").Transition(TodoStatusCompleted, testNow))
	require.NoError(t, p.Todo("b").Transition(TodoStatusBlocked, testNow))

	c := p.Counts()
	assert.Equal(t, Counts{Total: 3, Pending: 1, Completed: 1, Blocked: 1}, c)
}

func TestPlanPolicy_Tolerates(t *testing.T) {
	pol := PlanPolicy{ContinueOnFailure: []Layer{LayerMLExecution}}
	assert.True(t, pol.Tolerates(LayerMLExecution))
	assert.False(t, pol.Tolerates(LayerBizExecution))
}

func TestNewPlanVersion_Snapshot(t *testing.T) {
	p, err := NewPlan(PlanSpec{ID: "p", Todos: []TodoSpec{{ID: "a", Layer: "planning"}}}, testNow)
	require.NoError(t, err)

	v, err := NewPlanVersion(p, 1, ChangeCreate, "initial", testNow)
	require.NoError(t, err)
	p.Todos[0].Priority = 50

	assert.Equal(t, 0, v.Todo("a").Priority)

	_, err = NewPlanVersion(p, 0, ChangeCreate, "", testNow)
	assert.Error(t, err)
	_, err = NewPlanVersion(p, 2, "rewrite", "", testNow)
	assert.Error(t, err)
}

func TestEvent_RoundTrip(t *testing.T) {
	ev, err := NewEvent("p", "a", EventTodoStatus, StatusChange{From: "pending", To: "in_progress", Version: 2}, testNow)
	require.NoError(t, err)
	ev.Sequence = 7

	data, err := json.Marshal(&ev)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, "p-7", got.DedupeKey())

	var body StatusChange
	require.NoError(t, got.Decode(&body))
	assert.Equal(t, "in_progress", body.To)
	assert.NoError(t, got.Validate())
	assert.Equal(t, EventMessageType, got.Schema())
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "semplan.events.plan_1.todo.status", EventSubject("plan.1", EventTodoStatus))
	assert.Equal(t, "semplan.execute.ml_execution", ExecuteSubject(LayerMLExecution))
}
