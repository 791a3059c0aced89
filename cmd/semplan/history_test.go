package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semplan/config"
	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/versions"
)

type fakeRecords struct {
	events  []*workflow.HITLEvent
	results []*workflow.ExecutionResult
}

func (f *fakeRecords) HITLEvents(_ context.Context, planID string) ([]*workflow.HITLEvent, error) {
	var out []*workflow.HITLEvent
	for _, ev := range f.events {
		if ev.PlanID == planID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeRecords) PendingHITL(context.Context) ([]*workflow.HITLEvent, error) {
	var out []*workflow.HITLEvent
	for _, ev := range f.events {
		if ev.IsPending() {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeRecords) Results(_ context.Context, planID string) ([]*workflow.ExecutionResult, error) {
	var out []*workflow.ExecutionResult
	for _, r := range f.results {
		if r.PlanID == planID {
			out = append(out, r)
		}
	}
	return out, nil
}

var histNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func TestShowPending(t *testing.T) {
	records := &fakeRecords{events: []*workflow.HITLEvent{
		{ID: "ev-1", PlanID: "p", TodoID: "a", Type: workflow.HITLApprovalRequest, Status: workflow.HITLStatusPending,
			Prompt: "Approve deploy", RequestedAt: histNow, Timeout: time.Hour},
		{ID: "ev-2", PlanID: "q", Type: workflow.HITLPlanReview, Status: workflow.HITLStatusPending, RequestedAt: histNow},
		{ID: "ev-3", PlanID: "p", Type: workflow.HITLPause, Status: workflow.HITLStatusCompleted, RequestedAt: histNow},
	}}

	var out bytes.Buffer
	require.NoError(t, showPending(context.Background(), &out, records))
	got := out.String()
	assert.Contains(t, got, "ev-1")
	assert.Contains(t, got, "2026-05-04T10:00:00Z")
	assert.Contains(t, got, "Approve deploy")
	assert.Contains(t, got, "ev-2")
	assert.Contains(t, got, "never")
	assert.NotContains(t, got, "ev-3")

	out.Reset()
	require.NoError(t, showPending(context.Background(), &out, &fakeRecords{}))
	assert.Equal(t, "No pending events\n", out.String())
}

func TestShowHistory(t *testing.T) {
	ctx := context.Background()
	vs := versions.NewMemoryStore()
	plan, err := workflow.NewPlan(workflow.PlanSpec{ID: "p", Todos: []workflow.TodoSpec{
		{ID: "a", Title: "A", Layer: string(workflow.LayerCognitive)},
	}}, histNow)
	require.NoError(t, err)
	n, err := vs.Snapshot(ctx, plan, workflow.ChangeCreate, "plan submitted")
	require.NoError(t, err)
	plan.CurrentVersion = n
	b, err := workflow.NewTodo(workflow.TodoSpec{ID: "b", Title: "B", Layer: string(workflow.LayerCognitive)}, histNow)
	require.NoError(t, err)
	plan.Todos = append(plan.Todos, b)
	_, err = vs.Snapshot(ctx, plan, workflow.ChangeUserEdit, "add b")
	require.NoError(t, err)

	records := &fakeRecords{
		events: []*workflow.HITLEvent{
			{ID: "ev-1", PlanID: "p", TodoID: "a", Type: workflow.HITLApprovalRequest, Status: workflow.HITLStatusCompleted,
				Decision: workflow.DecisionApprove, Responder: "gina", RequestedAt: histNow},
			{ID: "ev-9", PlanID: "other", Type: workflow.HITLPause, Status: workflow.HITLStatusCompleted, RequestedAt: histNow},
		},
		results: []*workflow.ExecutionResult{
			{ID: "r1", PlanID: "p", TodoID: "a", Attempt: 1, Reason: workflow.ReasonTimeout, Error: "deadline exceeded",
				StartedAt: histNow, FinishedAt: histNow.Add(2 * time.Second)},
			{ID: "r2", PlanID: "p", TodoID: "a", Attempt: 2, Success: true,
				StartedAt: histNow.Add(3 * time.Second), FinishedAt: histNow.Add(4 * time.Second)},
		},
	}

	var out bytes.Buffer
	require.NoError(t, showHistory(ctx, &out, vs, records, "p"))
	got := out.String()
	assert.Contains(t, got, "Plan p")
	assert.Contains(t, got, "plan submitted")
	assert.Contains(t, got, "add b (v1 -> v2: added 1 (b))")
	assert.Contains(t, got, "gina")
	assert.NotContains(t, got, "ev-9")
	assert.Contains(t, got, "deadline exceeded")
	assert.Contains(t, got, string(workflow.ReasonTimeout))
	assert.Contains(t, got, "2s")

	err = showHistory(ctx, &out, vs, records, "missing")
	assert.ErrorIs(t, err, workflow.ErrUnknownPlan)
}

func TestHistoryCommands_MemoryBackendHasNoHistory(t *testing.T) {
	for _, args := range [][]string{{"pending"}, {"history", "p"}} {
		t.Run(args[0], func(t *testing.T) {
			var out bytes.Buffer
			cmd := rootCmd()
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(append(args, "--storage", config.BackendMemory))
			assert.ErrorIs(t, cmd.Execute(), errNoHistory)
		})
	}
}

func TestApp_RecordsReadBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendNATS

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app, err := openRecords(ctx, cfg)
	require.NoError(t, err)
	defer app.Shutdown(5 * time.Second)
	require.NotNil(t, app.records)
	require.NotNil(t, app.recorder)

	require.NoError(t, app.recorder.RecordHITL(ctx, &workflow.HITLEvent{
		ID: "ev-1", PlanID: "p", TodoID: "a", Type: workflow.HITLInputRequest,
		Status: workflow.HITLStatusPending, Prompt: "Which region?", RequestedAt: histNow,
	}))

	var out bytes.Buffer
	require.NoError(t, showPending(ctx, &out, app.records))
	assert.Contains(t, out.String(), "Which region?")
}
