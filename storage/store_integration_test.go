//go:build integration

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semplan/test/natstest"
	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/versions"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	srv := natstest.Start(t)
	s, err := NewStore(context.Background(), srv.JS)
	require.NoError(t, err)
	return s
}

func newPlan(t *testing.T, id string) *workflow.Plan {
	t.Helper()
	p, err := workflow.NewPlan(workflow.PlanSpec{
		ID: id,
		Todos: []workflow.TodoSpec{
			{ID: "a", Layer: "cognitive"},
			{ID: "b", Layer: "planning", DependsOn: []string{"a"}},
		},
	}, time.Now())
	require.NoError(t, err)
	return p
}

func TestStore_Versions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newPlan(t, "weekly report")

	n, err := s.Snapshot(ctx, p, workflow.ChangeCreate, "initial plan")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p.CurrentVersion = n

	p.Todo("b").Priority = 40
	n, err = s.Snapshot(ctx, p, workflow.ChangeUserEdit, "bump b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	latest, err := s.Latest(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Number)
	assert.Equal(t, 40, latest.Todo("b").Priority)

	v1, err := s.At(ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, v1.Todo("b").Priority)

	_, err = s.At(ctx, p.ID, 3)
	assert.ErrorIs(t, err, versions.ErrVersionNotFound)
	_, err = s.Latest(ctx, "missing")
	assert.ErrorIs(t, err, workflow.ErrUnknownPlan)

	all, err := s.List(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []int{1, 2}, []int{all[0].Number, all[1].Number})

	// Versions of another plan stay separate.
	other := newPlan(t, "weekly")
	_, err = s.Snapshot(ctx, other, workflow.ChangeCreate, "")
	require.NoError(t, err)
	all, err = s.List(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_StaleSnapshotConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newPlan(t, "p")

	_, err := s.Snapshot(ctx, p, workflow.ChangeCreate, "")
	require.NoError(t, err)

	// CurrentVersion still 0: version 1 already exists.
	_, err = s.Snapshot(ctx, p, workflow.ChangeReplan, "stale")
	var ce *workflow.ConcurrentEditError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 0, ce.Expected)
	assert.Equal(t, 1, ce.Actual)

	// A version that was never written is just as stale.
	p.CurrentVersion = 5
	_, err = s.Snapshot(ctx, p, workflow.ChangeReplan, "ahead")
	assert.ErrorIs(t, err, workflow.ErrConcurrentEdit)
}

func TestStore_ConcurrentSnapshotsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := newPlan(t, "p")
	_, err := s.Snapshot(ctx, p, workflow.ChangeCreate, "")
	require.NoError(t, err)
	p.CurrentVersion = 1

	const writers = 6
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Snapshot(ctx, p.Clone(), workflow.ChangeReplan, "race")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, workflow.ErrConcurrentEdit)
	}
	assert.Equal(t, 1, wins)
}

func TestStore_Records(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	ev := &workflow.HITLEvent{
		ID:          "ev-1",
		PlanID:      "p",
		TodoID:      "a",
		Type:        workflow.HITLApprovalRequest,
		Status:      workflow.HITLStatusPending,
		RequestedAt: now,
		Timeout:     time.Hour,
	}
	require.NoError(t, s.RecordHITL(ctx, ev))
	require.NoError(t, s.RecordHITL(ctx, &workflow.HITLEvent{
		ID: "ev-0", PlanID: "other", Type: workflow.HITLPlanReview,
		Status: workflow.HITLStatusPending, RequestedAt: now.Add(-time.Minute),
	}))

	pending, err := s.PendingHITL(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "ev-0", pending[0].ID)

	resolved := ev.Clone()
	resolved.Status = workflow.HITLStatusCompleted
	resolved.Decision = workflow.DecisionApprove
	resolved.Responder = "gina"
	at := now.Add(time.Minute)
	resolved.ResolvedAt = &at
	require.NoError(t, s.RecordHITL(ctx, resolved))

	pending, err = s.PendingHITL(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	history, err := s.HITLEvents(ctx, "p")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, workflow.HITLStatusCompleted, history[0].Status)
	assert.Equal(t, "gina", history[0].Responder)

	first := &workflow.ExecutionResult{ID: "r1", PlanID: "p", TodoID: "a", Attempt: 1, Reason: workflow.ReasonTimeout, StartedAt: now}
	second := &workflow.ExecutionResult{ID: "r2", PlanID: "p", TodoID: "a", Attempt: 2, Success: true, StartedAt: now.Add(time.Second)}
	require.NoError(t, s.RecordResult(ctx, second))
	require.NoError(t, s.RecordResult(ctx, first))
	// Redelivery is idempotent.
	require.NoError(t, s.RecordResult(ctx, first))

	results, err := s.Results(ctx, "p")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "r1", results[0].ID)
	assert.Equal(t, "r2", results[1].ID)
}
