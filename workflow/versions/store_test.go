package versions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semplan/workflow"
)

func newPlan(t *testing.T) *workflow.Plan {
	t.Helper()
	p, err := workflow.NewPlan(workflow.PlanSpec{
		ID: "plan-1",
		Todos: []workflow.TodoSpec{
			{ID: "a", Layer: "cognitive"},
			{ID: "b", Layer: "planning", DependsOn: []string{"a"}},
		},
	}, time.Now())
	require.NoError(t, err)
	return p
}

func TestMemoryStore_SnapshotAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newPlan(t)

	n, err := s.Snapshot(ctx, p, workflow.ChangeCreate, "initial plan")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	p.CurrentVersion = n

	p.Todo("b").Priority = 10
	p.Todo("b").Touch()
	n, err = s.Snapshot(ctx, p, workflow.ChangeUserEdit, "bump b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	p.CurrentVersion = n

	latest, err := s.Latest(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Number)
	assert.Equal(t, workflow.ChangeUserEdit, latest.ChangeType)

	v1, err := s.At(ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, v1.Todo("b").Priority)

	// Stored snapshots are immutable from the outside.
	v1.Todo("b").Priority = 99
	again, err := s.At(ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Todo("b").Priority)

	all, err := s.List(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].Number)

	_, err = s.At(ctx, p.ID, 3)
	assert.ErrorIs(t, err, ErrVersionNotFound)
	_, err = s.Latest(ctx, "nope")
	assert.ErrorIs(t, err, workflow.ErrUnknownPlan)
}

func TestMemoryStore_StaleWriterGetsConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := newPlan(t)

	_, err := s.Snapshot(ctx, p, workflow.ChangeCreate, "")
	require.NoError(t, err)

	// p.CurrentVersion is still 0: the caller never observed version 1.
	_, err = s.Snapshot(ctx, p, workflow.ChangeReplan, "")
	var ce *workflow.ConcurrentEditError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 0, ce.Expected)
	assert.Equal(t, 1, ce.Actual)
}

// Concurrent editors from the same base version: exactly one wins.
func TestMemoryStore_ConcurrentEditRace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := newPlan(t)
	n, err := s.Snapshot(ctx, base, workflow.ChangeCreate, "")
	require.NoError(t, err)
	base.CurrentVersion = n

	const editors = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < editors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mine := base.Clone()
			<-start
			n, err := s.Snapshot(ctx, mine, workflow.ChangeUserEdit, "race")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, workflow.ErrConcurrentEdit) {
					conflicts++
				}
				return
			}
			winners = append(winners, n)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, []int{2}, winners)
	assert.Equal(t, editors-1, conflicts)

	all, err := s.List(ctx, base.ID)
	require.NoError(t, err)
	for i, v := range all {
		assert.Equal(t, i+1, v.Number)
	}
}

func TestCompare(t *testing.T) {
	p := newPlan(t)
	v1, err := workflow.NewPlanVersion(p, 1, workflow.ChangeCreate, "", time.Now())
	require.NoError(t, err)

	added, err := workflow.NewTodo(workflow.TodoSpec{ID: "c", Layer: "response"}, time.Now())
	require.NoError(t, err)
	p.Todos = append(p.Todos, added)
	p.Todos = p.Todos[1:] // drop a
	p.Todos[0].Priority = 5
	p.Todos[0].Touch()

	v2, err := workflow.NewPlanVersion(p, 2, workflow.ChangeReplan, "", time.Now())
	require.NoError(t, err)

	d := Compare(v1, v2)
	assert.Equal(t, []string{"c"}, d.Added)
	assert.Equal(t, []string{"a"}, d.Removed)
	assert.Equal(t, []string{"b"}, d.Changed)
	assert.Equal(t, "v1 -> v2: added 1 (c); removed 1 (a); changed 1 (b)", d.Summary())

	same := Compare(v2, v2)
	assert.True(t, same.Empty())
	assert.Equal(t, "v2 -> v2: no changes", same.Summary())
}
