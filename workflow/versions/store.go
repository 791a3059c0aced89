// Package versions is the append-only log of immutable plan snapshots.
//
// Writers use optimistic concurrency: Snapshot succeeds only if the plan's
// CurrentVersion still matches the latest stored version, otherwise it fails
// with a *workflow.ConcurrentEditError and the caller must re-read and retry.
package versions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/c360studio/semplan/workflow"
)

// ErrVersionNotFound is returned when a requested version does not exist.
var ErrVersionNotFound = errors.New("plan version not found")

// Store persists plan versions. Implementations must be safe for concurrent
// use by many plans.
type Store interface {
	// Snapshot appends a new version holding the plan's current todos and
	// returns its number.
	Snapshot(ctx context.Context, plan *workflow.Plan, changeType workflow.ChangeType, reason string) (int, error)
	// Latest returns the newest version of a plan.
	Latest(ctx context.Context, planID string) (*workflow.PlanVersion, error)
	// At returns a specific version.
	At(ctx context.Context, planID string, number int) (*workflow.PlanVersion, error)
	// List returns every version of a plan, oldest first.
	List(ctx context.Context, planID string) ([]*workflow.PlanVersion, error)
}

// MemoryStore keeps versions in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string][]*workflow.PlanVersion
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans: make(map[string][]*workflow.PlanVersion),
		now:   time.Now,
	}
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(ctx context.Context, plan *workflow.Plan, changeType workflow.ChangeType, reason string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.plans[plan.ID]
	current := len(existing)
	if plan.CurrentVersion != current {
		return 0, &workflow.ConcurrentEditError{PlanID: plan.ID, Expected: plan.CurrentVersion, Actual: current}
	}
	v, err := workflow.NewPlanVersion(plan, current+1, changeType, reason, s.now())
	if err != nil {
		return 0, err
	}
	s.plans[plan.ID] = append(existing, v)
	return v.Number, nil
}

// Latest implements Store.
func (s *MemoryStore) Latest(ctx context.Context, planID string) (*workflow.PlanVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.plans[planID]
	if len(existing) == 0 {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownPlan, planID)
	}
	return existing[len(existing)-1].Clone(), nil
}

// At implements Store.
func (s *MemoryStore) At(ctx context.Context, planID string, number int) (*workflow.PlanVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.plans[planID]
	if number < 1 || number > len(existing) {
		return nil, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, planID, number)
	}
	return existing[number-1].Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, planID string) ([]*workflow.PlanVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.plans[planID]
	out := make([]*workflow.PlanVersion, len(existing))
	for i, v := range existing {
		out[i] = v.Clone()
	}
	return out, nil
}
