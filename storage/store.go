// Package storage persists plan versions, HITL events and execution results
// in NATS KV.
package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/events"
	"github.com/c360studio/semplan/workflow/versions"
)

// Bucket names.
const (
	BucketVersions = "SEMPLAN_VERSIONS"
	BucketHITL     = "SEMPLAN_HITL"
	BucketResults  = "SEMPLAN_RESULTS"
)

var (
	_ versions.Store  = (*Store)(nil)
	_ events.Recorder = (*Store)(nil)
)

// Store provides plan storage backed by NATS KV. Versions live under
// immutable <plan>.<number> keys, so kv.Create doubles as the optimistic
// concurrency check.
type Store struct {
	versions jetstream.KeyValue
	hitl     jetstream.KeyValue
	results  jetstream.KeyValue
	now      func() time.Time
}

// NewStore creates a new Store with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	vs, err := getOrCreateBucket(ctx, js, BucketVersions, 1)
	if err != nil {
		return nil, fmt.Errorf("create versions bucket: %w", err)
	}

	hitl, err := getOrCreateBucket(ctx, js, BucketHITL, 5)
	if err != nil {
		return nil, fmt.Errorf("create hitl bucket: %w", err)
	}

	results, err := getOrCreateBucket(ctx, js, BucketResults, 1)
	if err != nil {
		return nil, fmt.Errorf("create results bucket: %w", err)
	}

	return &Store{
		versions: vs,
		hitl:     hitl,
		results:  results,
		now:      time.Now,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, history uint8) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Semplan %s storage", strings.ToLower(strings.TrimPrefix(name, "SEMPLAN_"))),
		History:     history,
	})
}

// Snapshot implements versions.Store.
func (s *Store) Snapshot(ctx context.Context, plan *workflow.Plan, changeType workflow.ChangeType, reason string) (int, error) {
	if plan.CurrentVersion > 0 {
		if _, err := s.versions.Get(ctx, versionKey(plan.ID, plan.CurrentVersion)); err != nil {
			if isNotFound(err) {
				return 0, s.conflict(ctx, plan)
			}
			return 0, fmt.Errorf("get version: %w", err)
		}
	}

	next := plan.CurrentVersion + 1
	v, err := workflow.NewPlanVersion(plan, next, changeType, reason, s.now())
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal version: %w", err)
	}

	if _, err := s.versions.Create(ctx, versionKey(plan.ID, next), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, s.conflict(ctx, plan)
		}
		return 0, fmt.Errorf("store version: %w", err)
	}
	return next, nil
}

func (s *Store) conflict(ctx context.Context, plan *workflow.Plan) error {
	all, err := s.List(ctx, plan.ID)
	if err != nil {
		return err
	}
	return &workflow.ConcurrentEditError{PlanID: plan.ID, Expected: plan.CurrentVersion, Actual: len(all)}
}

// Latest implements versions.Store.
func (s *Store) Latest(ctx context.Context, planID string) (*workflow.PlanVersion, error) {
	all, err := s.List(ctx, planID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownPlan, planID)
	}
	return all[len(all)-1], nil
}

// At implements versions.Store.
func (s *Store) At(ctx context.Context, planID string, number int) (*workflow.PlanVersion, error) {
	if number < 1 {
		return nil, fmt.Errorf("%w: %s v%d", versions.ErrVersionNotFound, planID, number)
	}
	entry, err := s.versions.Get(ctx, versionKey(planID, number))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s v%d", versions.ErrVersionNotFound, planID, number)
		}
		return nil, fmt.Errorf("get version: %w", err)
	}

	var v workflow.PlanVersion
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return nil, fmt.Errorf("unmarshal version: %w", err)
	}
	return &v, nil
}

// List implements versions.Store.
func (s *Store) List(ctx context.Context, planID string) ([]*workflow.PlanVersion, error) {
	out, err := collect[workflow.PlanVersion](ctx, s.versions, planPattern(planID))
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	slices.SortFunc(out, func(a, b *workflow.PlanVersion) int {
		return cmp.Compare(a.Number, b.Number)
	})
	return out, nil
}

// RecordHITL implements events.Recorder. The latest status of an event
// overwrites earlier ones.
func (s *Store) RecordHITL(ctx context.Context, ev *workflow.HITLEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal hitl event: %w", err)
	}
	if _, err := s.hitl.Put(ctx, recordKey(ev.PlanID, ev.ID), data); err != nil {
		return fmt.Errorf("store hitl event: %w", err)
	}
	return nil
}

// HITLEvents returns the HITL history of a plan, oldest first.
func (s *Store) HITLEvents(ctx context.Context, planID string) ([]*workflow.HITLEvent, error) {
	out, err := collect[workflow.HITLEvent](ctx, s.hitl, planPattern(planID))
	if err != nil {
		return nil, fmt.Errorf("list hitl events: %w", err)
	}
	sortHITL(out)
	return out, nil
}

// PendingHITL returns every pending HITL event across plans.
func (s *Store) PendingHITL(ctx context.Context) ([]*workflow.HITLEvent, error) {
	all, err := collect[workflow.HITLEvent](ctx, s.hitl, ">")
	if err != nil {
		return nil, fmt.Errorf("list hitl events: %w", err)
	}
	out := slices.DeleteFunc(all, func(ev *workflow.HITLEvent) bool {
		return !ev.IsPending()
	})
	sortHITL(out)
	return out, nil
}

// RecordResult implements events.Recorder. Results are append-only, so a
// redelivered result is a no-op.
func (s *Store) RecordResult(ctx context.Context, res *workflow.ExecutionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := s.results.Create(ctx, recordKey(res.PlanID, res.ID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil
		}
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// Results returns the execution history of a plan in attempt order.
func (s *Store) Results(ctx context.Context, planID string) ([]*workflow.ExecutionResult, error) {
	out, err := collect[workflow.ExecutionResult](ctx, s.results, planPattern(planID))
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	slices.SortFunc(out, func(a, b *workflow.ExecutionResult) int {
		return cmp.Or(
			a.StartedAt.Compare(b.StartedAt),
			cmp.Compare(a.Attempt, b.Attempt),
			strings.Compare(a.ID, b.ID),
		)
	})
	return out, nil
}

func sortHITL(evs []*workflow.HITLEvent) {
	slices.SortFunc(evs, func(a, b *workflow.HITLEvent) int {
		return cmp.Or(
			a.RequestedAt.Compare(b.RequestedAt),
			strings.Compare(a.ID, b.ID),
		)
	})
}

// collect reads the current values of every key matching pattern. The
// watcher delivers a nil entry once the initial values are exhausted.
func collect[T any](ctx context.Context, kv jetstream.KeyValue, pattern string) ([]*T, error) {
	watcher, err := kv.Watch(ctx, pattern, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, err
	}
	defer watcher.Stop()

	var out []*T
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok || entry == nil {
				return out, nil
			}
			var v T
			if err := json.Unmarshal(entry.Value(), &v); err != nil {
				return nil, fmt.Errorf("unmarshal %s: %w", entry.Key(), err)
			}
			out = append(out, &v)
		}
	}
}
