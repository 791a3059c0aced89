package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/events"
)

var _ events.Recorder = (*RecordStore)(nil)

const upsertHITLQuery = `INSERT INTO hitl_events (event_id, plan_id, todo_id, event_type, status, event, requested_at, resolved_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (event_id) DO UPDATE SET
		status = EXCLUDED.status,
		event = EXCLUDED.event,
		resolved_at = EXCLUDED.resolved_at`

const listHITLByPlanQuery = `SELECT event FROM hitl_events WHERE plan_id = $1 ORDER BY requested_at ASC, event_id ASC`

const listPendingHITLQuery = `SELECT event FROM hitl_events WHERE status = 'pending' ORDER BY requested_at ASC, event_id ASC`

const insertResultQuery = `INSERT INTO execution_results (result_id, plan_id, todo_id, attempt, success, result, started_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (result_id) DO NOTHING`

const listResultsQuery = `SELECT result FROM execution_results WHERE plan_id = $1 ORDER BY started_at ASC, attempt ASC, result_id ASC`

// RecordStore implements events.Recorder on the hitl_events and
// execution_results tables.
type RecordStore struct {
	db DB
}

// NewRecordStore creates a record store.
func NewRecordStore(db DB) *RecordStore {
	return &RecordStore{db: db}
}

// RecordHITL implements events.Recorder.
func (s *RecordStore) RecordHITL(ctx context.Context, ev *workflow.HITLEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal hitl event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertHITLQuery,
		ev.ID, ev.PlanID, ev.TodoID, string(ev.Type), string(ev.Status), raw, ev.RequestedAt.UTC(), ev.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert hitl event: %w", err)
	}
	return nil
}

// RecordResult implements events.Recorder. Redelivered results are ignored.
func (s *RecordStore) RecordResult(ctx context.Context, res *workflow.ExecutionResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertResultQuery,
		res.ID, res.PlanID, res.TodoID, res.Attempt, res.Success, raw, res.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// HITLEvents returns the HITL history of a plan, oldest first.
func (s *RecordStore) HITLEvents(ctx context.Context, planID string) ([]*workflow.HITLEvent, error) {
	return queryJSON[workflow.HITLEvent](ctx, s.db, listHITLByPlanQuery, planID)
}

// PendingHITL returns every pending HITL event across plans.
func (s *RecordStore) PendingHITL(ctx context.Context) ([]*workflow.HITLEvent, error) {
	return queryJSON[workflow.HITLEvent](ctx, s.db, listPendingHITLQuery)
}

// Results returns the execution history of a plan in attempt order.
func (s *RecordStore) Results(ctx context.Context, planID string) ([]*workflow.ExecutionResult, error) {
	return queryJSON[workflow.ExecutionResult](ctx, s.db, listResultsQuery, planID)
}

func queryJSON[T any](ctx context.Context, db DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("unmarshal: %w", err)
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return out, nil
}
