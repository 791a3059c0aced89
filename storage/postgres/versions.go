package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semplan/workflow"
	"github.com/c360studio/semplan/workflow/versions"
)

var _ versions.Store = (*VersionStore)(nil)

// The insert only happens while the plan's newest stored version is still
// the one the caller read. Concurrent inserts of the same number collide on
// the primary key and also return no row.
const insertVersionQuery = `INSERT INTO plan_versions (plan_id, version, change_type, reason, snapshot, created_at)
	SELECT $1::text, $2::integer, $3::text, $4::text, $5::jsonb, $6::timestamptz
	WHERE (SELECT COALESCE(MAX(version), 0) FROM plan_versions WHERE plan_id = $1::text) = $2::integer - 1
	ON CONFLICT (plan_id, version) DO NOTHING
	RETURNING version`

const latestVersionNumberQuery = `SELECT COALESCE(MAX(version), 0) FROM plan_versions WHERE plan_id = $1`

const selectVersionQuery = `SELECT snapshot FROM plan_versions WHERE plan_id = $1 AND version = $2`

const latestVersionQuery = `SELECT snapshot FROM plan_versions WHERE plan_id = $1 ORDER BY version DESC LIMIT 1`

const listVersionsQuery = `SELECT snapshot FROM plan_versions WHERE plan_id = $1 ORDER BY version ASC`

// VersionStore implements versions.Store on the plan_versions table.
type VersionStore struct {
	db  DB
	now func() time.Time
}

// NewVersionStore creates a version store.
func NewVersionStore(db DB) *VersionStore {
	return &VersionStore{db: db, now: time.Now}
}

// Snapshot implements versions.Store.
func (s *VersionStore) Snapshot(ctx context.Context, plan *workflow.Plan, changeType workflow.ChangeType, reason string) (int, error) {
	next := plan.CurrentVersion + 1
	v, err := workflow.NewPlanVersion(plan, next, changeType, reason, s.now().UTC())
	if err != nil {
		return 0, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal version: %w", err)
	}

	var got int
	err = s.db.QueryRowContext(ctx, insertVersionQuery,
		plan.ID, next, string(changeType), reason, raw, v.CreatedAt,
	).Scan(&got)
	if err == nil {
		return got, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("insert version: %w", err)
	}

	var actual int
	if err := s.db.QueryRowContext(ctx, latestVersionNumberQuery, plan.ID).Scan(&actual); err != nil {
		return 0, fmt.Errorf("read latest version: %w", err)
	}
	return 0, &workflow.ConcurrentEditError{PlanID: plan.ID, Expected: plan.CurrentVersion, Actual: actual}
}

// Latest implements versions.Store.
func (s *VersionStore) Latest(ctx context.Context, planID string) (*workflow.PlanVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, latestVersionQuery, planID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownPlan, planID)
	}
	return v, err
}

// At implements versions.Store.
func (s *VersionStore) At(ctx context.Context, planID string, number int) (*workflow.PlanVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, selectVersionQuery, planID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s v%d", versions.ErrVersionNotFound, planID, number)
	}
	return v, err
}

// List implements versions.Store.
func (s *VersionStore) List(ctx context.Context, planID string) ([]*workflow.PlanVersion, error) {
	rows, err := s.db.QueryContext(ctx, listVersionsQuery, planID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.PlanVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (*workflow.PlanVersion, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan version: %w", err)
	}
	var v workflow.PlanVersion
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshal version: %w", err)
	}
	return &v, nil
}
