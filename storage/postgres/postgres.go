// Package postgres persists plan versions, HITL events and execution results
// in PostgreSQL through the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB is the subset of *sql.DB the stores need.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config configures the connection pool.
type Config struct {
	URL             string        `json:"url" yaml:"url"`
	PingTimeout     time.Duration `json:"ping_timeout" yaml:"ping_timeout"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DefaultConfig returns pool defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping_timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max_open_conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns must be between 0 and max_open_conns")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("conn_max_lifetime must be >= 0")
	}
	return nil
}

// Open opens and pings a pool.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS plan_versions (
		plan_id     TEXT        NOT NULL,
		version     INTEGER     NOT NULL,
		change_type TEXT        NOT NULL,
		reason      TEXT        NOT NULL DEFAULT '',
		snapshot    JSONB       NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (plan_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS hitl_events (
		event_id     TEXT        PRIMARY KEY,
		plan_id      TEXT        NOT NULL,
		todo_id      TEXT        NOT NULL DEFAULT '',
		event_type   TEXT        NOT NULL,
		status       TEXT        NOT NULL,
		event        JSONB       NOT NULL,
		requested_at TIMESTAMPTZ NOT NULL,
		resolved_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS hitl_events_status_idx ON hitl_events (status, requested_at)`,
	`CREATE INDEX IF NOT EXISTS hitl_events_plan_idx ON hitl_events (plan_id, requested_at)`,
	`CREATE TABLE IF NOT EXISTS execution_results (
		result_id  TEXT        PRIMARY KEY,
		plan_id    TEXT        NOT NULL,
		todo_id    TEXT        NOT NULL,
		attempt    INTEGER     NOT NULL,
		success    BOOLEAN     NOT NULL,
		result     JSONB       NOT NULL,
		started_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS execution_results_plan_idx ON execution_results (plan_id, started_at, attempt)`,
}

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
