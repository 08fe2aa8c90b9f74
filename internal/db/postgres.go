package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

func Init(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the coordination tables if they do not exist. The
// store is the sole owner of all durable state; workers never cache claim
// state across cycles.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS workers (
            id UUID PRIMARY KEY,
            name TEXT NOT NULL UNIQUE,
            host TEXT NOT NULL,
            last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            task_id UUID
        );`,
		`CREATE TABLE IF NOT EXISTS tasks (
            id UUID PRIMARY KEY,
            name TEXT NOT NULL,
            args JSONB NOT NULL DEFAULT 'null',
            state TEXT NOT NULL,
            resource_claims JSONB NOT NULL DEFAULT '[]',
            worker_id UUID REFERENCES workers(id) ON DELETE SET NULL,
            result JSONB,
            error TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            started_at TIMESTAMPTZ,
            finished_at TIMESTAMPTZ
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state_created ON tasks(state, created_at);`,
		`CREATE TABLE IF NOT EXISTS resource_claims (
            resource TEXT NOT NULL,
            task_id UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
            exclusive BOOLEAN NOT NULL,
            PRIMARY KEY (resource, task_id)
        );`,
		// at most one exclusive claim per resource, enforced by the store itself
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_resource_claims_exclusive
            ON resource_claims(resource) WHERE exclusive;`,
		`CREATE TABLE IF NOT EXISTS schedules (
            id UUID PRIMARY KEY,
            task_name TEXT NOT NULL,
            args JSONB NOT NULL DEFAULT 'null',
            resource_claims JSONB NOT NULL DEFAULT '[]',
            cron_expr TEXT NOT NULL,
            enabled BOOLEAN NOT NULL DEFAULT TRUE,
            last_dispatched TIMESTAMPTZ,
            next_dispatch TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	}
	for _, q := range ddl {
		if _, err := pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
