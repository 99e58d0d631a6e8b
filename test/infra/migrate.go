package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dspflow/db"
)

// ApplicationName tags stress connections so chaos only kills our own.
const ApplicationName = "dspflow-stress"

// ApplyMigrations opens a pool on dsn and applies the embedded migrations.
// When isolate is true every connection is pinned to a fresh schema that the
// returned teardown drops, so runs can share one database.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 64
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName

	cleanup := func(context.Context) error { return nil }

	if isolate {
		schema := fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		if err := execOnce(ctx, dsn, "CREATE SCHEMA "+ident); err != nil {
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}

		cfg.ConnConfig.RuntimeParams["search_path"] = schema
		cleanup = func(ctx context.Context) error {
			return execOnce(ctx, dsn, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}

	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if len(applied) == 0 && isolate {
		pool.Close()
		return nil, nil, fmt.Errorf("no migrations applied to isolated schema")
	}

	return pool, cleanup, nil
}

func execOnce(ctx context.Context, dsn, stmt string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, stmt)
	return err
}
