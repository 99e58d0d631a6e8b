package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationLockKey = "dspflow_schema_migrations"

// Migration is one embedded SQL file. Version is the numeric file prefix.
type Migration struct {
	Version string
	Name    string
	SQL     string
}

// Migrations returns the embedded migrations ordered by version.
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("db: read migrations: %w", err)
	}

	out := make([]Migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		data, err := migrationFS.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("db: read %s: %w", e.Name(), err)
		}
		base := strings.TrimSuffix(e.Name(), ".sql")
		version, name, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("db: migration %s: expected <version>_<name>.sql", e.Name())
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(data)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate applies pending migrations, each in its own transaction, and returns
// the versions it applied. Concurrent callers serialize on an advisory lock.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	migrations, err := Migrations()
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return nil, fmt.Errorf("db: create schema_migrations: %w", err)
	}

	var applied []string
	for _, m := range migrations {
		ok, err := applyMigration(ctx, pool, m)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, m.Version)
		}
	}
	return applied, nil
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, m Migration) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("db: begin migration %s: %w", m.Version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, migrationLockKey); err != nil {
		return false, fmt.Errorf("db: lock migrations: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&exists); err != nil {
		return false, fmt.Errorf("db: check migration %s: %w", m.Version, err)
	}
	if exists {
		return false, nil
	}

	if err := execScript(ctx, tx, m.SQL); err != nil {
		return false, fmt.Errorf("db: apply %s_%s: %w", m.Version, m.Name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return false, fmt.Errorf("db: record migration %s: %w", m.Version, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("db: commit migration %s: %w", m.Version, err)
	}
	return true, nil
}

// execScript sends a multi-statement script over the simple protocol.
func execScript(ctx context.Context, tx pgx.Tx, script string) error {
	res := tx.Conn().PgConn().Exec(ctx, script)
	_, err := res.ReadAll()
	return err
}
