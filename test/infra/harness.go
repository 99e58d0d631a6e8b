package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database used by a stress run: a container, a reused
// database with an isolated schema, or a local scratch database.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness resolves a database in order of preference: overrideDSN or
// STRESS_TEST_PG_DSN (isolated schema), a Postgres container when Docker
// answers, and finally a local server. Migrations are applied before return.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	if overrideDSN == "" {
		overrideDSN = os.Getenv("STRESS_TEST_PG_DSN")
	}

	h := &Harness{container: &PGContainer{}}
	isolate := overrideDSN != ""

	var err error
	switch {
	case isolate:
		h.dsn = overrideDSN
	case dockerAvailable(ctx):
		h.container, h.dsn, err = StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
	default:
		h.dsn, err = InitLocalDatabase(ctx, "dspflow_stress")
		if err != nil {
			return nil, fmt.Errorf("init local database: %w", err)
		}
	}

	h.pool, h.teardown, err = ApplyMigrations(ctx, h.dsn, isolate)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return h, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if terr := h.container.Terminate(ctx); terr != nil && err == nil {
		err = terr
	}
	return err
}

// Reset truncates process and queue tables to provide a clean slate.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `TRUNCATE TABLE tasks, task_dead_letters, cdc_dead_letters, negotiations, transfers`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
