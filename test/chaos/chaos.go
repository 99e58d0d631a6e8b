// Package chaos injects faults into a running stress test.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills a random backend whose application_name is
// app every few seconds, mid-transaction or not, counting kills in killed.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, app string, every time.Duration, killed *atomic.Int64, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(3) != 0 {
				continue
			}
			var ok bool
			err := pool.QueryRow(ctx, `
SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database() AND application_name = $1 AND pid <> pg_backend_pid()
    ORDER BY random() LIMIT 1) victims`, app).Scan(&ok)
			if err == nil && ok {
				killed.Add(1)
			}
		}
	}
}
