package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills a random backend of the stress database so
// in-flight settlement transactions see connection loss mid-operation. When
// appLike is non-empty only backends whose application_name matches the
// pattern are candidates.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appLike string, stop <-chan struct{}) {
	const base = `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = current_database() AND pid <> pg_backend_pid()`

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			if appLike != "" {
				_, _ = pool.Exec(ctx, base+` AND application_name LIKE $1 ORDER BY random() LIMIT 1`, appLike)
			} else {
				_, _ = pool.Exec(ctx, base+` ORDER BY random() LIMIT 1`)
			}
		}
	}
}
