package pgpool

import (
	"context"
	"database/sql"
	"time"
)

// WithAdvisoryLock runs fn only while this process holds the session-level
// Postgres advisory lock identified by lockKey, backing off and retrying
// until it acquires the lock or ctx is canceled. Used to serialize
// aggregate-type bootstrap DDL across goodmetricsd replicas writing to the
// same database; the schema controller's table DDL does not take it.
func WithAdvisoryLock(ctx context.Context, db *sql.DB, lockKey int64, fn func(context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := db.Conn(ctx)
		if err != nil {
			return err
		}

		var acquired bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey).Scan(&acquired); err != nil {
			_ = conn.Close()
			return err
		}
		if !acquired {
			_ = conn.Close()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}

		err = fn(ctx)
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockKey)
		_ = conn.Close()
		return err
	}
}
