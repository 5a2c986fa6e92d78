package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel carries every record change as a JSON payload.
const NotifyChannel = "session_records"

const schemaDDL = `
CREATE SEQUENCE IF NOT EXISTS session_record_versions;

CREATE TABLE IF NOT EXISTS session_records (
	user_id           TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	device_id         TEXT NOT NULL DEFAULT '',
	device_info       TEXT NOT NULL DEFAULT '',
	browser_info      TEXT NOT NULL DEFAULT '',
	os_info           TEXT NOT NULL DEFAULT '',
	login_time        TIMESTAMPTZ NOT NULL,
	last_activity     TIMESTAMPTZ NOT NULL,
	is_active         BOOLEAN NOT NULL,
	terminated_at     TIMESTAMPTZ NULL,
	terminated_reason TEXT NOT NULL DEFAULT '',
	version           BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS session_records_last_activity_idx ON session_records (last_activity);

CREATE TABLE IF NOT EXISTS session_record_deletions (
	user_id TEXT PRIMARY KEY,
	version BIGINT NOT NULL
);
`

// NewPool builds a pgxpool and validates connectivity.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := ping(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func ping(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// EnsureSchema creates the table, sequence and index if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure session record schema: %w", err)
	}
	return nil
}
