// Package postgres implements the session record store on PostgreSQL.
// Versions come from one global sequence so they increase across deletes,
// and every write sends a NOTIFY inside its own transaction, which delivers
// changes to listeners in commit order. The version of a user's last delete
// is kept in session_record_deletions so absent records report it.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"go.pilab.hu/sessionguard/domain"
)

const recordColumns = `
	user_id, session_id, device_id, device_info, browser_info, os_info,
	login_time, last_activity, is_active, terminated_at, terminated_reason, version`

// Store implements domain.RecordBackend using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Postgres-backed record store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// notification is the NOTIFY payload. Record is nil for deletions.
type notification struct {
	UserID  string                `json:"user_id"`
	Version int64                 `json:"version"`
	Record  *domain.SessionRecord `json:"record,omitempty"`
}

func (n notification) snapshot() domain.Snapshot {
	if n.Record != nil {
		return domain.Snapshot{UserID: n.UserID, Record: n.Record}
	}
	return domain.Snapshot{UserID: n.UserID, Version: n.Version}
}

func scanRecord(row pgx.Row) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	err := row.Scan(
		&rec.UserID,
		&rec.SessionID,
		&rec.DeviceID,
		&rec.DeviceInfo,
		&rec.BrowserInfo,
		&rec.OSInfo,
		&rec.LoginTime,
		&rec.LastActivity,
		&rec.IsActive,
		&rec.TerminatedAt,
		&rec.TerminatedReason,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}
	rec.LoginTime = rec.LoginTime.UTC()
	rec.LastActivity = rec.LastActivity.UTC()
	if rec.TerminatedAt != nil {
		t := rec.TerminatedAt.UTC()
		rec.TerminatedAt = &t
	}
	return &rec, nil
}

func notify(ctx context.Context, tx pgx.Tx, n notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload))
	return err
}

// write runs fn in a transaction and publishes the resulting record.
func (s *Store) write(ctx context.Context, fn func(tx pgx.Tx) (*domain.SessionRecord, error)) (*domain.SessionRecord, error) {
	var out *domain.SessionRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rec, err := fn(tx)
		if err != nil {
			return err
		}
		out = rec
		return notify(ctx, tx, notification{UserID: rec.UserID, Version: rec.Version, Record: rec})
	})
	return out, err
}

// Put implements domain.SessionRecordStore.Put.
func (s *Store) Put(ctx context.Context, rec *domain.SessionRecord) error {
	if rec == nil || rec.UserID == "" || rec.SessionID == "" {
		return domain.ErrInvalidArgument
	}
	stored, err := s.write(ctx, func(tx pgx.Tx) (*domain.SessionRecord, error) {
		return scanRecord(tx.QueryRow(ctx, `
			INSERT INTO session_records (
				user_id, session_id, device_id, device_info, browser_info, os_info,
				login_time, last_activity, is_active, terminated_at, terminated_reason, version
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				now(), now(), TRUE, NULL, '', nextval('session_record_versions')
			)
			ON CONFLICT (user_id) DO UPDATE SET
				session_id = EXCLUDED.session_id,
				device_id = EXCLUDED.device_id,
				device_info = EXCLUDED.device_info,
				browser_info = EXCLUDED.browser_info,
				os_info = EXCLUDED.os_info,
				login_time = EXCLUDED.login_time,
				last_activity = EXCLUDED.last_activity,
				is_active = TRUE,
				terminated_at = NULL,
				terminated_reason = '',
				version = nextval('session_record_versions')
			RETURNING`+recordColumns,
			rec.UserID, rec.SessionID, rec.DeviceID, rec.DeviceInfo, rec.BrowserInfo, rec.OSInfo))
	})
	if err != nil {
		return fmt.Errorf("put session record: %w", err)
	}
	*rec = *stored
	return nil
}

// MergeActivity implements domain.SessionRecordStore.MergeActivity.
func (s *Store) MergeActivity(ctx context.Context, userID, sessionID string) error {
	_, err := s.write(ctx, func(tx pgx.Tx) (*domain.SessionRecord, error) {
		return scanRecord(tx.QueryRow(ctx, `
			UPDATE session_records
			SET last_activity = now(), version = nextval('session_record_versions')
			WHERE user_id = $1 AND session_id = $2 AND is_active
			RETURNING`+recordColumns, userID, sessionID))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrStaleSession
	}
	if err != nil {
		return fmt.Errorf("merge activity: %w", err)
	}
	return nil
}

// Get implements domain.SessionRecordStore.Get.
func (s *Store) Get(ctx context.Context, userID string) (*domain.SessionRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT`+recordColumns+` FROM session_records WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session record: %w", err)
	}
	return rec, nil
}

// Delete implements domain.SessionRecordStore.Delete.
func (s *Store) Delete(ctx context.Context, userID, sessionID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx,
			`SELECT session_id FROM session_records WHERE user_id = $1 FOR UPDATE`, userID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("delete session record: %w", err)
		}
		if current != sessionID {
			return domain.ErrStaleSession
		}

		var version int64
		err = tx.QueryRow(ctx, deleteSQL+` RETURNING version`, userID).Scan(&version)
		if err != nil {
			return fmt.Errorf("delete session record: %w", err)
		}
		return notify(ctx, tx, notification{UserID: userID, Version: version})
	})
}

// deleteSQL removes a user's record and remembers the delete's version.
const deleteSQL = `
	WITH gone AS (DELETE FROM session_records WHERE user_id = $1 RETURNING user_id)
	INSERT INTO session_record_deletions (user_id, version)
	SELECT user_id, nextval('session_record_versions') FROM gone
	ON CONFLICT (user_id) DO UPDATE SET version = EXCLUDED.version`

// Revoke implements domain.AdminStore.Revoke.
func (s *Store) Revoke(ctx context.Context, userID, reason string) (*domain.SessionRecord, error) {
	rec, err := s.write(ctx, func(tx pgx.Tx) (*domain.SessionRecord, error) {
		return scanRecord(tx.QueryRow(ctx, `
			UPDATE session_records
			SET is_active = FALSE,
				terminated_at = now(),
				terminated_reason = $2,
				version = nextval('session_record_versions')
			WHERE user_id = $1
			RETURNING`+recordColumns, userID, reason))
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("revoke session record: %w", err)
	}
	return rec, nil
}

// DeleteInactiveSince implements domain.AdminStore.DeleteInactiveSince.
func (s *Store) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sweepSQL, cutoff)
		if err != nil {
			return err
		}
		var gone []notification
		for rows.Next() {
			var n notification
			if err := rows.Scan(&n.UserID, &n.Version); err != nil {
				rows.Close()
				return err
			}
			gone = append(gone, n)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, n := range gone {
			if err := notify(ctx, tx, n); err != nil {
				return err
			}
		}
		removed = int64(len(gone))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete inactive session records: %w", err)
	}
	return removed, nil
}

const sweepSQL = `
	WITH gone AS (DELETE FROM session_records WHERE last_activity < $1 RETURNING user_id)
	INSERT INTO session_record_deletions (user_id, version)
	SELECT user_id, nextval('session_record_versions') FROM gone
	ON CONFLICT (user_id) DO UPDATE SET version = EXCLUDED.version
	RETURNING user_id, version`

// snapshot reads the record, or the version of its last delete, from one
// consistent view.
func (s *Store) snapshot(ctx context.Context, userID string) (domain.Snapshot, error) {
	snap := domain.Snapshot{UserID: userID}
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rec, err := scanRecord(tx.QueryRow(ctx,
			`SELECT`+recordColumns+` FROM session_records WHERE user_id = $1`, userID))
		if err == nil {
			snap.Record = rec
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		err = tx.QueryRow(ctx,
			`SELECT version FROM session_record_deletions WHERE user_id = $1`, userID).Scan(&snap.Version)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read session record: %w", err)
	}
	return snap, nil
}

// Subscribe implements domain.RecordSubscriber.Subscribe. Each subscription
// holds a pooled connection in LISTEN mode for its lifetime.
func (s *Store) Subscribe(ctx context.Context, userID string, handler domain.SnapshotHandler) (domain.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Release()
		cancel()
		return nil, fmt.Errorf("listen: %w", err)
	}

	initial, err := s.snapshot(ctx, userID)
	if err != nil {
		release(conn)
		cancel()
		return nil, err
	}

	go func() {
		defer release(conn)
		if ctx.Err() != nil {
			return
		}
		handler(initial, nil)

		last := initial.StoreVersion()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("user_id", userID).Msg("Postgres record subscription failed")
				handler(domain.Snapshot{UserID: userID}, fmt.Errorf("%w: %v", domain.ErrSubscriptionClosed, err))
				return
			}

			var msg notification
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
				log.Error().Err(err).Msg("Dropping undecodable record notification")
				continue
			}
			if msg.UserID != userID || msg.Version <= last {
				continue
			}
			last = msg.Version
			if ctx.Err() != nil {
				return
			}
			handler(msg.snapshot(), nil)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// release returns a listening connection to the pool with its LISTEN
// registrations cleared. A connection broken by cancellation is destroyed by
// the pool instead.
func release(conn *pgxpool.Conn) {
	if !conn.Conn().IsClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
			log.Debug().Err(err).Msg("UNLISTEN failed, dropping connection")
			_ = conn.Conn().Close(ctx)
		}
	}
	conn.Release()
}

var _ domain.RecordBackend = (*Store)(nil)
