package domain

import (
	"context"
	"time"
)

// SnapshotHandler receives subscription deliveries. A non-nil err reports a
// channel failure; the handler is not called again after that.
type SnapshotHandler func(snap Snapshot, err error)

// CancelFunc stops a subscription. It is idempotent. Once it returns no new
// delivery is dispatched, although a handler already running may finish.
type CancelFunc func()

// RecordSubscriber opens change subscriptions on a user's session record.
// The first delivery is the current committed state, followed by every later
// version in the store's write order. Absent snapshots carry the version of
// the delete that produced them.
type RecordSubscriber interface {
	Subscribe(ctx context.Context, userID string, handler SnapshotHandler) (CancelFunc, error)
}

// SessionRecordStore is the document store holding one record per user.
type SessionRecordStore interface {
	RecordSubscriber

	// Put overwrites the user's record. The store assigns LoginTime,
	// LastActivity and Version, clears any termination fields and writes the
	// assigned values back into rec.
	Put(ctx context.Context, rec *SessionRecord) error
	// MergeActivity refreshes LastActivity only. It fails with ErrStaleSession
	// unless the stored record is active and owned by sessionID.
	MergeActivity(ctx context.Context, userID, sessionID string) error
	// Get returns ErrRecordNotFound when the user has no record.
	Get(ctx context.Context, userID string) (*SessionRecord, error)
	// Delete removes the record if sessionID still owns it, otherwise
	// ErrStaleSession.
	Delete(ctx context.Context, userID, sessionID string) error
}

// AdminStore is the privileged write path.
type AdminStore interface {
	// Revoke flags the record inactive without touching SessionID.
	Revoke(ctx context.Context, userID, reason string) (*SessionRecord, error)
	// DeleteInactiveSince removes records whose LastActivity is before cutoff.
	DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecordBackend is implemented by every concrete store.
type RecordBackend interface {
	SessionRecordStore
	AdminStore
}
