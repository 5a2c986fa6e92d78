package domain

import "time"

// SessionRecord is the single per-user document naming the current
// authoritative session. Stores keep at most one record per UserID and
// overwrite it wholesale on every login.
type SessionRecord struct {
	UserID    string `bson:"_id" json:"user_id"`
	SessionID string `bson:"session_id" json:"session_id"` // fencing token
	DeviceID  string `bson:"device_id" json:"device_id"`

	// Descriptive only. Never consulted when deciding authority.
	DeviceInfo  string `bson:"device_info,omitempty" json:"device_info,omitempty"`
	BrowserInfo string `bson:"browser_info,omitempty" json:"browser_info,omitempty"`
	OSInfo      string `bson:"os_info,omitempty" json:"os_info,omitempty"`

	LoginTime    time.Time `bson:"login_time" json:"login_time"`
	LastActivity time.Time `bson:"last_activity" json:"last_activity"`

	IsActive         bool       `bson:"is_active" json:"is_active"`
	TerminatedAt     *time.Time `bson:"terminated_at,omitempty" json:"terminated_at,omitempty"`
	TerminatedReason string     `bson:"terminated_reason,omitempty" json:"terminated_reason,omitempty"`

	// Version is assigned by the store and increases on every write to the
	// record, exposing the store's per-user write order. A record recreated
	// after a delete continues above the delete's version.
	Version int64 `bson:"version" json:"version"`
}

// Clone returns a deep copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.TerminatedAt != nil {
		t := *r.TerminatedAt
		c.TerminatedAt = &t
	}
	return &c
}

// Authorizes reports whether the record still names sessionID as the live
// session. Only SessionID and IsActive take part in the decision.
func (r *SessionRecord) Authorizes(sessionID string) bool {
	return r != nil && r.IsActive && sessionID != "" && r.SessionID == sessionID
}

// DeviceMetadata is the informational part of a record captured at login.
type DeviceMetadata struct {
	DeviceInfo  string
	BrowserInfo string
	OSInfo      string
}

// Snapshot is one delivery from a record subscription.
type Snapshot struct {
	UserID string
	// Record is nil when the document does not exist.
	Record *SessionRecord
	// Version is the store version of an absent snapshot: the version the
	// delete was committed at, or 0 when the record never existed. Present
	// snapshots carry theirs in Record.
	Version int64
	// Pending marks a latency-compensated echo of a write made by the same
	// store client that the store has not committed yet.
	Pending bool
}

// Exists reports whether the snapshot carries a record.
func (s Snapshot) Exists() bool { return s.Record != nil }

// StoreVersion is the position of the snapshot in the store's per-user
// order. Versions never repeat for a user, deletes included.
func (s Snapshot) StoreVersion() int64 {
	if s.Record != nil {
		return s.Record.Version
	}
	return s.Version
}
