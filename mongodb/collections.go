package mongodb

const (
	// SessionRecordsCollection holds one document per user, keyed by user id.
	SessionRecordsCollection = "session_records"
)
