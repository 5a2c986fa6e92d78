package domain

import "errors"

var (
	// ErrRecordNotFound is returned when no session record exists for a user.
	ErrRecordNotFound = errors.New("session record not found")
	// ErrStaleSession is returned by conditional writes whose asserted session
	// id no longer owns the record. It is a fencing signal, never retried.
	ErrStaleSession = errors.New("session is no longer authoritative")
	// ErrSubscriptionClosed is reported when a store shuts a subscription down.
	ErrSubscriptionClosed = errors.New("record subscription closed")

	ErrAlreadyActive      = errors.New("session already active")
	ErrNotActive          = errors.New("no active session")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidArgument    = errors.New("invalid argument")
)
