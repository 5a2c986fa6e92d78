package domain

import "fmt"

// TerminationReason classifies why an arbitrated session ended.
type TerminationReason string

const (
	ReasonSignedInElsewhere TerminationReason = "signed_in_elsewhere"
	ReasonRevoked           TerminationReason = "revoked"
	ReasonRecordDeleted     TerminationReason = "record_deleted"
	ReasonStaleHeartbeat    TerminationReason = "stale_heartbeat"
	ReasonSubscriptionLost  TerminationReason = "subscription_lost"
	ReasonUserInitiated     TerminationReason = "user_initiated"
)

// Termination is handed to the NavigationPort when a session ends.
type Termination struct {
	Reason TerminationReason
	// Detail carries the administrator supplied reason for revocations.
	Detail string
}

// Message is the text shown to the user on forced sign-out.
func (t Termination) Message() string {
	switch t.Reason {
	case ReasonSignedInElsewhere, ReasonStaleHeartbeat:
		return "signed in elsewhere"
	case ReasonRevoked:
		if t.Detail != "" {
			return fmt.Sprintf("revoked by administrator: %s", t.Detail)
		}
		return "revoked by administrator"
	case ReasonRecordDeleted:
		return "session ended"
	case ReasonSubscriptionLost:
		return "connection to session service lost"
	case ReasonUserInitiated:
		return "signed out"
	default:
		return string(t.Reason)
	}
}
