package audit

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event represents an audit log event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`   // who performed the action
	Target    string    `json:"target,omitempty"`  // affected user id
	Details   string    `json:"details,omitempty"` // reason, counts
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

const (
	ActionRevokeSession = "session.revoke"
	ActionSweepRecords  = "session.sweep"
)

var (
	mu          sync.Mutex
	auditLogger = zerolog.New(os.Stdout).With().Timestamp().Str("log", "audit").Logger()
)

// SetOutput redirects audit events, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	auditLogger = zerolog.New(w).With().Timestamp().Str("log", "audit").Logger()
	mu.Unlock()
}

// Log records an audit event.
func Log(service, action, actor, target, details string, success bool, err error) {
	ev := Event{
		Timestamp: time.Now().UTC(),
		Service:   service,
		Action:    action,
		Actor:     actor,
		Target:    target,
		Details:   details,
		Success:   success,
	}
	if err != nil {
		ev.Error = err.Error()
	}

	mu.Lock()
	l := auditLogger
	mu.Unlock()

	l.Log().
		Time("event_time", ev.Timestamp).
		Str("service", ev.Service).
		Str("action", ev.Action).
		Str("actor", ev.Actor).
		Str("target", ev.Target).
		Str("details", ev.Details).
		Bool("success", ev.Success).
		Str("error", ev.Error).
		Msg("audit")
}
