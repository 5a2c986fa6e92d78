package dto

import (
	"time"

	"go.pilab.hu/sessionguard/domain"
)

// RevokeRequest is the body of POST /api/v1/sessions/:user_id/revoke.
type RevokeRequest struct {
	Reason string `json:"reason" yaml:"reason"`
}

// SessionRecordResponse is the administrator view of a session record.
type SessionRecordResponse struct {
	UserID           string     `json:"user_id" yaml:"user_id"`
	SessionID        string     `json:"session_id" yaml:"session_id"`
	DeviceID         string     `json:"device_id" yaml:"device_id"`
	DeviceInfo       string     `json:"device_info,omitempty" yaml:"device_info,omitempty"`
	BrowserInfo      string     `json:"browser_info,omitempty" yaml:"browser_info,omitempty"`
	OSInfo           string     `json:"os_info,omitempty" yaml:"os_info,omitempty"`
	LoginTime        time.Time  `json:"login_time" yaml:"login_time"`
	LastActivity     time.Time  `json:"last_activity" yaml:"last_activity"`
	IsActive         bool       `json:"is_active" yaml:"is_active"`
	TerminatedAt     *time.Time `json:"terminated_at,omitempty" yaml:"terminated_at,omitempty"`
	TerminatedReason string     `json:"terminated_reason,omitempty" yaml:"terminated_reason,omitempty"`
	Version          int64      `json:"version" yaml:"version"`
}

// FromSessionRecord converts a domain record for API responses.
func FromSessionRecord(rec *domain.SessionRecord) SessionRecordResponse {
	return SessionRecordResponse{
		UserID:           rec.UserID,
		SessionID:        rec.SessionID,
		DeviceID:         rec.DeviceID,
		DeviceInfo:       rec.DeviceInfo,
		BrowserInfo:      rec.BrowserInfo,
		OSInfo:           rec.OSInfo,
		LoginTime:        rec.LoginTime,
		LastActivity:     rec.LastActivity,
		IsActive:         rec.IsActive,
		TerminatedAt:     rec.TerminatedAt,
		TerminatedReason: rec.TerminatedReason,
		Version:          rec.Version,
	}
}

// SweepResponse reports a manual cleanup run.
type SweepResponse struct {
	Removed   int64         `json:"removed" yaml:"removed"`
	Retention time.Duration `json:"retention_ns" yaml:"retention"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status" yaml:"status"`
	Store  string `json:"store,omitempty" yaml:"store,omitempty"`
}
