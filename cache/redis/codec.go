package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.pilab.hu/sessionguard/domain"
)

// event is the payload published by the scripts.
type event struct {
	Record  map[string]string `json:"record"`
	Deleted bool              `json:"deleted"`
	Version int64             `json:"version"`
}

func decodeEvent(body string) (*domain.SessionRecord, int64, error) {
	var ev event
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, 0, fmt.Errorf("failed to decode record event: %w", err)
	}
	if ev.Deleted {
		return nil, ev.Version, nil
	}
	rec, err := decodeRecord(ev.Record)
	if err != nil {
		return nil, 0, err
	}
	return rec, ev.Version, nil
}

// snapshotOf pairs a decoded record with the counter value it was read or
// published at. Deletes keep the counter, so absent snapshots carry it too.
func snapshotOf(userID string, rec *domain.SessionRecord, version int64) domain.Snapshot {
	if rec != nil {
		return domain.Snapshot{UserID: userID, Record: rec}
	}
	return domain.Snapshot{UserID: userID, Version: version}
}

func decodeRecord(h map[string]string) (*domain.SessionRecord, error) {
	rec := &domain.SessionRecord{
		UserID:           h["user_id"],
		SessionID:        h["session_id"],
		DeviceID:         h["device_id"],
		DeviceInfo:       h["device_info"],
		BrowserInfo:      h["browser_info"],
		OSInfo:           h["os_info"],
		IsActive:         h["is_active"] == "1",
		TerminatedReason: h["terminated_reason"],
	}

	var err error
	if rec.LoginTime, err = parseMicros(h["login_time"]); err != nil {
		return nil, fmt.Errorf("invalid login_time: %w", err)
	}
	if rec.LastActivity, err = parseMicros(h["last_activity"]); err != nil {
		return nil, fmt.Errorf("invalid last_activity: %w", err)
	}
	if raw := h["terminated_at"]; raw != "" {
		at, err := parseMicros(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid terminated_at: %w", err)
		}
		rec.TerminatedAt = &at
	}
	if raw := h["version"]; raw != "" {
		if rec.Version, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid version: %w", err)
		}
	}
	return rec, nil
}

func parseMicros(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}
