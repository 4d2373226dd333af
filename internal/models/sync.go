package models

import "time"

// SyncOutcome summarizes how a sync cycle ended.
type SyncOutcome string

const (
	OutcomeSuccess SyncOutcome = "success"
	OutcomePartial SyncOutcome = "partial"
	OutcomeFailed  SyncOutcome = "failed"
)

// SyncCursor is the per-device watermark. It only ever moves forward, and on
// partial cycles it advances no further than the last fully processed event,
// so re-delivery (a no-op thanks to dedup keys) is preferred over skipping.
type SyncCursor struct {
	DeviceID      string      `json:"device_id"`
	LastTimestamp time.Time   `json:"last_timestamp"`
	LastSequence  int64       `json:"last_sequence"`
	LastOutcome   SyncOutcome `json:"last_outcome"`
	LastSyncAt    time.Time   `json:"last_sync_at"`
}

// SyncResult is the per-cycle report returned to the caller. Counts are
// explicit so the host can show "fetched N, paired M, unmapped K" instead of
// a bare success flag.
type SyncResult struct {
	DeviceID       string   `json:"device_id"`
	Fetched        int      `json:"fetched"`
	Duplicates     int      `json:"duplicates"`
	SessionsOpened int      `json:"sessions_opened"`
	SessionsClosed int      `json:"sessions_closed"`
	Orphaned       int      `json:"orphaned"`
	Ignored        int      `json:"ignored"`
	Unmapped       int      `json:"unmapped"`
	Errors         []string `json:"errors,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Outcome derives the cycle outcome from the error count: any error with
// nothing fetched is a failure, errors alongside data are a partial success.
func (r SyncResult) Outcome() SyncOutcome {
	switch {
	case len(r.Errors) == 0:
		return OutcomeSuccess
	case r.Fetched == 0:
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

// SyncLogEntry is one persisted row of sync history for a device.
type SyncLogEntry struct {
	ID        string      `json:"id"`
	DeviceID  string      `json:"device_id"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
	Outcome   SyncOutcome `json:"outcome"`
	Fetched   int         `json:"fetched"`
	Processed int         `json:"processed"`
	Errors    string      `json:"errors,omitempty"`
}
