package cursor

import (
	"time"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// Advance computes the next watermark for a device from the events that were
// fully processed this cycle. The cursor never regresses: on a partial cycle
// the caller passes only the events processed before the failure, so nothing
// is silently skipped on retry — at worst the next fetch re-delivers records
// that dedup keys turn into no-ops.
func Advance(prev models.SyncCursor, processed []models.PunchEvent, outcome models.SyncOutcome, now time.Time) models.SyncCursor {
	next := prev
	next.LastOutcome = outcome
	next.LastSyncAt = now.UTC()

	for _, ev := range processed {
		if ev.Timestamp.After(next.LastTimestamp) {
			next.LastTimestamp = ev.Timestamp
		}
		if ev.Sequence > next.LastSequence {
			next.LastSequence = ev.Sequence
		}
	}
	return next
}

// FetchWindow returns the device-local time the next fetch should start from:
// the watermark minus the dedup safety margin, so out-of-order delivery near
// the cursor is re-fetched and absorbed by dedup keys. A zero cursor falls
// back to the configured initial lookback.
func FetchWindow(cur models.SyncCursor, utcOffsetMinutes int, dedupMargin, initialLookback time.Duration, now time.Time) time.Time {
	var sinceUTC time.Time
	if cur.LastTimestamp.IsZero() {
		sinceUTC = now.UTC().Add(-initialLookback)
	} else {
		sinceUTC = cur.LastTimestamp.Add(-dedupMargin)
	}
	// Adapters expect device-local wall-clock time.
	local := sinceUTC.Add(time.Duration(utcOffsetMinutes) * time.Minute)
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), 0, time.UTC)
}
