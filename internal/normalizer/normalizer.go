package normalizer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// Normalize converts an adapter-level punch into the canonical event:
// employee-attributed, UTC, carrying a deterministic dedup key. employeeID is
// empty for unmapped device users; the event still flows through so the cycle
// can count it.
//
// The raw timestamp is device-local wall-clock time. It is re-interpreted in
// the device's declared fixed offset rather than any live timezone database:
// device clocks are not trusted to track DST, so a deterministic declared
// offset wins over ambient system time.
func Normalize(raw models.RawPunch, employeeID string, utcOffsetMinutes int) models.PunchEvent {
	loc := time.UTC
	if utcOffsetMinutes != 0 {
		loc = time.FixedZone("device", utcOffsetMinutes*60)
	}
	t := raw.Timestamp
	utc := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc).UTC()

	direction := raw.Direction
	if direction == "" {
		direction = models.DirectionUnknown
	}

	return models.PunchEvent{
		EmployeeID:   employeeID,
		DeviceID:     raw.DeviceID,
		DeviceUserID: raw.DeviceUserID,
		Timestamp:    utc,
		Direction:    direction,
		Sequence:     raw.Sequence,
		DedupKey:     DedupKey(raw),
	}
}

// DedupKey fingerprints a raw punch from stable inputs only, so re-fetching
// the same record always reproduces the same key. When the device assigns no
// sequence number the payload hash stands in; a device that supplies neither
// falls back to (device, user, timestamp) alone — two real punches in the
// same second would then collide, a known limitation rather than something to
// paper over with invented disambiguation.
func DedupKey(raw models.RawPunch) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", raw.DeviceID, raw.DeviceUserID, raw.Timestamp.Unix())
	if raw.Sequence != 0 {
		fmt.Fprintf(h, "seq:%d", raw.Sequence)
	} else if raw.Payload != "" {
		fmt.Fprintf(h, "payload:%x", sha256.Sum256([]byte(raw.Payload)))
	}
	return hex.EncodeToString(h.Sum(nil))
}
