package models

import "time"

// Direction is the check-in/check-out hint carried by a punch.
type Direction string

const (
	DirectionIn      Direction = "in"
	DirectionOut     Direction = "out"
	DirectionUnknown Direction = "unknown"
)

// RawPunch is the adapter-level view of a single attendance scan: device-local
// identifiers, device-local time, and whatever the device reported verbatim.
// The timestamp is unconverted; the normalizer owns the UTC translation.
type RawPunch struct {
	DeviceID     string    `json:"device_id"`
	DeviceUserID string    `json:"device_user_id"`
	Timestamp    time.Time `json:"timestamp"`
	Direction    Direction `json:"direction"`
	Sequence     int64     `json:"sequence,omitempty"`
	Payload      string    `json:"payload,omitempty"`
}

// PunchEvent is the canonical punch: employee-attributed, UTC, carrying a
// deterministic dedup key. EmployeeID is empty when the device-local user id
// has no mapping; such events are counted, never dropped silently.
type PunchEvent struct {
	EmployeeID   string    `json:"employee_id,omitempty"`
	DeviceID     string    `json:"device_id"`
	DeviceUserID string    `json:"device_user_id"`
	Timestamp    time.Time `json:"timestamp"`
	Direction    Direction `json:"direction"`
	Sequence     int64     `json:"sequence,omitempty"`
	DedupKey     string    `json:"dedup_key"`
}

// Mapped reports whether the event was attributed to an employee.
func (e PunchEvent) Mapped() bool {
	return e.EmployeeID != ""
}
