package models

import "time"

// SessionState is the lifecycle state of an attendance session.
type SessionState string

const (
	SessionOpen   SessionState = "open"
	SessionClosed SessionState = "closed"
	// SessionOrphan marks a check-out that arrived with no open session to
	// close. The check-in side is unknown and left for operators to resolve.
	SessionOrphan SessionState = "orphan_checkout"
)

// AttendanceSession is a paired check-in/check-out interval for one employee.
// CheckOut is nil while the session is open. At most one open session exists
// per employee in the pairing state at any time.
type AttendanceSession struct {
	ID         string       `json:"id"`
	EmployeeID string       `json:"employee_id"`
	CheckIn    time.Time    `json:"check_in"`
	CheckOut   *time.Time   `json:"check_out,omitempty"`
	DeviceIDs  []string     `json:"device_ids"`
	State      SessionState `json:"state"`
	// Stale marks a session that was superseded by a later check-in after the
	// stale-session threshold elapsed with no check-out. It is left without a
	// check-out rather than closed with an invented timestamp.
	Stale bool `json:"stale,omitempty"`
	// Suspect marks a session whose check-out preceded its check-in by less
	// than the clock-skew tolerance and was clamped.
	Suspect bool   `json:"suspect,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Duration returns the session length, or zero while the session is open.
func (s AttendanceSession) Duration() time.Duration {
	if s.CheckOut == nil {
		return 0
	}
	return s.CheckOut.Sub(s.CheckIn)
}

func (s AttendanceSession) addDevice(id string) []string {
	for _, d := range s.DeviceIDs {
		if d == id {
			return s.DeviceIDs
		}
	}
	return append(s.DeviceIDs, id)
}

// WithDevice records a source device on the session, keeping the list unique.
func (s *AttendanceSession) WithDevice(id string) {
	if id == "" {
		return
	}
	s.DeviceIDs = s.addDevice(id)
}
