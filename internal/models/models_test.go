package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyncResultOutcome(t *testing.T) {
	tests := []struct {
		name   string
		result SyncResult
		want   SyncOutcome
	}{
		{name: "clean cycle", result: SyncResult{Fetched: 5}, want: OutcomeSuccess},
		{name: "empty clean cycle", result: SyncResult{}, want: OutcomeSuccess},
		{name: "errors with nothing fetched", result: SyncResult{Errors: []string{"timeout"}}, want: OutcomeFailed},
		{name: "errors alongside data", result: SyncResult{Fetched: 3, Errors: []string{"dropped"}}, want: OutcomePartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Outcome())
		})
	}
}

func TestSessionDuration(t *testing.T) {
	checkIn := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	checkOut := checkIn.Add(8 * time.Hour)

	open := AttendanceSession{CheckIn: checkIn, State: SessionOpen}
	assert.Equal(t, time.Duration(0), open.Duration())

	closed := AttendanceSession{CheckIn: checkIn, CheckOut: &checkOut, State: SessionClosed}
	assert.Equal(t, 8*time.Hour, closed.Duration())
}

func TestSessionWithDevice(t *testing.T) {
	var s AttendanceSession
	s.WithDevice("zk-1")
	s.WithDevice("zk-2")
	s.WithDevice("zk-1")
	s.WithDevice("")

	assert.Equal(t, []string{"zk-1", "zk-2"}, s.DeviceIDs)
}

func TestDeviceLocation(t *testing.T) {
	utc := DeviceDescriptor{}
	assert.Equal(t, time.UTC, utc.Location())

	ist := DeviceDescriptor{UTCOffsetMinutes: 330}
	_, offset := time.Date(2025, 3, 10, 0, 0, 0, 0, ist.Location()).Zone()
	assert.Equal(t, 330*60, offset)
}
