package pairing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attendkit/attendance-gateway/internal/models"
)

var base = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func punch(emp string, at time.Time, dir models.Direction, key string) models.PunchEvent {
	return models.PunchEvent{
		EmployeeID:   emp,
		DeviceID:     "dev-1",
		DeviceUserID: "42",
		Timestamp:    at,
		Direction:    dir,
		DedupKey:     key,
	}
}

func TestProcessPairsInOut(t *testing.T) {
	eng := NewEngine(Options{}, nil, nil, nil)

	out := eng.Process([]models.PunchEvent{
		punch("emp-1", base, models.DirectionIn, "k1"),
		punch("emp-1", base.Add(8*time.Hour), models.DirectionOut, "k2"),
	})

	require.Len(t, out.Sessions, 1)
	s := out.Sessions[0]
	assert.Equal(t, "emp-1", s.EmployeeID)
	assert.Equal(t, models.SessionClosed, s.State)
	assert.Equal(t, base, s.CheckIn)
	require.NotNil(t, s.CheckOut)
	assert.Equal(t, base.Add(8*time.Hour), *s.CheckOut)
	assert.Equal(t, 8*time.Hour, s.Duration())
	assert.Equal(t, 1, out.Opened)
	assert.Equal(t, 1, out.Closed)
	assert.ElementsMatch(t, []string{"k1", "k2"}, out.NewKeys)
}

func TestProcessSkipsSeenKeys(t *testing.T) {
	eng := NewEngine(Options{}, []string{"k1"}, nil, nil)

	out := eng.Process([]models.PunchEvent{
		punch("emp-1", base, models.DirectionIn, "k1"),
		punch("emp-1", base.Add(time.Hour), models.DirectionOut, "k2"),
	})

	assert.Equal(t, 1, out.Duplicates)
	assert.Equal(t, 0, out.Opened)
	// With the check-in already consumed on a previous run and no seeded open
	// session, the check-out has nothing to pair with.
	assert.Equal(t, 1, out.Orphaned)
	assert.Equal(t, []string{"k2"}, out.NewKeys)
}

func TestProcessIdempotentReplay(t *testing.T) {
	events := []models.PunchEvent{
		punch("emp-1", base, models.DirectionIn, "k1"),
		punch("emp-1", base.Add(time.Hour), models.DirectionOut, "k2"),
	}

	first := NewEngine(Options{}, nil, nil, nil).Process(events)
	require.Len(t, first.Sessions, 1)

	// Replaying the same window against the persisted state must be a no-op.
	replay := NewEngine(Options{}, first.NewKeys, nil, nil).Process(events)
	assert.Empty(t, replay.Sessions)
	assert.Equal(t, 2, replay.Duplicates)
	assert.Equal(t, 0, replay.Opened)
	assert.Equal(t, 0, replay.Orphaned)
}

// Processing a batch in one run and in two overlapping runs (carrying the
// persisted keys and open sessions between them) must yield the same sessions.
func TestProcessReplaySafetyAcrossSplitRuns(t *testing.T) {
	events := []models.PunchEvent{
		punch("emp-1", base, models.DirectionIn, "k1"),
		punch("emp-1", base.Add(4*time.Hour), models.DirectionOut, "k2"),
		punch("emp-2", base.Add(time.Hour), models.DirectionIn, "k3"),
		punch("emp-2", base.Add(9*time.Hour), models.DirectionOut, "k4"),
		punch("emp-1", base.Add(24*time.Hour), models.DirectionIn, "k5"),
	}

	whole := NewEngine(Options{}, nil, nil, nil).Process(events)

	firstRun := NewEngine(Options{}, nil, nil, nil).Process(events[:3])
	var carried []models.AttendanceSession
	for _, s := range firstRun.Sessions {
		if s.State == models.SessionOpen && s.CheckOut == nil && !s.Stale {
			carried = append(carried, s)
		}
	}
	// Second run re-fetches an overlapping window.
	secondRun := NewEngine(Options{}, firstRun.NewKeys, carried, nil).Process(events[1:])

	assert.Equal(t, whole.Opened, firstRun.Opened+secondRun.Opened)
	assert.Equal(t, whole.Closed, firstRun.Closed+secondRun.Closed)
	assert.Equal(t, whole.Orphaned, firstRun.Orphaned+secondRun.Orphaned)

	merged := map[string]models.AttendanceSession{}
	for _, s := range append(firstRun.Sessions, secondRun.Sessions...) {
		merged[s.EmployeeID+"/"+s.CheckIn.Format(time.RFC3339)] = s
	}
	for _, want := range whole.Sessions {
		got, ok := merged[want.EmployeeID+"/"+want.CheckIn.Format(time.RFC3339)]
		require.True(t, ok, "missing session for %s at %s", want.EmployeeID, want.CheckIn)
		assert.Equal(t, want.State, got.State)
		if want.CheckOut != nil {
			require.NotNil(t, got.CheckOut)
			assert.Equal(t, *want.CheckOut, *got.CheckOut)
		}
	}
}

func TestHandleInOnOpenSession(t *testing.T) {
	tests := []struct {
		name        string
		gap         time.Duration
		wantOpened  int
		wantIgnored int
		wantStale   bool
	}{
		{
			name:        "double tap discarded",
			gap:         30 * time.Second,
			wantOpened:  0,
			wantIgnored: 1,
		},
		{
			name:        "same shift discarded",
			gap:         6 * time.Hour,
			wantOpened:  0,
			wantIgnored: 1,
		},
		{
			name:       "stale session superseded",
			gap:        17 * time.Hour,
			wantOpened: 1,
			wantStale:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open := []models.AttendanceSession{{
				ID:         "s1",
				EmployeeID: "emp-1",
				CheckIn:    base,
				State:      models.SessionOpen,
			}}
			eng := NewEngine(Options{}, nil, open, nil)

			out := eng.Process([]models.PunchEvent{
				punch("emp-1", base.Add(tt.gap), models.DirectionIn, "k1"),
			})

			assert.Equal(t, tt.wantOpened, out.Opened)
			assert.Equal(t, tt.wantIgnored, out.Ignored)
			if tt.wantStale {
				require.Len(t, out.Sessions, 2)
				var stale, fresh *models.AttendanceSession
				for i := range out.Sessions {
					if out.Sessions[i].ID == "s1" {
						stale = &out.Sessions[i]
					} else {
						fresh = &out.Sessions[i]
					}
				}
				require.NotNil(t, stale)
				require.NotNil(t, fresh)
				// The abandoned session is flagged, never closed with an
				// invented check-out.
				assert.True(t, stale.Stale)
				assert.Equal(t, models.SessionOpen, stale.State)
				assert.Nil(t, stale.CheckOut)
				assert.Contains(t, stale.Note, "superseded by check-in")
				assert.Equal(t, base.Add(tt.gap), fresh.CheckIn)
				assert.NotEmpty(t, out.Warnings)
			} else {
				assert.Empty(t, out.Sessions)
			}
		})
	}
}

func TestHandleOutWithoutOpenSession(t *testing.T) {
	eng := NewEngine(Options{}, nil, nil, nil)

	out := eng.Process([]models.PunchEvent{
		punch("emp-1", base, models.DirectionOut, "k1"),
	})

	assert.Equal(t, 1, out.Orphaned)
	require.Len(t, out.Sessions, 1)
	s := out.Sessions[0]
	assert.Equal(t, models.SessionOrphan, s.State)
	assert.True(t, s.CheckIn.IsZero())
	require.NotNil(t, s.CheckOut)
	assert.Equal(t, base, *s.CheckOut)
	assert.Contains(t, s.Note, "no matching open session")
}

func TestCloseSessionClockSkew(t *testing.T) {
	tests := []struct {
		name        string
		skew        time.Duration
		wantClosed  int
		wantIgnored int
		wantSuspect bool
	}{
		{name: "within tolerance clamped", skew: 2 * time.Minute, wantClosed: 1, wantSuspect: true},
		{name: "beyond tolerance rejected", skew: 10 * time.Minute, wantIgnored: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open := []models.AttendanceSession{{
				ID:         "s1",
				EmployeeID: "emp-1",
				CheckIn:    base,
				State:      models.SessionOpen,
			}}
			eng := NewEngine(Options{}, nil, open, nil)

			out := eng.Process([]models.PunchEvent{
				punch("emp-1", base.Add(-tt.skew), models.DirectionOut, "k1"),
			})

			assert.Equal(t, tt.wantClosed, out.Closed)
			assert.Equal(t, tt.wantIgnored, out.Ignored)
			if tt.wantSuspect {
				require.Len(t, out.Sessions, 1)
				s := out.Sessions[0]
				assert.True(t, s.Suspect)
				require.NotNil(t, s.CheckOut)
				// Clamped: check-out never precedes check-in.
				assert.Equal(t, s.CheckIn, *s.CheckOut)
			}
			assert.NotEmpty(t, out.Warnings)
		})
	}
}

func TestHandleUnknownAlternation(t *testing.T) {
	eng := NewEngine(Options{}, nil, nil, nil)

	out := eng.Process([]models.PunchEvent{
		punch("emp-1", base, models.DirectionUnknown, "k1"),
		punch("emp-1", base.Add(8*time.Hour), models.DirectionUnknown, "k2"),
	})

	require.Len(t, out.Sessions, 1)
	s := out.Sessions[0]
	assert.Equal(t, models.SessionClosed, s.State)
	assert.Equal(t, base, s.CheckIn)
	require.NotNil(t, s.CheckOut)
	assert.Equal(t, base.Add(8*time.Hour), *s.CheckOut)
}

func TestHandleUnknownReTapDiscarded(t *testing.T) {
	eng := NewEngine(Options{MinSessionDuration: time.Minute}, nil, nil, nil)

	out := eng.Process([]models.PunchEvent{
		punch("emp-1", base, models.DirectionUnknown, "k1"),
		punch("emp-1", base.Add(10*time.Second), models.DirectionUnknown, "k2"),
	})

	assert.Equal(t, 1, out.Opened)
	assert.Equal(t, 1, out.Ignored)
	require.Len(t, out.Sessions, 1)
	assert.Equal(t, models.SessionOpen, out.Sessions[0].State)
}

func TestHandleUnknownSupersedesStale(t *testing.T) {
	open := []models.AttendanceSession{{
		ID:         "s1",
		EmployeeID: "emp-1",
		CheckIn:    base,
		State:      models.SessionOpen,
	}}
	eng := NewEngine(Options{}, nil, open, nil)

	out := eng.Process([]models.PunchEvent{
		punch("emp-1", base.Add(20*time.Hour), models.DirectionUnknown, "k1"),
	})

	// A punch a day later is the next shift's check-in, not a 20-hour checkout.
	assert.Equal(t, 1, out.Opened)
	assert.Equal(t, 0, out.Closed)
	require.Len(t, out.Sessions, 2)
}

// Devices sharing a second must not reorder across runs: ordering falls back
// to device id, then dedup key.
func TestProcessTieBreakDeterministic(t *testing.T) {
	events := []models.PunchEvent{
		{EmployeeID: "emp-1", DeviceID: "dev-b", Timestamp: base, Direction: models.DirectionOut, DedupKey: "kb"},
		{EmployeeID: "emp-1", DeviceID: "dev-a", Timestamp: base, Direction: models.DirectionIn, DedupKey: "ka"},
	}

	for i := 0; i < 5; i++ {
		eng := NewEngine(Options{}, nil, nil, nil)
		out := eng.Process(events)
		// dev-a sorts first, so the in opens and the out closes it.
		require.Len(t, out.Sessions, 1, "run %d", i)
		assert.Equal(t, models.SessionClosed, out.Sessions[0].State, "run %d", i)
		assert.ElementsMatch(t, []string{"dev-a", "dev-b"}, out.Sessions[0].DeviceIDs, "run %d", i)
	}
}

func TestProcessKeepsEmployeesIndependent(t *testing.T) {
	var events []models.PunchEvent
	for i := 0; i < 3; i++ {
		emp := fmt.Sprintf("emp-%d", i)
		events = append(events,
			punch(emp, base.Add(time.Duration(i)*time.Minute), models.DirectionIn, "in-"+emp),
			punch(emp, base.Add(8*time.Hour), models.DirectionOut, "out-"+emp),
		)
	}
	eng := NewEngine(Options{}, nil, nil, nil)

	out := eng.Process(events)

	assert.Equal(t, 3, out.Opened)
	assert.Equal(t, 3, out.Closed)
	require.Len(t, out.Sessions, 3)
	for _, s := range out.Sessions {
		assert.Equal(t, models.SessionClosed, s.State)
	}
}
