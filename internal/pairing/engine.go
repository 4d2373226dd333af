package pairing

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// Options are the pairing thresholds. Zero values fall back to defaults; all
// three are configuration-driven because real device behavior varies.
type Options struct {
	// StaleSessionAfter is how old an open session must be before a new
	// check-in supersedes it. Younger open sessions cause the check-in to be
	// discarded as double-tap bounce.
	StaleSessionAfter time.Duration
	// MinSessionDuration rejects immediate re-taps when resolving
	// unknown-direction punches by alternation.
	MinSessionDuration time.Duration
	// ClockSkewTolerance bounds how far a check-out may precede its check-in
	// before the punch is rejected instead of clamped.
	ClockSkewTolerance time.Duration
}

const (
	defaultStaleSessionAfter  = 16 * time.Hour
	defaultMinSessionDuration = time.Minute
	defaultClockSkewTolerance = 5 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.StaleSessionAfter <= 0 {
		o.StaleSessionAfter = defaultStaleSessionAfter
	}
	if o.MinSessionDuration <= 0 {
		o.MinSessionDuration = defaultMinSessionDuration
	}
	if o.ClockSkewTolerance <= 0 {
		o.ClockSkewTolerance = defaultClockSkewTolerance
	}
	return o
}

// Outcome is what one Process run produced: the touched sessions (opened,
// closed, detached stale, orphans), the dedup keys consumed, and counts for
// the sync result.
type Outcome struct {
	Sessions   []models.AttendanceSession
	NewKeys    []string
	Duplicates int
	Opened     int
	Closed     int
	Orphaned   int
	Ignored    int
	Warnings   []string
}

// Engine deduplicates punch events and pairs them into attendance sessions.
// It is seeded with host-persisted state (recently seen dedup keys and open
// sessions) and holds no other state, so re-running it over an overlapping
// window with the same seed reproduces the same outcome.
type Engine struct {
	opts    Options
	seen    map[string]bool
	open    map[string]*models.AttendanceSession
	touched map[string]*models.AttendanceSession
	log     *zap.Logger
}

// NewEngine seeds an engine. seenKeys is the dedup window (keys within the
// safety margin behind the cursor); openSessions is at most one open session
// per employee.
func NewEngine(opts Options, seenKeys []string, openSessions []models.AttendanceSession, log *zap.Logger) *Engine {
	seen := make(map[string]bool, len(seenKeys))
	for _, k := range seenKeys {
		seen[k] = true
	}
	open := make(map[string]*models.AttendanceSession, len(openSessions))
	for i := range openSessions {
		s := openSessions[i]
		if s.State == models.SessionOpen && s.CheckOut == nil {
			open[s.EmployeeID] = &s
		}
	}
	return &Engine{
		opts:    opts.withDefaults(),
		seen:    seen,
		open:    open,
		touched: make(map[string]*models.AttendanceSession),
		log:     log,
	}
}

// Process consumes employee-attributed punch events and returns the session
// deltas. Events are ordered by (timestamp, device id, dedup key) so replays
// are deterministic even when devices share a second.
func (e *Engine) Process(events []models.PunchEvent) Outcome {
	sorted := make([]models.PunchEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		return a.DedupKey < b.DedupKey
	})

	var out Outcome
	for _, ev := range sorted {
		if e.seen[ev.DedupKey] {
			out.Duplicates++
			continue
		}
		e.seen[ev.DedupKey] = true
		out.NewKeys = append(out.NewKeys, ev.DedupKey)

		switch ev.Direction {
		case models.DirectionIn:
			e.handleIn(ev, &out)
		case models.DirectionOut:
			e.handleOut(ev, &out)
		default:
			e.handleUnknown(ev, &out)
		}
	}

	// Stable order for the delta regardless of map iteration.
	for _, s := range e.touched {
		out.Sessions = append(out.Sessions, *s)
	}
	sort.Slice(out.Sessions, func(i, j int) bool {
		a, b := out.Sessions[i], out.Sessions[j]
		if a.EmployeeID != b.EmployeeID {
			return a.EmployeeID < b.EmployeeID
		}
		if !a.CheckIn.Equal(b.CheckIn) {
			return a.CheckIn.Before(b.CheckIn)
		}
		return a.ID < b.ID
	})
	return out
}

func (e *Engine) handleIn(ev models.PunchEvent, out *Outcome) {
	open := e.open[ev.EmployeeID]
	if open == nil {
		e.openSession(ev, out)
		return
	}

	age := ev.Timestamp.Sub(open.CheckIn)
	if age <= e.opts.StaleSessionAfter {
		// Double-tap noise from the sensor. The open session stands.
		out.Ignored++
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"employee %s: check-in at %s discarded, session already open since %s",
			ev.EmployeeID, ev.Timestamp.Format(time.RFC3339), open.CheckIn.Format(time.RFC3339)))
		return
	}

	e.detachStale(open, ev, out)
	e.openSession(ev, out)
}

func (e *Engine) handleOut(ev models.PunchEvent, out *Outcome) {
	open := e.open[ev.EmployeeID]
	if open == nil {
		// Check-in unknown. Surface the record for operators instead of
		// dropping the punch.
		orphan := &models.AttendanceSession{
			ID:         uuid.New().String(),
			EmployeeID: ev.EmployeeID,
			CheckOut:   timePtr(ev.Timestamp),
			State:      models.SessionOrphan,
			Note:       "check-out with no matching open session",
		}
		orphan.WithDevice(ev.DeviceID)
		e.touched[orphan.ID] = orphan
		out.Orphaned++
		return
	}
	e.closeSession(open, ev, out)
}

func (e *Engine) handleUnknown(ev models.PunchEvent, out *Outcome) {
	open := e.open[ev.EmployeeID]
	if open == nil {
		e.openSession(ev, out)
		return
	}

	elapsed := ev.Timestamp.Sub(open.CheckIn)
	if elapsed < e.opts.MinSessionDuration {
		out.Ignored++
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"employee %s: punch at %s discarded as re-tap (%s since check-in)",
			ev.EmployeeID, ev.Timestamp.Format(time.RFC3339), elapsed))
		return
	}
	if elapsed > e.opts.StaleSessionAfter {
		e.detachStale(open, ev, out)
		e.openSession(ev, out)
		return
	}
	e.closeSession(open, ev, out)
}

func (e *Engine) openSession(ev models.PunchEvent, out *Outcome) {
	s := &models.AttendanceSession{
		ID:         uuid.New().String(),
		EmployeeID: ev.EmployeeID,
		CheckIn:    ev.Timestamp,
		State:      models.SessionOpen,
	}
	s.WithDevice(ev.DeviceID)
	e.open[ev.EmployeeID] = s
	e.touched[s.ID] = s
	out.Opened++
}

// closeSession sets the check-out, clamping small negative spans caused by
// clock skew across devices. Spans beyond the tolerance reject the punch
// instead: clamping them would invent attendance data.
func (e *Engine) closeSession(open *models.AttendanceSession, ev models.PunchEvent, out *Outcome) {
	checkout := ev.Timestamp
	if checkout.Before(open.CheckIn) {
		skew := open.CheckIn.Sub(checkout)
		if skew > e.opts.ClockSkewTolerance {
			out.Ignored++
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"employee %s: check-out at %s precedes check-in %s by %s, beyond skew tolerance",
				ev.EmployeeID, checkout.Format(time.RFC3339), open.CheckIn.Format(time.RFC3339), skew))
			return
		}
		checkout = open.CheckIn
		open.Suspect = true
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"employee %s: check-out clamped to check-in (%s clock skew)", ev.EmployeeID, skew))
	}

	open.CheckOut = timePtr(checkout)
	open.State = models.SessionClosed
	open.WithDevice(ev.DeviceID)
	e.open[ev.EmployeeID] = nil
	e.touched[open.ID] = open
	out.Closed++
}

// detachStale releases a long-abandoned open session from pairing state so a
// new check-in can open a fresh one. The old session stays open and is
// flagged stale rather than closed with an invented check-out.
func (e *Engine) detachStale(open *models.AttendanceSession, ev models.PunchEvent, out *Outcome) {
	open.Stale = true
	if open.Note != "" {
		open.Note += "; "
	}
	open.Note += fmt.Sprintf("superseded by check-in at %s", ev.Timestamp.Format(time.RFC3339))
	e.open[open.EmployeeID] = nil
	e.touched[open.ID] = open
	out.Warnings = append(out.Warnings, fmt.Sprintf(
		"employee %s: open session from %s is stale, left open for review",
		open.EmployeeID, open.CheckIn.Format(time.RFC3339)))
	if e.log != nil {
		e.log.Warn("stale open session superseded",
			zap.String("employee_id", open.EmployeeID),
			zap.Time("check_in", open.CheckIn),
			zap.Time("superseded_at", ev.Timestamp),
		)
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
