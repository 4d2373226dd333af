package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// SaveSessions upserts the session deltas a cycle emitted.
func (s *Store) SaveSessions(ctx context.Context, sessions []models.AttendanceSession) error {
	if len(sessions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sessions (id, employee_id, check_in, check_out, device_ids, state, stale, suspect, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			check_in = excluded.check_in,
			check_out = excluded.check_out,
			device_ids = excluded.device_ids,
			state = excluded.state,
			stale = excluded.stale,
			suspect = excluded.suspect,
			note = excluded.note
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, sess := range sessions {
		var checkIn, checkOut sql.NullInt64
		if !sess.CheckIn.IsZero() {
			checkIn = sql.NullInt64{Int64: sess.CheckIn.Unix(), Valid: true}
		}
		if sess.CheckOut != nil {
			checkOut = sql.NullInt64{Int64: sess.CheckOut.Unix(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, sess.ID, sess.EmployeeID, checkIn, checkOut,
			strings.Join(sess.DeviceIDs, ","), string(sess.State), sess.Stale, sess.Suspect, sess.Note); err != nil {
			return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
		}
	}
	return tx.Commit()
}

// OpenSessions returns every open session across all devices. At most one
// exists per employee; the pairing engine enforces it going forward.
func (s *Store) OpenSessions(ctx context.Context) ([]models.AttendanceSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_id, check_in, check_out, device_ids, state, stale, suspect, note
		FROM sessions
		WHERE state = ? AND check_out IS NULL AND stale = 0
		ORDER BY employee_id, check_in
	`, string(models.SessionOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query open sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// SessionsForEmployee returns every session recorded for an employee.
func (s *Store) SessionsForEmployee(ctx context.Context, employeeID string) ([]models.AttendanceSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, employee_id, check_in, check_out, device_ids, state, stale, suspect, note
		FROM sessions
		WHERE employee_id = ?
		ORDER BY check_in
	`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]models.AttendanceSession, error) {
	var sessions []models.AttendanceSession
	for rows.Next() {
		var sess models.AttendanceSession
		var checkIn, checkOut sql.NullInt64
		var deviceIDs, state string
		if err := rows.Scan(&sess.ID, &sess.EmployeeID, &checkIn, &checkOut,
			&deviceIDs, &state, &sess.Stale, &sess.Suspect, &sess.Note); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if checkIn.Valid {
			sess.CheckIn = time.Unix(checkIn.Int64, 0).UTC()
		}
		if checkOut.Valid {
			t := time.Unix(checkOut.Int64, 0).UTC()
			sess.CheckOut = &t
		}
		if deviceIDs != "" {
			sess.DeviceIDs = strings.Split(deviceIDs, ",")
		}
		sess.State = models.SessionState(state)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SaveDedupKeys records the dedup keys consumed this cycle, keyed by event
// time so the window query can prune to the recent margin.
func (s *Store) SaveDedupKeys(ctx context.Context, deviceID string, events []models.PunchEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dedup_keys (device_id, dedup_key, event_time)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id, dedup_key) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, deviceID, ev.DedupKey, ev.Timestamp.Unix()); err != nil {
			return fmt.Errorf("failed to save dedup key: %w", err)
		}
	}
	return tx.Commit()
}

// SeenKeys returns the dedup keys for events at or after since.
func (s *Store) SeenKeys(ctx context.Context, deviceID string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dedup_key FROM dedup_keys
		WHERE device_id = ? AND event_time >= ?
		ORDER BY event_time
	`, deviceID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query dedup keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan dedup key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// PruneDedupKeys removes keys older than the retention cutoff.
func (s *Store) PruneDedupKeys(ctx context.Context, olderThan time.Time) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dedup_keys WHERE event_time < ?`, olderThan.Unix())
	if err != nil {
		return fmt.Errorf("failed to prune dedup keys: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		s.logger.Info("Pruned dedup keys", zap.Int64("count", n))
	}
	return nil
}
