package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// Cursor returns the device's sync cursor. A device that has never synced
// gets a zero cursor with the id filled in.
func (s *Store) Cursor(ctx context.Context, deviceID string) (models.SyncCursor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT last_timestamp, last_sequence, last_outcome, last_sync_at
		FROM sync_cursors WHERE device_id = ?
	`, deviceID)

	cur := models.SyncCursor{DeviceID: deviceID}
	var lastTS, lastSync int64
	var outcome string
	err := row.Scan(&lastTS, &cur.LastSequence, &outcome, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("failed to load cursor: %w", err)
	}
	if lastTS > 0 {
		cur.LastTimestamp = time.Unix(lastTS, 0).UTC()
	}
	if lastSync > 0 {
		cur.LastSyncAt = time.Unix(lastSync, 0).UTC()
	}
	cur.LastOutcome = models.SyncOutcome(outcome)
	return cur, nil
}

// SaveCursor upserts a device's cursor.
func (s *Store) SaveCursor(ctx context.Context, cur models.SyncCursor) error {
	var lastTS, lastSync int64
	if !cur.LastTimestamp.IsZero() {
		lastTS = cur.LastTimestamp.Unix()
	}
	if !cur.LastSyncAt.IsZero() {
		lastSync = cur.LastSyncAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (device_id, last_timestamp, last_sequence, last_outcome, last_sync_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_timestamp = excluded.last_timestamp,
			last_sequence = excluded.last_sequence,
			last_outcome = excluded.last_outcome,
			last_sync_at = excluded.last_sync_at
	`, cur.DeviceID, lastTS, cur.LastSequence, string(cur.LastOutcome), lastSync)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// SaveSyncLog appends one sync history row.
func (s *Store) SaveSyncLog(ctx context.Context, entry models.SyncLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, device_id, started_at, ended_at, outcome, fetched, processed, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.DeviceID, entry.StartedAt.Unix(), entry.EndedAt.Unix(),
		string(entry.Outcome), entry.Fetched, entry.Processed, entry.Errors)
	if err != nil {
		return fmt.Errorf("failed to save sync log: %w", err)
	}
	return nil
}

// SyncLogs returns a device's sync history, newest first.
func (s *Store) SyncLogs(ctx context.Context, deviceID string, limit int) ([]models.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, started_at, ended_at, outcome, fetched, processed, errors
		FROM sync_logs
		WHERE device_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var entries []models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		var started, ended int64
		var outcome string
		if err := rows.Scan(&e.ID, &e.DeviceID, &started, &ended, &outcome, &e.Fetched, &e.Processed, &e.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		e.StartedAt = time.Unix(started, 0).UTC()
		e.EndedAt = time.Unix(ended, 0).UTC()
		e.Outcome = models.SyncOutcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Seed loads the YAML registry snapshot into the store, upserting devices and
// mappings so edits to the registry file take effect on restart.
func (s *Store) Seed(ctx context.Context, devices []models.DeviceDescriptor, mappings []models.EmployeeMapping) error {
	for _, d := range devices {
		if err := s.UpsertDevice(ctx, d); err != nil {
			return err
		}
	}
	for _, m := range mappings {
		if err := s.UpsertMapping(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
