package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// ErrNotFound is returned when a device lookup matches nothing.
var ErrNotFound = errors.New("not found")

const deviceColumns = `id, name, protocol, host, port, base_url, api_key, username, password,
	webhook_token, utc_offset_minutes, active, auto_sync, sync_interval_minutes`

func scanDevice(row interface{ Scan(...any) error }) (models.DeviceDescriptor, error) {
	var d models.DeviceDescriptor
	var proto string
	err := row.Scan(&d.ID, &d.Name, &proto, &d.Host, &d.Port, &d.BaseURL, &d.APIKey,
		&d.Username, &d.Password, &d.WebhookToken, &d.UTCOffsetMinutes,
		&d.Active, &d.AutoSync, &d.SyncIntervalMin)
	d.Protocol = models.ProtocolKind(proto)
	return d, err
}

// UpsertDevice inserts or replaces a device descriptor.
func (s *Store) UpsertDevice(ctx context.Context, d models.DeviceDescriptor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			protocol = excluded.protocol,
			host = excluded.host,
			port = excluded.port,
			base_url = excluded.base_url,
			api_key = excluded.api_key,
			username = excluded.username,
			password = excluded.password,
			webhook_token = excluded.webhook_token,
			utc_offset_minutes = excluded.utc_offset_minutes,
			active = excluded.active,
			auto_sync = excluded.auto_sync,
			sync_interval_minutes = excluded.sync_interval_minutes
	`, d.ID, d.Name, string(d.Protocol), d.Host, d.Port, d.BaseURL, d.APIKey,
		d.Username, d.Password, d.WebhookToken, d.UTCOffsetMinutes,
		d.Active, d.AutoSync, d.SyncIntervalMin)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// Device returns one device by id.
func (s *Store) Device(ctx context.Context, id string) (models.DeviceDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("failed to load device: %w", err)
	}
	return d, nil
}

// DeviceByToken returns the webhook device owning a token.
func (s *Store) DeviceByToken(ctx context.Context, token string) (models.DeviceDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE webhook_token = ? AND webhook_token != ''
	`, token)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("webhook token: %w", ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("failed to load device by token: %w", err)
	}
	return d, nil
}

// ActiveDevices returns every active device.
func (s *Store) ActiveDevices(ctx context.Context) ([]models.DeviceDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.DeviceDescriptor
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpsertMapping inserts or replaces one employee mapping.
func (s *Store) UpsertMapping(ctx context.Context, m models.EmployeeMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employee_mappings (device_id, device_user_id, employee_id)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id, device_user_id) DO UPDATE SET employee_id = excluded.employee_id
	`, m.DeviceID, m.DeviceUserID, m.EmployeeID)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}
	return nil
}

// Mappings returns the mapping snapshot for one device.
func (s *Store) Mappings(ctx context.Context, deviceID string) ([]models.EmployeeMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, device_user_id, employee_id
		FROM employee_mappings
		WHERE device_id = ?
		ORDER BY device_user_id
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.EmployeeMapping
	for rows.Next() {
		var m models.EmployeeMapping
		if err := rows.Scan(&m.DeviceID, &m.DeviceUserID, &m.EmployeeID); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// SaveDeviceUsers replaces the cached user directory for a device.
func (s *Store) SaveDeviceUsers(ctx context.Context, deviceID string, users []models.DeviceUser) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, u := range users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_users (device_id, device_user_id, name, card_number, fetched_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(device_id, device_user_id) DO UPDATE SET
				name = excluded.name,
				card_number = excluded.card_number,
				fetched_at = excluded.fetched_at
		`, deviceID, u.DeviceUserID, u.Name, u.CardNumber, now); err != nil {
			return fmt.Errorf("failed to save device user: %w", err)
		}
	}
	return tx.Commit()
}

// DeviceUsers returns the cached user directory for a device.
func (s *Store) DeviceUsers(ctx context.Context, deviceID string) ([]models.DeviceUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_user_id, name, card_number
		FROM device_users
		WHERE device_id = ?
		ORDER BY device_user_id
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device users: %w", err)
	}
	defer rows.Close()

	var users []models.DeviceUser
	for rows.Next() {
		var u models.DeviceUser
		if err := rows.Scan(&u.DeviceUserID, &u.Name, &u.CardNumber); err != nil {
			return nil, fmt.Errorf("failed to scan device user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
