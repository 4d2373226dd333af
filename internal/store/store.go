package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store is the sqlite persistence behind the sync service: device registry,
// employee mappings, cursors, sessions, the dedup window and sync history.
// Timestamps are stored as unix seconds in UTC.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the database and runs migrations.
func New(storagePath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", storagePath+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database connection established", zap.String("path", storagePath))
	return store, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			protocol TEXT NOT NULL,
			host TEXT,
			port INTEGER DEFAULT 0,
			base_url TEXT,
			api_key TEXT,
			username TEXT,
			password TEXT,
			webhook_token TEXT,
			utc_offset_minutes INTEGER DEFAULT 0,
			active INTEGER DEFAULT 1,
			auto_sync INTEGER DEFAULT 1,
			sync_interval_minutes INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_token ON devices(webhook_token)`,
		`CREATE TABLE IF NOT EXISTS employee_mappings (
			device_id TEXT NOT NULL,
			device_user_id TEXT NOT NULL,
			employee_id TEXT NOT NULL,
			PRIMARY KEY (device_id, device_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS device_users (
			device_id TEXT NOT NULL,
			device_user_id TEXT NOT NULL,
			name TEXT,
			card_number TEXT,
			fetched_at INTEGER NOT NULL,
			PRIMARY KEY (device_id, device_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			device_id TEXT PRIMARY KEY,
			last_timestamp INTEGER DEFAULT 0,
			last_sequence INTEGER DEFAULT 0,
			last_outcome TEXT DEFAULT '',
			last_sync_at INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS dedup_keys (
			device_id TEXT NOT NULL,
			dedup_key TEXT NOT NULL,
			event_time INTEGER NOT NULL,
			PRIMARY KEY (device_id, dedup_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dedup_keys_time ON dedup_keys(device_id, event_time)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			employee_id TEXT NOT NULL,
			check_in INTEGER,
			check_out INTEGER,
			device_ids TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			stale INTEGER DEFAULT 0,
			suspect INTEGER DEFAULT 0,
			note TEXT DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_employee ON sessions(employee_id, state)`,
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			fetched INTEGER DEFAULT 0,
			processed INTEGER DEFAULT 0,
			errors TEXT DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_device ON sync_logs(device_id, started_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	s.logger.Info("Database migrations completed")
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info("Database connection closed")
	return nil
}
