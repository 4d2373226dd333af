package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the full runtime configuration, read from a YAML file with
// environment variable overrides.
type Config struct {
	Env string `yaml:"env" env:"APP_ENV" env-default:"production"`

	Log struct {
		Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
		Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
	} `yaml:"log"`

	// StoragePath is the sqlite database file holding cursors, sessions,
	// mappings and sync history.
	StoragePath string `yaml:"storage_path" env:"STORAGE_PATH" env-default:"attendance.db"`

	// DevicesPath points at the YAML device registry (devices + mappings).
	DevicesPath string `yaml:"devices_path" env:"DEVICES_PATH" env-default:"devices.yaml"`

	Server struct {
		Enabled bool `yaml:"enabled" env:"SERVER_ENABLED" env-default:"true"`
		Port    int  `yaml:"port" env:"SERVER_PORT" env-default:"8315"`
	} `yaml:"server"`

	Sync SyncConfig `yaml:"sync"`
}

// SyncConfig carries the pairing and scheduling thresholds. Defaults follow
// observed device behavior and are deliberately configurable.
type SyncConfig struct {
	// StaleSessionHours is how old an open session must be before a new
	// check-in supersedes it instead of being discarded as a bounce.
	StaleSessionHours float64 `yaml:"stale_session_hours" env:"SYNC_STALE_SESSION_HOURS" env-default:"16"`
	// MinSessionMinutes rejects immediate re-taps: an unknown-direction punch
	// inside this window after a check-in is noise, not a check-out.
	MinSessionMinutes float64 `yaml:"min_session_minutes" env:"SYNC_MIN_SESSION_MINUTES" env-default:"1"`
	// ClockSkewToleranceMinutes bounds how far a check-out may precede its
	// check-in before the punch is rejected instead of clamped.
	ClockSkewToleranceMinutes float64 `yaml:"clock_skew_tolerance_minutes" env:"SYNC_CLOCK_SKEW_TOLERANCE_MINUTES" env-default:"5"`
	// DedupWindowHours is the safety margin behind the cursor within which
	// previously seen dedup keys are replayed into the engine.
	DedupWindowHours float64 `yaml:"dedup_window_hours" env:"SYNC_DEDUP_WINDOW_HOURS" env-default:"48"`
	// CycleTimeoutSeconds aborts a device cycle that runs too long; partial
	// results computed before the abort are still committed.
	CycleTimeoutSeconds int `yaml:"cycle_timeout_seconds" env:"SYNC_CYCLE_TIMEOUT_SECONDS" env-default:"30"`
	// DefaultIntervalMinutes is the auto-sync period for devices that do not
	// declare their own.
	DefaultIntervalMinutes int `yaml:"default_interval_minutes" env:"SYNC_DEFAULT_INTERVAL_MINUTES" env-default:"15"`
	// InitialLookbackHours bounds the first fetch for a device with no cursor.
	InitialLookbackHours int `yaml:"initial_lookback_hours" env:"SYNC_INITIAL_LOOKBACK_HOURS" env-default:"168"`
}

// LoadConfig reads configuration from path. A missing file is not an error:
// defaults plus environment variables apply.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
		return &cfg, nil
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return &cfg, nil
}
