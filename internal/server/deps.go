package server

import (
	"context"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// SyncService is what the HTTP layer needs from the sync orchestrator.
type SyncService interface {
	RunCycle(ctx context.Context, deviceID string) (models.SyncResult, error)
	RunWebhook(ctx context.Context, token string, payload []byte) (models.SyncResult, error)
	ListUsers(ctx context.Context, deviceID string) ([]models.DeviceUser, error)
	Probe(ctx context.Context, deviceID string) error
}

// DeviceStore is the read-only store access the HTTP layer needs for status
// and token lookups.
type DeviceStore interface {
	Device(ctx context.Context, id string) (models.DeviceDescriptor, error)
	DeviceByToken(ctx context.Context, token string) (models.DeviceDescriptor, error)
	Cursor(ctx context.Context, deviceID string) (models.SyncCursor, error)
	SyncLogs(ctx context.Context, deviceID string, limit int) ([]models.SyncLogEntry, error)
}
