package adapter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// ProtocolAdapter is the single capability every device family implements.
// Fetch may return records alongside a non-nil error: a dropped connection
// mid-fetch yields whatever complete records were parsed, and the caller
// treats the cycle as partial.
type ProtocolAdapter interface {
	// Fetch returns raw punches recorded at or after since. Timestamps are
	// device-local wall-clock time, unconverted.
	Fetch(ctx context.Context, since time.Time) ([]models.RawPunch, error)
	// ListUsers returns the device's user directory. Read-only diagnostic
	// data used to configure mappings; not part of the sync path.
	ListUsers(ctx context.Context) ([]models.DeviceUser, error)
	// Probe tests reachability without fetching any records.
	Probe(ctx context.Context) error
}

// New builds the adapter for a device descriptor. An unknown protocol kind or
// a missing required connection parameter is a configuration error, returned
// before any I/O is attempted.
func New(desc models.DeviceDescriptor, log *zap.Logger) (ProtocolAdapter, error) {
	switch desc.Protocol {
	case models.ProtocolZKTeco:
		if desc.Host == "" {
			return nil, fmt.Errorf("device %s: zkteco requires a host", desc.ID)
		}
		return newZKTeco(desc, log), nil
	case models.ProtocolHikvision, models.ProtocolSuprema, models.ProtocolGenericAPI:
		if desc.BaseURL == "" {
			return nil, fmt.Errorf("device %s: %s requires a base_url", desc.ID, desc.Protocol)
		}
		return newAPI(desc, log), nil
	case models.ProtocolWebhook:
		if desc.WebhookToken == "" {
			return nil, fmt.Errorf("device %s: webhook requires a webhook_token", desc.ID)
		}
		return newWebhook(desc, log), nil
	default:
		return nil, fmt.Errorf("device %s: unsupported protocol %q", desc.ID, desc.Protocol)
	}
}

// ConnectionError is a transient transport failure. The next scheduled cycle
// retries; records already parsed before the failure remain valid.
type ConnectionError struct {
	DeviceID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device %s: connection failed: %v", e.DeviceID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is a malformed response at the logical record level. The
// remaining fetch is abandoned; already-parsed records are kept.
type ProtocolError struct {
	DeviceID string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("device %s: protocol error: %v", e.DeviceID, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError is a credential or token mismatch. No records are produced and no
// cursor movement should follow.
type AuthError struct {
	DeviceID string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("device %s: %s", e.DeviceID, e.Message)
}
