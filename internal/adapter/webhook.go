package adapter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// Webhook handles devices that push punches to us. There is no outbound call:
// the HTTP layer hands the received payload to Decode, and Fetch is a no-op so
// webhook devices still satisfy the common adapter contract.
type Webhook struct {
	desc models.DeviceDescriptor
	log  *zap.Logger
}

func newWebhook(desc models.DeviceDescriptor, log *zap.Logger) *Webhook {
	return &Webhook{desc: desc, log: log}
}

// webhookLog is one pushed punch record. Devices send either
// {"logs": [...]} or a bare JSON array of these.
type webhookLog struct {
	UserID    string `json:"user_id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Sequence  int64  `json:"seq"`
}

// DecodeWebhook validates the presented token against the device
// configuration and decodes the pushed payload. A token mismatch yields an
// AuthError and zero records, never a partial batch.
func DecodeWebhook(desc models.DeviceDescriptor, payload []byte, presentedToken string) ([]models.RawPunch, error) {
	if subtle.ConstantTimeCompare([]byte(desc.WebhookToken), []byte(presentedToken)) != 1 {
		return nil, &AuthError{DeviceID: desc.ID, Message: "webhook token mismatch"}
	}

	var logs []webhookLog
	if err := json.Unmarshal(payload, &logs); err != nil {
		var wrapped struct {
			Logs []webhookLog `json:"logs"`
		}
		if err := json.Unmarshal(payload, &wrapped); err != nil {
			return nil, &ProtocolError{DeviceID: desc.ID, Err: fmt.Errorf("malformed webhook payload: %w", err)}
		}
		logs = wrapped.Logs
		if len(logs) == 0 {
			// Some devices push a single bare record object.
			var single webhookLog
			if err := json.Unmarshal(payload, &single); err == nil && single.UserID != "" {
				logs = []webhookLog{single}
			}
		}
	}

	var punches []models.RawPunch
	for i, item := range logs {
		if item.UserID == "" || item.Timestamp == "" {
			return punches, &ProtocolError{DeviceID: desc.ID, Err: fmt.Errorf("record %d: user_id and timestamp are required", i)}
		}
		ts, err := parseDeviceTime(item.Timestamp)
		if err != nil {
			return punches, &ProtocolError{DeviceID: desc.ID, Err: fmt.Errorf("record %d: %w", i, err)}
		}
		punches = append(punches, models.RawPunch{
			DeviceID:     desc.ID,
			DeviceUserID: item.UserID,
			Timestamp:    ts,
			Direction:    codeDirection(item.Type),
			Sequence:     item.Sequence,
			Payload:      fmt.Sprintf("type=%s seq=%d", item.Type, item.Sequence),
		})
	}
	return punches, nil
}

// Fetch is a no-op: webhook devices deliver data inbound only.
func (w *Webhook) Fetch(ctx context.Context, since time.Time) ([]models.RawPunch, error) {
	return nil, nil
}

// ListUsers is unavailable for push-only devices.
func (w *Webhook) ListUsers(ctx context.Context) ([]models.DeviceUser, error) {
	return nil, nil
}

// Probe always succeeds; there is nothing to reach out to.
func (w *Webhook) Probe(ctx context.Context) error {
	return nil
}
