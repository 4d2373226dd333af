package models

import "time"

// ProtocolKind identifies the device family an adapter speaks to.
type ProtocolKind string

const (
	ProtocolZKTeco     ProtocolKind = "zkteco"
	ProtocolHikvision  ProtocolKind = "hikvision"
	ProtocolSuprema    ProtocolKind = "suprema"
	ProtocolGenericAPI ProtocolKind = "generic_api"
	ProtocolWebhook    ProtocolKind = "webhook"
)

// DeviceDescriptor is the configuration snapshot for one attendance device.
// It is immutable for the duration of a sync cycle; the connection fields are
// opaque to everything except the matching protocol adapter.
type DeviceDescriptor struct {
	ID               string       `json:"id" yaml:"id"`
	Name             string       `json:"name" yaml:"name"`
	Protocol         ProtocolKind `json:"protocol" yaml:"protocol"`
	Host             string       `json:"host,omitempty" yaml:"host,omitempty"`
	Port             int          `json:"port,omitempty" yaml:"port,omitempty"`
	BaseURL          string       `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey           string       `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Username         string       `json:"username,omitempty" yaml:"username,omitempty"`
	Password         string       `json:"password,omitempty" yaml:"password,omitempty"`
	WebhookToken     string       `json:"webhook_token,omitempty" yaml:"webhook_token,omitempty"`
	UTCOffsetMinutes int          `json:"utc_offset_minutes" yaml:"utc_offset_minutes"`
	Active           bool         `json:"active" yaml:"active"`
	AutoSync         bool         `json:"auto_sync" yaml:"auto_sync"`
	SyncIntervalMin  int          `json:"sync_interval_minutes,omitempty" yaml:"sync_interval_minutes,omitempty"`
}

// Location returns the fixed-offset zone declared for the device. Device
// clocks are not trusted to track DST, so a declared offset beats a live
// timezone database lookup.
func (d DeviceDescriptor) Location() *time.Location {
	if d.UTCOffsetMinutes == 0 {
		return time.UTC
	}
	return time.FixedZone("device", d.UTCOffsetMinutes*60)
}

// DeviceUser is a read-only directory entry fetched from a device, used to
// configure employee mappings. Not part of the sync path.
type DeviceUser struct {
	DeviceUserID string `json:"device_user_id"`
	Name         string `json:"name"`
	CardNumber   string `json:"card_number,omitempty"`
}

// EmployeeMapping binds a device-local user identifier to an employee.
// Many device-local ids may map to one employee; one device-local id maps to
// at most one employee.
type EmployeeMapping struct {
	DeviceID     string `json:"device_id" yaml:"device_id"`
	DeviceUserID string `json:"device_user_id" yaml:"device_user_id"`
	EmployeeID   string `json:"employee_id" yaml:"employee_id"`
}
