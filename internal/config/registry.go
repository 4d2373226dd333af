package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/attendkit/attendance-gateway/internal/models"
)

// Registry is the YAML device registry: the device descriptors and employee
// mappings this gateway syncs. It is the configuration-store snapshot the
// sync core receives; editing it and restarting (or re-seeding) is how
// devices are added.
type Registry struct {
	Devices  []models.DeviceDescriptor `yaml:"devices"`
	Mappings []models.EmployeeMapping  `yaml:"mappings"`
}

// LoadRegistry reads and validates the device registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device registry: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse device registry: %w", err)
	}

	seen := make(map[string]bool, len(reg.Devices))
	for i, d := range reg.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("device %d: missing id", i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
		switch d.Protocol {
		case models.ProtocolZKTeco, models.ProtocolHikvision, models.ProtocolSuprema,
			models.ProtocolGenericAPI, models.ProtocolWebhook:
		default:
			return nil, fmt.Errorf("device %s: unknown protocol %q", d.ID, d.Protocol)
		}
	}

	for i, m := range reg.Mappings {
		if m.DeviceID == "" || m.DeviceUserID == "" || m.EmployeeID == "" {
			return nil, fmt.Errorf("mapping %d: device_id, device_user_id and employee_id are required", i)
		}
		if !seen[m.DeviceID] {
			return nil, fmt.Errorf("mapping %d: unknown device %q", i, m.DeviceID)
		}
	}

	return &reg, nil
}
