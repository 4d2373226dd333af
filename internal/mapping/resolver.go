package mapping

import "github.com/attendkit/attendance-gateway/internal/models"

// Resolver answers "which employee is this device-local user id" against an
// immutable mapping snapshot. A miss is not an error; callers count and
// report unmapped ids so a cycle keeps making progress with an incomplete
// mapping table.
type Resolver struct {
	byKey map[key]string
}

type key struct {
	deviceID     string
	deviceUserID string
}

// NewResolver builds a resolver from a mapping snapshot. Later entries for
// the same (device, device user) pair win, matching store upsert order.
func NewResolver(mappings []models.EmployeeMapping) *Resolver {
	byKey := make(map[key]string, len(mappings))
	for _, m := range mappings {
		byKey[key{m.DeviceID, m.DeviceUserID}] = m.EmployeeID
	}
	return &Resolver{byKey: byKey}
}

// Resolve returns the employee id for a device-local user id. The second
// return reports whether a mapping exists.
func (r *Resolver) Resolve(deviceID, deviceUserID string) (string, bool) {
	employeeID, ok := r.byKey[key{deviceID, deviceUserID}]
	return employeeID, ok
}

// Len returns the number of distinct mappings in the snapshot.
func (r *Resolver) Len() int {
	return len(r.byKey)
}
