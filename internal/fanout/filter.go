// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package fanout

// Filter decides whether a subscriber receives events for a device. Filters
// are supplied by the integration layer (which owns identity and
// authorization); the hub only applies the predicate.
type Filter func(deviceID string) bool

// AllowAll passes every device. For privileged map views.
func AllowAll() Filter {
	return func(string) bool { return true }
}

// DeviceSet passes only the listed device IDs. The set is copied, so the
// caller's slice can be reused.
func DeviceSet(deviceIDs []string) Filter {
	set := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		set[id] = struct{}{}
	}
	return func(deviceID string) bool {
		_, ok := set[deviceID]
		return ok
	}
}
