// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package models

import (
	"fmt"
	"time"
)

// GeofenceKind tags a geofence with its operational meaning. The set is
// extensible: unknown kinds are accepted as long as they are well-formed
// tokens, so integrators can define their own categories.
type GeofenceKind string

const (
	GeofenceKindRestricted GeofenceKind = "restricted"
	GeofenceKindSafe       GeofenceKind = "safe"
	GeofenceKindCustom     GeofenceKind = "custom"
)

// Valid reports whether the kind is a well-formed tag: non-empty, at most 32
// characters, lowercase letters, digits and underscores only. Kind strings
// are validated at the boundary rather than compared case-insensitively
// throughout the core.
func (k GeofenceKind) Valid() bool {
	if len(k) == 0 || len(k) > 32 {
		return false
	}
	for _, c := range k {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// Geofence is a named circular containment region.
type Geofence struct {
	ID           string       `json:"id" validate:"required"`
	Name         string       `json:"name" validate:"required"`
	Kind         GeofenceKind `json:"kind"`
	CenterLat    float64      `json:"center_lat" validate:"min=-90,max=90"`
	CenterLon    float64      `json:"center_lon" validate:"min=-180,max=180"`
	RadiusMeters float64      `json:"radius_meters" validate:"gt=0"`
	Active       bool         `json:"active"`
}

// Validate checks the fields the registry refuses to accept. Struct tags
// cover the numeric ranges; this adds the kind check and a readable error.
func (g *Geofence) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("geofence id is required")
	}
	if g.Name == "" {
		return fmt.Errorf("geofence name is required")
	}
	if !g.Kind.Valid() {
		return fmt.Errorf("invalid geofence kind %q", g.Kind)
	}
	if g.RadiusMeters <= 0 {
		return fmt.Errorf("geofence radius must be positive, got %v", g.RadiusMeters)
	}
	if g.CenterLat < -90 || g.CenterLat > 90 || g.CenterLon < -180 || g.CenterLon > 180 {
		return fmt.Errorf("geofence center out of range: (%v, %v)", g.CenterLat, g.CenterLon)
	}
	return nil
}

// ContainmentState is the per (device, geofence) boolean state machine
// record. Owned exclusively by the containment tracker; created lazily on
// first evaluation and removed when the geofence is deleted or deactivated.
type ContainmentState struct {
	DeviceID         string    `json:"device_id"`
	GeofenceID       string    `json:"geofence_id"`
	Inside           bool      `json:"inside"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}
