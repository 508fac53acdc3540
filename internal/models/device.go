// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package models

import (
	"time"
)

// Position is a recorded device position with the reported GPS accuracy.
type Position struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"` // meters, always > 0
	Timestamp time.Time `json:"timestamp"`
}

// Device is the live in-memory record for one tracked device.
//
// Lifecycle: created on the first accepted ping (or loaded from storage at
// startup), mutated only by the ingest pipeline and the staleness sweep.
// The core never deletes a device; administrative deletion simply stops
// future pings from referencing it.
type Device struct {
	DeviceID     string    `json:"device_id"`
	OwnerID      string    `json:"owner_id,omitempty"` // external account reference, may be empty
	DeviceType   string    `json:"device_type,omitempty"`
	LastPosition *Position `json:"last_position,omitempty"`
	BatteryLevel int       `json:"battery_level"`
	IsOnline     bool      `json:"is_online"`
	LastSeen     time.Time `json:"last_seen"`
}

// LocationPing is a single reported position. Pings are transient: the core
// consumes them and never stores them.
type LocationPing struct {
	DeviceID     string    `json:"device_id" validate:"required"`
	Lat          float64   `json:"lat" validate:"min=-90,max=90"`
	Lon          float64   `json:"lon" validate:"min=-180,max=180"`
	Accuracy     float64   `json:"accuracy" validate:"gt=0"` // meters
	BatteryLevel int       `json:"battery_level" validate:"min=0,max=100"`
	Timestamp    time.Time `json:"timestamp" validate:"required"`
}

// DeviceStateDelta is the per-device state update pushed to subscribers.
// Deltas for the same device may be coalesced under backpressure; only the
// most recent one is authoritative.
type DeviceStateDelta struct {
	DeviceID     string    `json:"device_id"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	Accuracy     float64   `json:"accuracy"`
	BatteryLevel int       `json:"battery_level"`
	IsOnline     bool      `json:"is_online"`
	LastSeen     time.Time `json:"last_seen"`
	Timestamp    time.Time `json:"timestamp"` // source ping timestamp (or sweep time)
}

// Delta builds the subscriber-facing state delta for the device's current
// state. The timestamp parameter orders the delta relative to other events
// for the same device.
func (d *Device) Delta(ts time.Time) DeviceStateDelta {
	delta := DeviceStateDelta{
		DeviceID:     d.DeviceID,
		BatteryLevel: d.BatteryLevel,
		IsOnline:     d.IsOnline,
		LastSeen:     d.LastSeen,
		Timestamp:    ts,
	}
	if d.LastPosition != nil {
		delta.Lat = d.LastPosition.Lat
		delta.Lon = d.LastPosition.Lon
		delta.Accuracy = d.LastPosition.Accuracy
	}
	return delta
}
