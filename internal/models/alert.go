// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package models

import (
	"time"
)

// AlertKind enumerates the alert types the engine generates.
type AlertKind string

const (
	AlertKindGeofenceEnter AlertKind = "geofence_enter"
	AlertKindGeofenceExit  AlertKind = "geofence_exit"
	AlertKindDeviceOffline AlertKind = "device_offline"
	AlertKindLowBattery    AlertKind = "low_battery"
)

// Valid reports whether the kind is one of the known alert types.
func (k AlertKind) Valid() bool {
	switch k {
	case AlertKindGeofenceEnter, AlertKindGeofenceExit, AlertKindDeviceOffline, AlertKindLowBattery:
		return true
	}
	return false
}

// Alert is an immutable alert event. Created only by the alert dispatcher;
// after creation the core never mutates it except the read flag, which
// external consumers flip through MarkAlertRead.
type Alert struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	GeofenceID string    `json:"geofence_id,omitempty"` // empty for offline/low-battery alerts
	Kind       AlertKind `json:"kind"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
	IsRead     bool      `json:"is_read"`
}
