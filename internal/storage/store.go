// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package storage persists alerts, geofence definitions and last-known
// device state. The live tracking path never reads from storage; it is a
// write-behind record used for the alert history API and for rehydration
// at startup.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/geotrackd/geotrackd/internal/models"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// AlertQuery narrows ListAlerts. Zero values mean "no constraint".
type AlertQuery struct {
	DeviceID   string
	UnreadOnly bool
	Since      time.Time
	Limit      int
}

// Store is the persistence boundary. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveAlert persists a generated alert. Saving an existing ID
	// overwrites it, which makes persistence retries idempotent.
	SaveAlert(ctx context.Context, a *models.Alert) error

	// MarkAlertRead flags an alert as read. ErrNotFound for unknown IDs.
	MarkAlertRead(ctx context.Context, id string) error

	// ListAlerts returns alerts matching the query, newest first.
	ListAlerts(ctx context.Context, q AlertQuery) ([]models.Alert, error)

	// SaveGeofence persists a geofence definition.
	SaveGeofence(ctx context.Context, g *models.Geofence) error

	// DeleteGeofence removes a geofence definition. Unknown IDs are a
	// no-op.
	DeleteGeofence(ctx context.Context, id string) error

	// LoadActiveGeofences returns all persisted geofences with Active set.
	LoadActiveGeofences(ctx context.Context) ([]models.Geofence, error)

	// UpsertDeviceState records the last-known state of a device.
	UpsertDeviceState(ctx context.Context, d *models.Device) error

	// LoadDevice returns a device record. ErrNotFound for unknown IDs.
	LoadDevice(ctx context.Context, id string) (*models.Device, error)

	// ListDevices returns all persisted device records.
	ListDevices(ctx context.Context) ([]models.Device, error)

	// Close releases the underlying database.
	Close() error
}
