// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package notify hands alerts off to external consumers over NATS
// JetStream. When no broker is configured the Noop notifier keeps the
// rest of the system oblivious.
package notify

import (
	"context"

	"github.com/geotrackd/geotrackd/internal/models"
)

// Noop discards every alert. Used when external notification is disabled.
type Noop struct{}

// PublishAlert does nothing.
func (Noop) PublishAlert(ctx context.Context, a *models.Alert) error {
	return nil
}

// Close does nothing.
func (Noop) Close() error {
	return nil
}
