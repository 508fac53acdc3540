// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package sweep marks devices offline when no ping has arrived within the
// configured threshold. The sweep is the only code path that flips
// IsOnline from true to false.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/geotrackd/geotrackd/internal/alert"
	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/device"
	"github.com/geotrackd/geotrackd/internal/fanout"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/metrics"
	"github.com/geotrackd/geotrackd/internal/models"
)

// Sweeper periodically scans live device state for staleness.
type Sweeper struct {
	cfg        config.SweepConfig
	devices    *device.Store
	dispatcher *alert.Dispatcher
	hub        *fanout.Hub

	// now is swappable in tests.
	now func() time.Time
}

// NewSweeper creates a sweeper over the given device store.
func NewSweeper(cfg config.SweepConfig, devices *device.Store, dispatcher *alert.Dispatcher, hub *fanout.Hub) *Sweeper {
	return &Sweeper{
		cfg:        cfg,
		devices:    devices,
		dispatcher: dispatcher,
		hub:        hub,
		now:        time.Now,
	}
}

// Serve runs the sweep loop until the context is canceled. Designed for
// suture supervision.
func (s *Sweeper) Serve(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.cfg.Interval).
		Dur("offline_threshold", s.cfg.OfflineThreshold).
		Msg("staleness sweep started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one pass over all devices.
func (s *Sweeper) Sweep() {
	now := s.now()
	cutoff := now.Add(-s.cfg.OfflineThreshold)

	var online, flipped int
	for _, dev := range s.devices.Snapshot() {
		if !dev.IsOnline {
			continue
		}
		if dev.LastSeen.After(cutoff) {
			online++
			continue
		}
		if s.markOffline(dev.DeviceID, cutoff, now) {
			flipped++
		} else {
			online++
		}
	}

	metrics.SweepRuns.Inc()
	metrics.DevicesOnline.Set(float64(online))
	if flipped > 0 {
		metrics.DevicesMarkedOffline.Add(float64(flipped))
		logging.Info().Int("devices", flipped).Msg("devices marked offline")
	}
}

// markOffline rechecks staleness under the device lock; a ping may have
// arrived between the snapshot and now. Returns true when the device was
// flipped offline.
func (s *Sweeper) markOffline(deviceID string, cutoff, now time.Time) bool {
	flipped := false
	s.devices.LockedIfExists(deviceID, func(dev *models.Device) {
		if !dev.IsOnline || dev.LastSeen.After(cutoff) {
			return
		}
		dev.IsOnline = false
		flipped = true

		s.dispatcher.Dispatch(alert.Request{
			DeviceID:  dev.DeviceID,
			Kind:      models.AlertKindDeviceOffline,
			Message:   fmt.Sprintf("device %s went offline, last seen %s", dev.DeviceID, dev.LastSeen.Format(time.RFC3339)),
			Timestamp: now,
		})
		s.hub.PublishDelta(dev.Delta(now))
	})
	return flipped
}
