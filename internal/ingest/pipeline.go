// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package ingest is the write path: it validates location pings, updates
// live device state, runs containment evaluation and emits the resulting
// alerts and state deltas, all under the per-device lock so that
// evaluation for one device is strictly serialized.
package ingest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/geotrackd/geotrackd/internal/alert"
	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/containment"
	"github.com/geotrackd/geotrackd/internal/device"
	"github.com/geotrackd/geotrackd/internal/fanout"
	"github.com/geotrackd/geotrackd/internal/geofence"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/metrics"
	"github.com/geotrackd/geotrackd/internal/models"
)

var (
	// ErrInvalidPing is returned for pings that fail field validation.
	ErrInvalidPing = errors.New("invalid ping")

	// ErrStaleOrDuplicate is returned when the ping timestamp is not
	// strictly newer than the device's last accepted ping.
	ErrStaleOrDuplicate = errors.New("stale or duplicate ping")

	// ErrRateLimited is returned when the device exceeds its ping budget.
	ErrRateLimited = errors.New("rate limited")
)

// Pipeline processes location pings end to end.
type Pipeline struct {
	cfg        config.IngestConfig
	tracking   config.TrackingConfig
	devices    *device.Store
	fences     *geofence.Registry
	tracker    *containment.Tracker
	dispatcher *alert.Dispatcher
	hub        *fanout.Hub

	validate *validator.Validate

	// now is swappable in tests.
	now func() time.Time

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPipeline wires the ingest path.
func NewPipeline(
	cfg config.IngestConfig,
	tracking config.TrackingConfig,
	devices *device.Store,
	fences *geofence.Registry,
	tracker *containment.Tracker,
	dispatcher *alert.Dispatcher,
	hub *fanout.Hub,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		tracking:   tracking,
		devices:    devices,
		fences:     fences,
		tracker:    tracker,
		dispatcher: dispatcher,
		hub:        hub,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Ingest processes one location ping. On success the device state is
// updated, containment transitions are alerted and a state delta is
// published. On error nothing changed.
func (p *Pipeline) Ingest(ping *models.LocationPing) error {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	if err := p.validate.Struct(ping); err != nil {
		metrics.PingsRejected.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %s", ErrInvalidPing, err)
	}

	if !p.allow(ping.DeviceID) {
		metrics.PingsRejected.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("%w: device %s", ErrRateLimited, ping.DeviceID)
	}

	var ingestErr error

	p.devices.Locked(ping.DeviceID, func(dev *models.Device) {
		if dev.LastPosition != nil && !ping.Timestamp.After(dev.LastPosition.Timestamp) {
			ingestErr = fmt.Errorf("%w: ping at %s, last accepted %s",
				ErrStaleOrDuplicate, ping.Timestamp.Format(time.RFC3339Nano),
				dev.LastPosition.Timestamp.Format(time.RFC3339Nano))
			return
		}

		wasOnline := dev.IsOnline
		hadState := dev.LastPosition != nil

		pos := models.Position{
			Lat:       ping.Lat,
			Lon:       ping.Lon,
			Accuracy:  ping.Accuracy,
			Timestamp: ping.Timestamp,
		}
		dev.LastPosition = &pos
		dev.BatteryLevel = ping.BatteryLevel
		dev.IsOnline = true
		dev.LastSeen = p.now()

		if hadState && !wasOnline {
			// Back online. Re-arm the offline alert; the restore itself is
			// not alert-worthy.
			p.dispatcher.ClearCooldown(dev.DeviceID, models.AlertKindDeviceOffline)
			logging.Info().Str("device_id", dev.DeviceID).Msg("device back online")
		}

		for _, tr := range p.tracker.Evaluate(dev.DeviceID, pos, p.fences.Snapshot()) {
			p.dispatcher.Dispatch(alert.Request{
				DeviceID:   tr.DeviceID,
				GeofenceID: tr.GeofenceID,
				Kind:       tr.Kind(),
				Message:    transitionMessage(tr),
				Timestamp:  ping.Timestamp,
			})
		}

		if p.tracking.LowBatteryThreshold > 0 && ping.BatteryLevel <= p.tracking.LowBatteryThreshold {
			p.dispatcher.Dispatch(alert.Request{
				DeviceID:  dev.DeviceID,
				Kind:      models.AlertKindLowBattery,
				Message:   fmt.Sprintf("device %s battery at %d%%", dev.DeviceID, ping.BatteryLevel),
				Timestamp: ping.Timestamp,
			})
		}

		p.hub.PublishDelta(dev.Delta(ping.Timestamp))
	})

	if ingestErr != nil {
		metrics.PingsRejected.WithLabelValues("stale").Inc()
		return ingestErr
	}

	metrics.PingsAccepted.Inc()
	return nil
}

func transitionMessage(tr containment.Transition) string {
	verb := "exited"
	if tr.Entered {
		verb = "entered"
	}
	return fmt.Sprintf("device %s %s %s", tr.DeviceID, verb, tr.GeofenceName)
}

// allow checks the per-device token bucket. Always true when rate limiting
// is disabled.
func (p *Pipeline) allow(deviceID string) bool {
	if p.cfg.MaxPingsPerSecond <= 0 {
		return true
	}

	p.limMu.Lock()
	lim, ok := p.limiters[deviceID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.cfg.MaxPingsPerSecond), p.cfg.Burst)
		p.limiters[deviceID] = lim
	}
	p.limMu.Unlock()

	return lim.Allow()
}
