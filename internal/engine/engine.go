// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package engine composes the tracking core: ingest, containment, alert
// dispatch, fanout and the staleness sweep behind one facade that the
// transport layers (HTTP, WebSocket, MQTT) call into.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/geotrackd/geotrackd/internal/alert"
	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/containment"
	"github.com/geotrackd/geotrackd/internal/device"
	"github.com/geotrackd/geotrackd/internal/fanout"
	"github.com/geotrackd/geotrackd/internal/geofence"
	"github.com/geotrackd/geotrackd/internal/ingest"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/models"
	"github.com/geotrackd/geotrackd/internal/storage"
	"github.com/geotrackd/geotrackd/internal/sweep"
)

// Engine owns the live tracking state and its processing pipeline.
type Engine struct {
	cfg   *config.Config
	store storage.Store

	devices    *device.Store
	fences     *geofence.Registry
	tracker    *containment.Tracker
	hub        *fanout.Hub
	dispatcher *alert.Dispatcher
	pipeline   *ingest.Pipeline
	sweeper    *sweep.Sweeper
}

// New wires the engine. notifier may be nil; store must not be.
func New(cfg *config.Config, store storage.Store, notifier alert.Notifier) *Engine {
	tracker := containment.NewTracker(cfg.Tracking.MaxMarginMeters)
	fences := geofence.NewRegistry(tracker.PurgeGeofence)
	devices := device.NewStore()
	hub := fanout.NewHub(cfg.Fanout.SubscriberQueueSize, cfg.Fanout.HubQueueSize)
	dispatcher := alert.NewDispatcher(cfg.Alerts, store, hub, notifier)

	return &Engine{
		cfg:        cfg,
		store:      store,
		devices:    devices,
		fences:     fences,
		tracker:    tracker,
		hub:        hub,
		dispatcher: dispatcher,
		pipeline:   ingest.NewPipeline(cfg.Ingest, cfg.Tracking, devices, fences, tracker, dispatcher, hub),
		sweeper:    sweep.NewSweeper(cfg.Sweep, devices, dispatcher, hub),
	}
}

// Rehydrate loads persisted geofences and last-known device state into the
// live core. Called once before the transports start. Devices restored in
// the online state will be swept offline if they stay silent.
func (e *Engine) Rehydrate(ctx context.Context) error {
	fences, err := e.store.LoadActiveGeofences(ctx)
	if err != nil {
		return fmt.Errorf("load geofences: %w", err)
	}
	for i := range fences {
		if err := e.fences.Upsert(fences[i]); err != nil {
			logging.Warn().Err(err).Str("geofence_id", fences[i].ID).Msg("skipping persisted geofence")
		}
	}

	devices, err := e.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for i := range devices {
		e.devices.Seed(devices[i])
	}

	logging.Info().
		Int("geofences", e.fences.Len()).
		Int("devices", e.devices.Len()).
		Msg("state rehydrated")
	return nil
}

// IngestPing runs one location ping through the pipeline.
func (e *Engine) IngestPing(ping *models.LocationPing) error {
	return e.pipeline.Ingest(ping)
}

// UpsertGeofence validates, activates and persists a geofence. Containment
// state for a deactivated fence is purged so reactivation starts from a
// clean seed.
func (e *Engine) UpsertGeofence(ctx context.Context, g models.Geofence) error {
	if err := e.fences.Upsert(g); err != nil {
		return err
	}
	if err := e.store.SaveGeofence(ctx, &g); err != nil {
		return fmt.Errorf("persist geofence %s: %w", g.ID, err)
	}
	return nil
}

// RemoveGeofence drops a geofence from the live registry and storage.
// Unknown IDs are a no-op.
func (e *Engine) RemoveGeofence(ctx context.Context, id string) error {
	e.fences.Remove(id)
	if err := e.store.DeleteGeofence(ctx, id); err != nil {
		return fmt.Errorf("delete geofence %s: %w", id, err)
	}
	return nil
}

// Geofence returns one geofence from the live registry.
func (e *Engine) Geofence(id string) (models.Geofence, bool) {
	return e.fences.Get(id)
}

// Geofences returns every registered geofence, active or not.
func (e *Engine) Geofences() []models.Geofence {
	return e.fences.All()
}

// Device returns a copy of one device's live state.
func (e *Engine) Device(id string) (models.Device, bool) {
	return e.devices.Get(id)
}

// Devices returns a copy of all live device state.
func (e *Engine) Devices() []models.Device {
	return e.devices.Snapshot()
}

// ContainmentState reports the tracked state for a (device, geofence)
// pair.
func (e *Engine) ContainmentState(deviceID, geofenceID string) (models.ContainmentState, bool) {
	return e.tracker.State(deviceID, geofenceID)
}

// Alerts lists persisted alerts.
func (e *Engine) Alerts(ctx context.Context, q storage.AlertQuery) ([]models.Alert, error) {
	return e.store.ListAlerts(ctx, q)
}

// MarkAlertRead flags a persisted alert as read.
func (e *Engine) MarkAlertRead(ctx context.Context, id string) error {
	return e.store.MarkAlertRead(ctx, id)
}

// Subscribe registers a live event subscriber. A nil filter receives all
// devices.
func (e *Engine) Subscribe(filter fanout.Filter) *fanout.Subscriber {
	return e.hub.Subscribe(filter)
}

// Unsubscribe disconnects a subscriber.
func (e *Engine) Unsubscribe(id uuid.UUID) {
	e.hub.Unsubscribe(id)
}

// Hub exposes the fanout hub for supervision.
func (e *Engine) Hub() *fanout.Hub {
	return e.hub
}

// Dispatcher exposes the alert dispatcher for supervision.
func (e *Engine) Dispatcher() *alert.Dispatcher {
	return e.dispatcher
}

// Sweeper exposes the staleness sweeper for supervision.
func (e *Engine) Sweeper() *sweep.Sweeper {
	return e.sweeper
}
