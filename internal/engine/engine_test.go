// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package engine

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/fanout"
	"github.com/geotrackd/geotrackd/internal/ingest"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/models"
	"github.com/geotrackd/geotrackd/internal/storage"
)

//nolint:gochecknoinits // quiet logging during tests
func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

const metersPerDegreeLat = 6371000.0 * math.Pi / 180.0

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Tracking = config.TrackingConfig{MaxMarginMeters: 50}
	cfg.Alerts = config.AlertsConfig{
		CooldownWindow:     60 * time.Second,
		QueueSize:          64,
		PersistMaxAttempts: 2,
		PersistBackoffBase: time.Millisecond,
		PersistBackoffMax:  5 * time.Millisecond,
		BreakerThreshold:   100,
		BreakerTimeout:     time.Second,
	}
	cfg.Fanout = config.FanoutConfig{SubscriberQueueSize: 256, HubQueueSize: 1024}
	cfg.Sweep = config.SweepConfig{Interval: 30 * time.Second, OfflineThreshold: 2 * time.Minute}
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *storage.BadgerStore) {
	t.Helper()

	st, err := storage.NewInMemoryStore()
	if err != nil {
		t.Fatalf("NewInMemoryStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	e := New(testConfig(), st, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Hub().Serve(ctx) }()
	go func() { _ = e.Dispatcher().Serve(ctx) }()

	return e, st
}

func ping(deviceID string, distanceMeters float64, seq int) *models.LocationPing {
	return &models.LocationPing{
		DeviceID:     deviceID,
		Lat:          distanceMeters / metersPerDegreeLat,
		Lon:          0,
		Accuracy:     10,
		BatteryLevel: 90,
		Timestamp:    baseTime.Add(time.Duration(seq) * time.Second),
	}
}

func recvEvent(t *testing.T, sub *fanout.Subscriber) fanout.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return fanout.Event{}
}

// Full enter/exit cycle for one device and one geofence, observed through
// a live subscription.
func TestTrackingEndToEnd(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.UpsertGeofence(ctx, models.Geofence{
		ID: "g1", Name: "Home", Kind: models.GeofenceKindSafe,
		CenterLat: 0, CenterLon: 0, RadiusMeters: 100, Active: true,
	}); err != nil {
		t.Fatalf("UpsertGeofence: %v", err)
	}

	sub := e.Subscribe(nil)
	defer e.Unsubscribe(sub.ID())

	// First ping inside: seeds containment silently, publishes a delta.
	if err := e.IngestPing(ping("d1", 0, 1)); err != nil {
		t.Fatalf("IngestPing: %v", err)
	}
	ev := recvEvent(t, sub)
	if ev.Type != fanout.EventTypeDeviceState {
		t.Fatalf("first event = %+v, want silent seeding delta", ev)
	}
	if st, ok := e.ContainmentState("d1", "g1"); !ok || !st.Inside {
		t.Fatalf("containment after seed = %+v ok=%v, want inside", st, ok)
	}

	// Move to 200m: past R + margin, exit alert then delta.
	if err := e.IngestPing(ping("d1", 200, 2)); err != nil {
		t.Fatalf("IngestPing: %v", err)
	}
	ev = recvEvent(t, sub)
	if ev.Type != fanout.EventTypeAlert || ev.Alert.Kind != models.AlertKindGeofenceExit {
		t.Fatalf("expected exit alert, got %+v", ev)
	}
	recvEvent(t, sub) // delta

	// Back to 40m: inside R - margin, enter alert.
	if err := e.IngestPing(ping("d1", 40, 3)); err != nil {
		t.Fatalf("IngestPing: %v", err)
	}
	ev = recvEvent(t, sub)
	if ev.Type != fanout.EventTypeAlert || ev.Alert.Kind != models.AlertKindGeofenceEnter {
		t.Fatalf("expected enter alert, got %+v", ev)
	}

	// Replayed timestamp is rejected without side effects.
	if err := e.IngestPing(ping("d1", 200, 3)); !errors.Is(err, ingest.ErrStaleOrDuplicate) {
		t.Errorf("replay = %v, want ErrStaleOrDuplicate", err)
	}
}

func TestGeofencePersistenceAndRemoval(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	g := models.Geofence{
		ID: "g1", Name: "Depot", Kind: models.GeofenceKindRestricted,
		CenterLat: 0, CenterLon: 0, RadiusMeters: 100, Active: true,
	}
	if err := e.UpsertGeofence(ctx, g); err != nil {
		t.Fatalf("UpsertGeofence: %v", err)
	}

	persisted, err := st.LoadActiveGeofences(ctx)
	if err != nil {
		t.Fatalf("LoadActiveGeofences: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != "g1" {
		t.Fatalf("persisted fences = %+v", persisted)
	}

	// Seed containment, then remove the fence: state is purged so a
	// re-added fence starts from a clean seed.
	if err := e.IngestPing(ping("d1", 0, 1)); err != nil {
		t.Fatalf("IngestPing: %v", err)
	}
	if _, ok := e.ContainmentState("d1", "g1"); !ok {
		t.Fatal("containment state should exist")
	}

	if err := e.RemoveGeofence(ctx, "g1"); err != nil {
		t.Fatalf("RemoveGeofence: %v", err)
	}
	if _, ok := e.ContainmentState("d1", "g1"); ok {
		t.Error("containment state should be purged on removal")
	}
	if _, ok := e.Geofence("g1"); ok {
		t.Error("geofence should be gone from the registry")
	}
}

func TestUpsertGeofenceRejectsInvalid(t *testing.T) {
	e, _ := newTestEngine(t)

	bad := models.Geofence{ID: "g1", Name: "Bad", Kind: "safe", CenterLat: 0, CenterLon: 0, RadiusMeters: 0, Active: true}
	if err := e.UpsertGeofence(context.Background(), bad); err == nil {
		t.Error("zero radius should be rejected")
	}
	if len(e.Geofences()) != 0 {
		t.Error("invalid geofence must not be registered")
	}
}

func TestRehydrate(t *testing.T) {
	st, err := storage.NewInMemoryStore()
	if err != nil {
		t.Fatalf("NewInMemoryStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	g := models.Geofence{ID: "g1", Name: "Home", Kind: models.GeofenceKindSafe, CenterLat: 0, CenterLon: 0, RadiusMeters: 100, Active: true}
	if err := st.SaveGeofence(ctx, &g); err != nil {
		t.Fatalf("SaveGeofence: %v", err)
	}
	d := models.Device{
		DeviceID:     "d1",
		LastPosition: &models.Position{Lat: 0, Lon: 0, Accuracy: 10, Timestamp: baseTime},
		BatteryLevel: 70,
		IsOnline:     true,
		LastSeen:     baseTime,
	}
	if err := st.UpsertDeviceState(ctx, &d); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}

	e := New(testConfig(), st, nil)
	if err := e.Rehydrate(ctx); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	if _, ok := e.Geofence("g1"); !ok {
		t.Error("geofence not rehydrated")
	}
	dev, ok := e.Device("d1")
	if !ok {
		t.Fatal("device not rehydrated")
	}
	if dev.BatteryLevel != 70 || dev.LastPosition == nil {
		t.Errorf("rehydrated device mismatch: %+v", dev)
	}

	// A ping older than the restored position is still rejected.
	ctxHub, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Hub().Serve(ctxHub) }()
	go func() { _ = e.Dispatcher().Serve(ctxHub) }()

	old := ping("d1", 0, 0)
	old.Timestamp = baseTime.Add(-time.Minute)
	if err := e.IngestPing(old); !errors.Is(err, ingest.ErrStaleOrDuplicate) {
		t.Errorf("pre-restore ping = %v, want ErrStaleOrDuplicate", err)
	}
}

func TestCheckpointerFlushesDeviceState(t *testing.T) {
	e, st := newTestEngine(t)

	if err := e.IngestPing(ping("d1", 0, 1)); err != nil {
		t.Fatalf("IngestPing: %v", err)
	}

	cp := NewCheckpointer(e, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cp.Serve(ctx) }()
	cancel() // triggers the shutdown flush

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checkpointer did not stop")
	}

	devices, err := st.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "d1" {
		t.Errorf("checkpointed devices = %+v", devices)
	}
}
