// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package sweep

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/geotrackd/geotrackd/internal/alert"
	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/device"
	"github.com/geotrackd/geotrackd/internal/fanout"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/models"
	"github.com/geotrackd/geotrackd/internal/storage"
)

//nolint:gochecknoinits // quiet logging during tests
func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSweepEnv(t *testing.T) (*Sweeper, *device.Store, *fanout.Hub) {
	t.Helper()

	st, err := storage.NewInMemoryStore()
	if err != nil {
		t.Fatalf("NewInMemoryStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := fanout.NewHub(64, 256)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Serve(ctx) }()

	dispatcher := alert.NewDispatcher(config.AlertsConfig{
		CooldownWindow:     60 * time.Second,
		QueueSize:          64,
		PersistMaxAttempts: 1,
		PersistBackoffBase: time.Millisecond,
		PersistBackoffMax:  time.Millisecond,
		BreakerThreshold:   100,
		BreakerTimeout:     time.Second,
	}, st, hub, nil)
	go func() { _ = dispatcher.Serve(ctx) }()

	devices := device.NewStore()
	s := NewSweeper(config.SweepConfig{
		Interval:         30 * time.Second,
		OfflineThreshold: 2 * time.Minute,
	}, devices, dispatcher, hub)

	return s, devices, hub
}

func seedDevice(devices *device.Store, id string, lastSeen time.Time, online bool) {
	devices.Seed(models.Device{
		DeviceID:     id,
		LastPosition: &models.Position{Lat: 0, Lon: 0, Accuracy: 10, Timestamp: lastSeen},
		BatteryLevel: 50,
		IsOnline:     online,
		LastSeen:     lastSeen,
	})
}

func TestSweepMarksStaleDevicesOffline(t *testing.T) {
	s, devices, hub := newSweepEnv(t)
	s.now = func() time.Time { return baseTime }

	seedDevice(devices, "stale", baseTime.Add(-3*time.Minute), true)
	seedDevice(devices, "fresh", baseTime.Add(-30*time.Second), true)

	sub := hub.Subscribe(fanout.AllowAll())
	defer hub.Unsubscribe(sub.ID())

	s.Sweep()

	if dev, _ := devices.Get("stale"); dev.IsOnline {
		t.Error("stale device should be offline")
	}
	if dev, _ := devices.Get("fresh"); !dev.IsOnline {
		t.Error("fresh device should stay online")
	}

	// One offline alert and one delta, both for the stale device.
	sawAlert, sawDelta := false, false
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			if ev.DeviceID != "stale" {
				t.Fatalf("event for %s, want stale", ev.DeviceID)
			}
			switch ev.Type {
			case fanout.EventTypeAlert:
				if ev.Alert.Kind != models.AlertKindDeviceOffline {
					t.Errorf("alert kind = %s", ev.Alert.Kind)
				}
				sawAlert = true
			case fanout.EventTypeDeviceState:
				if ev.Delta.IsOnline {
					t.Error("delta should report offline")
				}
				sawDelta = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for sweep events")
		}
	}
	if !sawAlert || !sawDelta {
		t.Errorf("sawAlert=%v sawDelta=%v, want both", sawAlert, sawDelta)
	}
}

func TestSweepIgnoresAlreadyOffline(t *testing.T) {
	s, devices, hub := newSweepEnv(t)
	s.now = func() time.Time { return baseTime }

	seedDevice(devices, "down", baseTime.Add(-10*time.Minute), false)

	sub := hub.Subscribe(fanout.AllowAll())
	defer hub.Unsubscribe(sub.ID())

	s.Sweep()

	select {
	case ev := <-sub.Events():
		t.Fatalf("already-offline device produced event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSweepRepeatSuppressedByCooldown(t *testing.T) {
	s, devices, hub := newSweepEnv(t)
	now := baseTime
	s.now = func() time.Time { return now }

	seedDevice(devices, "d1", baseTime.Add(-3*time.Minute), true)

	sub := hub.Subscribe(fanout.AllowAll())
	defer hub.Unsubscribe(sub.ID())

	s.Sweep()

	// Force the device to look online-and-stale again within the alert
	// cool-down window.
	devices.LockedIfExists("d1", func(dev *models.Device) { dev.IsOnline = true })
	now = now.Add(30 * time.Second)
	s.Sweep()

	alerts := 0
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == fanout.EventTypeAlert {
				alerts++
			}
			continue
		case <-deadline:
		}
		break
	}
	if alerts != 1 {
		t.Errorf("offline alerts = %d, want 1 (repeat suppressed)", alerts)
	}
}
