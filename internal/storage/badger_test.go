// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package storage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/models"
)

//nolint:gochecknoinits // quiet logging during tests
func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewInMemoryStore()
	if err != nil {
		t.Fatalf("NewInMemoryStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAlertRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := models.Alert{
		ID:         "alert-1",
		DeviceID:   "d1",
		GeofenceID: "g1",
		Kind:       models.AlertKindGeofenceExit,
		Message:    "device d1 exited Home",
		CreatedAt:  now,
	}
	if err := s.SaveAlert(ctx, &a); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	// Saving again with the same ID overwrites, not duplicates.
	if err := s.SaveAlert(ctx, &a); err != nil {
		t.Fatalf("SaveAlert retry: %v", err)
	}

	got, err := s.ListAlerts(ctx, AlertQuery{})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListAlerts returned %d alerts, want 1", len(got))
	}
	if got[0].ID != "alert-1" || got[0].Kind != models.AlertKindGeofenceExit {
		t.Errorf("round trip mismatch: %+v", got[0])
	}
	if !got[0].CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got[0].CreatedAt, now)
	}
}

func TestMarkAlertRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := models.Alert{ID: "alert-1", DeviceID: "d1", Kind: models.AlertKindDeviceOffline, CreatedAt: time.Now().UTC()}
	if err := s.SaveAlert(ctx, &a); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	if err := s.MarkAlertRead(ctx, "alert-1"); err != nil {
		t.Fatalf("MarkAlertRead: %v", err)
	}
	// Idempotent.
	if err := s.MarkAlertRead(ctx, "alert-1"); err != nil {
		t.Fatalf("MarkAlertRead second call: %v", err)
	}

	unread, err := s.ListAlerts(ctx, AlertQuery{UnreadOnly: true})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(unread) != 0 {
		t.Errorf("unread alerts = %d, want 0", len(unread))
	}

	if err := s.MarkAlertRead(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkAlertRead(missing) = %v, want ErrNotFound", err)
	}
}

func TestListAlertsFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := []models.Alert{
		{ID: "a1", DeviceID: "d1", Kind: models.AlertKindGeofenceEnter, CreatedAt: base},
		{ID: "a2", DeviceID: "d2", Kind: models.AlertKindGeofenceExit, CreatedAt: base.Add(time.Minute)},
		{ID: "a3", DeviceID: "d1", Kind: models.AlertKindLowBattery, CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range seed {
		if err := s.SaveAlert(ctx, &seed[i]); err != nil {
			t.Fatalf("SaveAlert %s: %v", seed[i].ID, err)
		}
	}

	tests := []struct {
		name    string
		query   AlertQuery
		wantIDs []string
	}{
		{"all newest first", AlertQuery{}, []string{"a3", "a2", "a1"}},
		{"by device", AlertQuery{DeviceID: "d1"}, []string{"a3", "a1"}},
		{"since cutoff", AlertQuery{Since: base.Add(30 * time.Second)}, []string{"a3", "a2"}},
		{"limit", AlertQuery{Limit: 2}, []string{"a3", "a2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListAlerts(ctx, tt.query)
			if err != nil {
				t.Fatalf("ListAlerts: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d alerts, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("alert[%d].ID = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestGeofencePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := models.Geofence{ID: "g1", Name: "Home", Kind: models.GeofenceKindSafe, CenterLat: 40.0, CenterLon: -74.0, RadiusMeters: 100, Active: true}
	inactive := models.Geofence{ID: "g2", Name: "Old", Kind: models.GeofenceKindCustom, CenterLat: 41.0, CenterLon: -73.0, RadiusMeters: 50, Active: false}

	for _, g := range []models.Geofence{active, inactive} {
		g := g
		if err := s.SaveGeofence(ctx, &g); err != nil {
			t.Fatalf("SaveGeofence %s: %v", g.ID, err)
		}
	}

	fences, err := s.LoadActiveGeofences(ctx)
	if err != nil {
		t.Fatalf("LoadActiveGeofences: %v", err)
	}
	if len(fences) != 1 || fences[0].ID != "g1" {
		t.Fatalf("active fences = %+v, want only g1", fences)
	}

	if err := s.DeleteGeofence(ctx, "g1"); err != nil {
		t.Fatalf("DeleteGeofence: %v", err)
	}
	if err := s.DeleteGeofence(ctx, "missing"); err != nil {
		t.Fatalf("DeleteGeofence(missing): %v", err)
	}

	fences, err = s.LoadActiveGeofences(ctx)
	if err != nil {
		t.Fatalf("LoadActiveGeofences after delete: %v", err)
	}
	if len(fences) != 0 {
		t.Errorf("active fences after delete = %d, want 0", len(fences))
	}
}

func TestDeviceStatePersistence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d := models.Device{
		DeviceID:     "d1",
		LastPosition: &models.Position{Lat: 40.0, Lon: -74.0, Accuracy: 10, Timestamp: now},
		BatteryLevel: 80,
		IsOnline:     true,
		LastSeen:     now,
	}
	if err := s.UpsertDeviceState(ctx, &d); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}

	got, err := s.LoadDevice(ctx, "d1")
	if err != nil {
		t.Fatalf("LoadDevice: %v", err)
	}
	if got.BatteryLevel != 80 || !got.IsOnline || got.LastPosition == nil {
		t.Errorf("loaded device mismatch: %+v", got)
	}

	if _, err := s.LoadDevice(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadDevice(missing) = %v, want ErrNotFound", err)
	}

	all, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(all) != 1 || all[0].DeviceID != "d1" {
		t.Errorf("ListDevices = %+v, want one d1 record", all)
	}
}

// Open must honor in_memory with an empty path; that combination passes
// configuration validation and has to produce a working store.
func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("in-memory with empty path", func(t *testing.T) {
		s, err := Open(config.StorageConfig{InMemory: true})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })

		g := models.Geofence{
			ID: "g1", Name: "Home", Kind: models.GeofenceKindSafe,
			CenterLat: 40.7, CenterLon: -74.0, RadiusMeters: 100, Active: true,
		}
		if err := s.SaveGeofence(ctx, &g); err != nil {
			t.Fatalf("SaveGeofence: %v", err)
		}
		got, err := s.LoadActiveGeofences(ctx)
		if err != nil || len(got) != 1 {
			t.Fatalf("LoadActiveGeofences = %v, %v, want one fence", got, err)
		}
	})

	t.Run("on disk at configured path", func(t *testing.T) {
		s, err := Open(config.StorageConfig{Path: t.TempDir()})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
}
