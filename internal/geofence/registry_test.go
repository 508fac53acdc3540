// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package geofence

import (
	"io"
	"sync"
	"testing"

	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/models"
)

//nolint:gochecknoinits // quiet logging during tests
func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func testFence(id string, active bool) models.Geofence {
	return models.Geofence{
		ID: id, Name: "fence " + id, Kind: models.GeofenceKindSafe,
		CenterLat: 40.0, CenterLon: -74.0, RadiusMeters: 100, Active: active,
	}
}

func TestUpsertAndSnapshot(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Upsert(testFence("g1", true)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.Upsert(testFence("g2", false)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].ID != "g1" {
		t.Errorf("snapshot should hold only active fences, got %+v", snap)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	r := NewRegistry(nil)

	bad := testFence("g1", true)
	bad.RadiusMeters = -1
	if err := r.Upsert(bad); err == nil {
		t.Error("expected error for negative radius")
	}
	if r.Len() != 0 {
		t.Error("invalid fence must not be registered")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Upsert(testFence("g1", true)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	snap := r.Snapshot()

	// A concurrent update must not disturb an already-taken snapshot.
	updated := testFence("g1", true)
	updated.RadiusMeters = 500
	if err := r.Upsert(updated); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if snap[0].RadiusMeters != 100 {
		t.Errorf("existing snapshot mutated: radius = %v", snap[0].RadiusMeters)
	}
	if r.Snapshot()[0].RadiusMeters != 500 {
		t.Error("new snapshot should reflect the update")
	}
}

func TestRemovalHook(t *testing.T) {
	var mu sync.Mutex
	var purged []string
	r := NewRegistry(func(id string) {
		mu.Lock()
		purged = append(purged, id)
		mu.Unlock()
	})

	if err := r.Upsert(testFence("g1", true)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Deactivation purges.
	if err := r.Upsert(testFence("g1", false)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Removal purges.
	if err := r.Upsert(testFence("g2", true)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	r.Remove("g2")

	// Removing an unknown ID is a silent no-op.
	r.Remove("nope")

	mu.Lock()
	defer mu.Unlock()
	if len(purged) != 2 || purged[0] != "g1" || purged[1] != "g2" {
		t.Errorf("purged = %v, want [g1 g2]", purged)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.Upsert(testFence("g1", j%2 == 0))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				for _, g := range r.Snapshot() {
					if !g.Active {
						t.Error("snapshot contained inactive fence")
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
