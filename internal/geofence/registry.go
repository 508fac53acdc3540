// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package geofence holds the registry of active circular geofences.
//
// The registry serves containment evaluation with an immutable snapshot of
// the active set: writers rebuild the snapshot slice under the lock, readers
// take the current slice and never observe a geofence mid-update.
package geofence

import (
	"fmt"
	"sync"

	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/models"
)

// RemovalHook is called after a geofence is removed or deactivated so its
// containment state can be purged before the next evaluation pass.
type RemovalHook func(geofenceID string)

// Registry is the thread-safe owner of all geofence definitions.
type Registry struct {
	mu       sync.RWMutex
	fences   map[string]models.Geofence
	snapshot []models.Geofence // active fences only, rebuilt on every write
	onRemove RemovalHook
}

// NewRegistry creates an empty registry. The hook may be nil.
func NewRegistry(onRemove RemovalHook) *Registry {
	return &Registry{
		fences:   make(map[string]models.Geofence),
		snapshot: []models.Geofence{},
		onRemove: onRemove,
	}
}

// Upsert adds or replaces a geofence. Center, radius and kind changes take
// effect for every evaluation after the call returns. Deactivating a fence
// triggers the removal hook so stale containment state cannot produce
// phantom exits later.
func (r *Registry) Upsert(g models.Geofence) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("upsert geofence: %w", err)
	}

	r.mu.Lock()
	prev, existed := r.fences[g.ID]
	r.fences[g.ID] = g
	r.rebuildSnapshot()
	r.mu.Unlock()

	if existed && prev.Active && !g.Active && r.onRemove != nil {
		r.onRemove(g.ID)
	}

	logging.Info().
		Str("geofence_id", g.ID).
		Str("kind", string(g.Kind)).
		Float64("radius_m", g.RadiusMeters).
		Bool("active", g.Active).
		Msg("geofence upserted")
	return nil
}

// Remove deletes a geofence. Removing an unknown ID is a no-op, not an
// error. Associated containment state is purged through the hook.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, existed := r.fences[id]
	if existed {
		delete(r.fences, id)
		r.rebuildSnapshot()
	}
	r.mu.Unlock()

	if existed {
		if r.onRemove != nil {
			r.onRemove(id)
		}
		logging.Info().Str("geofence_id", id).Msg("geofence removed")
	}
}

// Get returns a geofence by ID.
func (r *Registry) Get(id string) (models.Geofence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.fences[id]
	return g, ok
}

// Snapshot returns the current active geofence set. The returned slice is
// never mutated after publication; callers must treat it as read-only.
func (r *Registry) Snapshot() []models.Geofence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// All returns every geofence, active or not, for administrative listing.
func (r *Registry) All() []models.Geofence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Geofence, 0, len(r.fences))
	for _, g := range r.fences {
		out = append(out, g)
	}
	return out
}

// Len returns the number of registered geofences.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fences)
}

// rebuildSnapshot recomputes the active set. Caller must hold mu.
func (r *Registry) rebuildSnapshot() {
	next := make([]models.Geofence, 0, len(r.fences))
	for _, g := range r.fences {
		if g.Active {
			next = append(next, g)
		}
	}
	r.snapshot = next
}
