// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package device maintains the authoritative in-memory live record per
// tracked device.
//
// Concurrency model: the store is sharded by device ID so updates to
// different devices proceed fully in parallel, while each device carries its
// own mutex. Everything that must be serialized for one device - state
// update, containment evaluation, alert emission - runs inside Locked(),
// so two pings for the same device can never interleave.
package device

import (
	"hash/fnv"
	"sync"

	"github.com/geotrackd/geotrackd/internal/models"
)

const shardCount = 32

type entry struct {
	mu  sync.Mutex
	dev models.Device
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store holds the live state of every known device.
type Store struct {
	shards [shardCount]*shard
}

// NewStore creates an empty device store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return s.shards[h.Sum32()%shardCount]
}

// getOrCreate returns the entry for the device, creating it on first sight.
func (s *Store) getOrCreate(deviceID string) *entry {
	sh := s.shardFor(deviceID)

	sh.mu.RLock()
	e, ok := sh.entries[deviceID]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok = sh.entries[deviceID]; ok {
		return e
	}
	e = &entry{dev: models.Device{DeviceID: deviceID}}
	sh.entries[deviceID] = e
	return e
}

// Locked runs fn with exclusive access to the device's record, creating the
// record on first sight. Mutations made by fn are retained. The per-device
// mutex is held for the full duration of fn, which is what serializes the
// whole ingest pass (update + evaluate + emit) for a device.
func (s *Store) Locked(deviceID string, fn func(dev *models.Device)) {
	e := s.getOrCreate(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.dev)
}

// LockedIfExists is Locked without the create-on-miss: fn runs only when the
// device is already known. Returns whether fn ran.
func (s *Store) LockedIfExists(deviceID string, fn func(dev *models.Device)) bool {
	sh := s.shardFor(deviceID)
	sh.mu.RLock()
	e, ok := sh.entries[deviceID]
	sh.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.dev)
	return true
}

// Get returns a copy of the device record.
func (s *Store) Get(deviceID string) (models.Device, bool) {
	sh := s.shardFor(deviceID)
	sh.mu.RLock()
	e, ok := sh.entries[deviceID]
	sh.mu.RUnlock()
	if !ok {
		return models.Device{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev, true
}

// Seed inserts a device record if none exists yet. Used to rehydrate
// last-known state from storage at startup; a record that already exists
// (a ping arrived first) wins over the seed.
func (s *Store) Seed(dev models.Device) {
	sh := s.shardFor(dev.DeviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[dev.DeviceID]; ok {
		return
	}
	sh.entries[dev.DeviceID] = &entry{dev: dev}
}

// Snapshot returns a copy of every device record. Each record is read under
// its own lock; the slice as a whole is not a point-in-time view across
// devices, which is sufficient for the staleness sweep.
func (s *Store) Snapshot() []models.Device {
	var out []models.Device
	for _, sh := range s.shards {
		sh.mu.RLock()
		entries := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			out = append(out, e.dev)
			e.mu.Unlock()
		}
	}
	return out
}

// Len returns the number of known devices.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
