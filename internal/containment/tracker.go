// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package containment is the geometric core of the engine: it decides, per
// (device, geofence) pair, whether the device is inside the fence, using
// great-circle distance and accuracy-derived hysteresis to absorb GPS noise
// near the boundary.
package containment

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/metrics"
	"github.com/geotrackd/geotrackd/internal/models"
)

// Transition reports a containment flip for one (device, geofence) pair.
type Transition struct {
	DeviceID     string
	GeofenceID   string
	GeofenceName string
	Entered      bool // true: outside->inside, false: inside->outside
	Distance     float64
	At           time.Time
}

// Kind returns the alert kind matching the transition direction.
func (t Transition) Kind() models.AlertKind {
	if t.Entered {
		return models.AlertKindGeofenceEnter
	}
	return models.AlertKindGeofenceExit
}

type pairKey struct {
	deviceID   string
	geofenceID string
}

// Tracker owns every ContainmentState record. State is created lazily on
// first evaluation of a pair and removed when the geofence is deleted or
// deactivated.
type Tracker struct {
	mu        sync.Mutex
	states    map[pairKey]*models.ContainmentState
	maxMargin float64 // cap on the accuracy-derived hysteresis margin, meters
}

// NewTracker creates a tracker. maxMarginMeters caps the hysteresis dead
// band so a wildly inaccurate ping cannot freeze transitions entirely.
func NewTracker(maxMarginMeters float64) *Tracker {
	return &Tracker{
		states:    make(map[pairKey]*models.ContainmentState),
		maxMargin: maxMarginMeters,
	}
}

// Evaluate runs one containment pass for the device position against the
// active geofence snapshot and returns every true transition. A failure
// evaluating one geofence is logged and isolated; the remaining geofences
// are still evaluated.
//
// Hysteresis: with margin m = min(accuracy, cap), the state flips to inside
// only when distance < radius-m and to outside only when distance >
// radius+m. Inside the dead band the previous state holds. The first
// evaluation of a pair seeds the state silently - discovery is not an
// enter event.
func (t *Tracker) Evaluate(deviceID string, pos models.Position, fences []models.Geofence) []Transition {
	var transitions []Transition

	for i := range fences {
		tr, err := t.evaluateOne(deviceID, pos, &fences[i])
		if err != nil {
			metrics.GeofenceEvaluationErrors.Inc()
			logging.Warn().
				Err(err).
				Str("device_id", deviceID).
				Str("geofence_id", fences[i].ID).
				Msg("geofence evaluation failed, skipping")
			continue
		}
		if tr != nil {
			transitions = append(transitions, *tr)
		}
	}

	return transitions
}

func (t *Tracker) evaluateOne(deviceID string, pos models.Position, fence *models.Geofence) (*Transition, error) {
	if fence.RadiusMeters <= 0 {
		return nil, fmt.Errorf("geofence %s has non-positive radius %v", fence.ID, fence.RadiusMeters)
	}

	dist := haversineMeters(pos.Lat, pos.Lon, fence.CenterLat, fence.CenterLon)
	if math.IsNaN(dist) || math.IsInf(dist, 0) {
		return nil, fmt.Errorf("distance to geofence %s is not finite", fence.ID)
	}

	margin := pos.Accuracy
	if margin > t.maxMargin {
		margin = t.maxMargin
	}
	if margin < 0 {
		margin = 0
	}

	key := pairKey{deviceID: deviceID, geofenceID: fence.ID}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[key]
	if !ok {
		// First sight of this pair: seed without alerting.
		t.states[key] = &models.ContainmentState{
			DeviceID:         deviceID,
			GeofenceID:       fence.ID,
			Inside:           dist <= fence.RadiusMeters,
			LastTransitionAt: pos.Timestamp,
		}
		return nil, nil
	}

	switch {
	case !state.Inside && dist < fence.RadiusMeters-margin:
		state.Inside = true
		state.LastTransitionAt = pos.Timestamp
		metrics.ContainmentTransitions.WithLabelValues("enter").Inc()
		return &Transition{
			DeviceID: deviceID, GeofenceID: fence.ID, GeofenceName: fence.Name,
			Entered: true, Distance: dist, At: pos.Timestamp,
		}, nil

	case state.Inside && dist > fence.RadiusMeters+margin:
		state.Inside = false
		state.LastTransitionAt = pos.Timestamp
		metrics.ContainmentTransitions.WithLabelValues("exit").Inc()
		return &Transition{
			DeviceID: deviceID, GeofenceID: fence.ID, GeofenceName: fence.Name,
			Entered: false, Distance: dist, At: pos.Timestamp,
		}, nil
	}

	// Dead band: no change.
	return nil, nil
}

// State returns a copy of the containment state for a pair.
func (t *Tracker) State(deviceID, geofenceID string) (models.ContainmentState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[pairKey{deviceID: deviceID, geofenceID: geofenceID}]
	if !ok {
		return models.ContainmentState{}, false
	}
	return *s, true
}

// PurgeGeofence drops all containment state for a geofence. Called when a
// fence is removed or deactivated so a later re-activation starts from a
// silent seed instead of emitting a phantom exit.
func (t *Tracker) PurgeGeofence(geofenceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.states {
		if key.geofenceID == geofenceID {
			delete(t.states, key)
		}
	}
}

// Len returns the number of tracked (device, geofence) pairs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

const earthRadiusMeters = 6371000.0

// haversineMeters calculates the great-circle distance between two points
// on Earth using the Haversine formula. Returns distance in meters.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
