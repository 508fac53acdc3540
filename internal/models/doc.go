// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package models defines the shared data types of the tracking engine:
// devices and their live state, location pings, circular geofences,
// containment state records, alerts, and the deltas streamed to subscribers.
//
// The package carries no behavior beyond validation helpers so that every
// other package can depend on it without cycles.
package models
