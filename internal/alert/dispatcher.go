// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package alert turns containment transitions and device conditions into
// deduplicated, persisted, fanned-out alerts.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/fanout"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/metrics"
	"github.com/geotrackd/geotrackd/internal/models"
	"github.com/geotrackd/geotrackd/internal/storage"
)

// Notifier publishes alerts to an external channel (message broker,
// webhook). Implementations must not block for long; failures are logged
// and do not affect local delivery.
type Notifier interface {
	PublishAlert(ctx context.Context, a *models.Alert) error
}

// Request describes one alert the core wants to raise. The dispatcher
// decides whether it actually fires.
type Request struct {
	DeviceID   string
	GeofenceID string // empty for offline and battery alerts
	Kind       models.AlertKind
	Message    string
	Timestamp  time.Time // event time, orders the alert in the fanout stream
}

type cooldownKey struct {
	deviceID   string
	geofenceID string
	kind       models.AlertKind
}

// Dispatcher owns the alert cool-down window and the asynchronous
// persistence pipeline. Dispatch is called from the ingest path under the
// device lock and must stay fast: persistence happens on a worker
// goroutine behind a bounded queue and a circuit breaker.
type Dispatcher struct {
	cfg      config.AlertsConfig
	store    storage.Store
	hub      *fanout.Hub
	notifier Notifier

	// now is swappable for cool-down tests.
	now func() time.Time

	mu        sync.Mutex
	lastFired map[cooldownKey]time.Time

	persistQueue chan *models.Alert
	breaker      *gobreaker.CircuitBreaker[struct{}]
}

// NewDispatcher creates a dispatcher. notifier may be nil when no external
// channel is configured.
func NewDispatcher(cfg config.AlertsConfig, store storage.Store, hub *fanout.Hub, notifier Notifier) *Dispatcher {
	d := &Dispatcher{
		cfg:          cfg,
		store:        store,
		hub:          hub,
		notifier:     notifier,
		now:          time.Now,
		lastFired:    make(map[cooldownKey]time.Time),
		persistQueue: make(chan *models.Alert, cfg.QueueSize),
	}

	d.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "alert-storage",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("alert storage circuit breaker state change")
		},
	})

	return d
}

// Dispatch raises an alert unless an identical one fired within the
// cool-down window. Returns the created alert, or nil when suppressed.
func (d *Dispatcher) Dispatch(req Request) *models.Alert {
	key := cooldownKey{deviceID: req.DeviceID, geofenceID: req.GeofenceID, kind: req.Kind}
	now := d.now()

	d.mu.Lock()
	if last, ok := d.lastFired[key]; ok && now.Sub(last) < d.cfg.CooldownWindow {
		d.mu.Unlock()
		metrics.AlertsSuppressed.WithLabelValues(string(req.Kind)).Inc()
		logging.Debug().
			Str("device_id", req.DeviceID).
			Str("geofence_id", req.GeofenceID).
			Str("kind", string(req.Kind)).
			Msg("alert suppressed by cool-down")
		return nil
	}
	d.lastFired[key] = now
	d.mu.Unlock()

	createdAt := req.Timestamp
	if createdAt.IsZero() {
		createdAt = now
	}
	a := &models.Alert{
		ID:         uuid.NewString(),
		DeviceID:   req.DeviceID,
		GeofenceID: req.GeofenceID,
		Kind:       req.Kind,
		Message:    req.Message,
		CreatedAt:  createdAt,
	}

	metrics.AlertsCreated.WithLabelValues(string(req.Kind)).Inc()
	logging.Info().
		Str("alert_id", a.ID).
		Str("device_id", a.DeviceID).
		Str("geofence_id", a.GeofenceID).
		Str("kind", string(a.Kind)).
		Msg("alert created")

	// Live delivery first: subscribers see the alert even if storage is
	// down.
	d.hub.PublishAlert(*a, createdAt)

	if d.notifier != nil {
		go func(a models.Alert) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.notifier.PublishAlert(ctx, &a); err != nil {
				logging.Error().Err(err).Str("alert_id", a.ID).Msg("external alert publish failed")
			}
		}(*a)
	}

	select {
	case d.persistQueue <- a:
	default:
		metrics.AlertPersistFailures.Inc()
		logging.Error().
			Str("alert_id", a.ID).
			Msg("persistence queue full, alert not stored")
	}

	return a
}

// ClearCooldown forgets the cool-down entries for a device and kind, so
// the next occurrence alerts immediately. Used when a device comes back
// online to re-arm the offline alert.
func (d *Dispatcher) ClearCooldown(deviceID string, kind models.AlertKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.lastFired {
		if key.deviceID == deviceID && key.kind == kind {
			delete(d.lastFired, key)
		}
	}
}

// Serve runs the persistence worker until the context is canceled.
// Designed for suture supervision.
func (d *Dispatcher) Serve(ctx context.Context) error {
	logging.Info().Int("queue_size", d.cfg.QueueSize).Msg("alert persistence worker started")

	for {
		select {
		case <-ctx.Done():
			d.drain()
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			d.drain()
			return ctx.Err()
		case a := <-d.persistQueue:
			d.persist(ctx, a)
		}
	}
}

// drain makes one best-effort save attempt per queued alert at shutdown.
func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case a := <-d.persistQueue:
			if err := d.store.SaveAlert(ctx, a); err != nil {
				metrics.AlertPersistFailures.Inc()
				logging.Error().Err(err).Str("alert_id", a.ID).Msg("alert lost at shutdown")
			}
		default:
			return
		}
	}
}

// persist saves one alert with bounded exponential backoff behind the
// circuit breaker. SaveAlert overwrites by ID, so retries are idempotent.
func (d *Dispatcher) persist(ctx context.Context, a *models.Alert) {
	backoff := d.cfg.PersistBackoffBase

	for attempt := 1; attempt <= d.cfg.PersistMaxAttempts; attempt++ {
		_, err := d.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, d.store.SaveAlert(ctx, a)
		})
		if err == nil {
			return
		}

		if attempt < d.cfg.PersistMaxAttempts {
			metrics.AlertPersistRetries.Inc()
			logging.Warn().
				Err(err).
				Str("alert_id", a.ID).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("alert persistence retry")

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > d.cfg.PersistBackoffMax {
				backoff = d.cfg.PersistBackoffMax
			}
			continue
		}

		metrics.AlertPersistFailures.Inc()
		logging.Error().
			Err(err).
			Str("alert_id", a.ID).
			Int("attempts", attempt).
			Msg("alert persistence failed, giving up")
	}
}
