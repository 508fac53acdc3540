// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package fanout delivers ordered state deltas and alerts to many
// concurrent subscribers with per-subscriber backpressure.
//
// Ordering guarantee: for a single subscriber, events for the same device
// arrive in non-decreasing ping timestamp order; events for different
// devices have no required relative order. Backpressure: each subscriber
// has a bounded queue; on overflow state deltas for the same device are
// coalesced to the latest one, and a subscriber that cannot accept an alert
// is drained and disconnected rather than silently losing it.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/metrics"
	"github.com/geotrackd/geotrackd/internal/models"
)

// EventType discriminates hub events.
type EventType string

const (
	EventTypeDeviceState EventType = "device_state"
	EventTypeAlert       EventType = "alert"
)

// Event is one fanout unit: either a device state delta or an alert.
type Event struct {
	Type      EventType                `json:"type"`
	DeviceID  string                   `json:"device_id"`
	Timestamp time.Time                `json:"timestamp"`
	Delta     *models.DeviceStateDelta `json:"delta,omitempty"`
	Alert     *models.Alert            `json:"alert,omitempty"`
}

// Hub owns the subscriber registry and fans events out to every subscriber
// whose filter matches. Publishing is a non-blocking async hand-off: the
// ingest path never blocks on a slow subscriber. The inbound queue sheds
// only state deltas on overflow; alerts always make it into the delivery
// loop, their volume bounded upstream by the dispatcher cool-down.
type Hub struct {
	inMu     sync.Mutex
	inbox    []Event
	inNotify chan struct{} // wakes the serve loop, capacity 1

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscriber

	subQueueSize int
	hubQueueSize int
}

// NewHub creates a hub. subQueueSize bounds each subscriber's pending
// queue; hubQueueSize bounds the inbound queue for state deltas.
func NewHub(subQueueSize, hubQueueSize int) *Hub {
	return &Hub{
		inNotify:     make(chan struct{}, 1),
		subs:         make(map[uuid.UUID]*Subscriber),
		subQueueSize: subQueueSize,
		hubQueueSize: hubQueueSize,
	}
}

// Serve runs the delivery loop until the context is canceled. Designed for
// suture supervision; returns ctx.Err() on shutdown.
func (h *Hub) Serve(ctx context.Context) error {
	logging.Info().Msg("fanout hub started")

	for {
		// Shutdown has priority over pending deliveries.
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		default:
		}

		h.inMu.Lock()
		var ev Event
		has := len(h.inbox) > 0
		if has {
			ev = h.inbox[0]
			h.inbox = h.inbox[1:]
		}
		h.inMu.Unlock()

		if !has {
			select {
			case <-ctx.Done():
				h.shutdown()
				return ctx.Err()
			case <-h.inNotify:
			}
			continue
		}

		h.deliver(ev)
	}
}

// PublishDelta hands a device state delta to the hub. Non-blocking.
func (h *Hub) PublishDelta(delta models.DeviceStateDelta) {
	d := delta
	h.publish(Event{
		Type:      EventTypeDeviceState,
		DeviceID:  delta.DeviceID,
		Timestamp: delta.Timestamp,
		Delta:     &d,
	})
}

// PublishAlert hands an alert to the hub. The timestamp orders the alert
// against deltas of the same device. Non-blocking.
func (h *Hub) PublishAlert(a models.Alert, ts time.Time) {
	al := a
	h.publish(Event{
		Type:      EventTypeAlert,
		DeviceID:  a.DeviceID,
		Timestamp: ts,
		Alert:     &al,
	})
}

func (h *Hub) publish(ev Event) {
	h.inMu.Lock()

	if len(h.inbox) < h.hubQueueSize || ev.Type == EventTypeAlert {
		// Alerts are queued past the bound: this lane must never lose
		// one, and the dispatcher cool-down caps how many can arrive.
		h.inbox = append(h.inbox, ev)
		h.inMu.Unlock()
		h.wakeServe()
		return
	}

	// Inbox saturated with a delta inbound. Supersede the newest queued
	// delta for the same device in place, as the subscriber queues do.
	for i := len(h.inbox) - 1; i >= 0; i-- {
		if h.inbox[i].Type == EventTypeDeviceState && h.inbox[i].DeviceID == ev.DeviceID {
			h.inbox[i] = ev
			h.inMu.Unlock()
			metrics.DeltasCoalesced.Inc()
			h.wakeServe()
			return
		}
	}
	h.inMu.Unlock()

	// No queued delta to supersede. The next ping carries fresher state.
	metrics.EventsDropped.WithLabelValues("hub_queue").Inc()
	logging.Warn().
		Str("device_id", ev.DeviceID).
		Msg("hub queue full, dropping state delta")
}

func (h *Hub) wakeServe() {
	select {
	case h.inNotify <- struct{}{}:
	default:
	}
}

// deliver fans one event out to all matching subscribers.
func (h *Hub) deliver(ev Event) {
	h.mu.RLock()
	matched := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.filter(ev.DeviceID) {
			matched = append(matched, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range matched {
		if !sub.enqueue(ev) {
			// An alert could not be queued even after coalescing: the
			// subscriber is overloaded. Drain and disconnect it.
			metrics.SubscribersOverloaded.Inc()
			logging.Warn().
				Str("subscription_id", sub.ID().String()).
				Msg("subscriber overloaded on alert, draining")
			sub.beginDraining()
		}
	}
}

// Subscribe registers a new observer with the given filter and starts its
// delivery pump. A nil filter receives everything.
func (h *Hub) Subscribe(filter Filter) *Subscriber {
	if filter == nil {
		filter = AllowAll()
	}
	sub := newSubscriber(filter, h.subQueueSize)

	h.mu.Lock()
	h.subs[sub.id] = sub
	total := len(h.subs)
	h.mu.Unlock()

	metrics.SubscribersConnected.Set(float64(total))
	logging.Info().
		Str("subscription_id", sub.id.String()).
		Int("total_subscribers", total).
		Msg("subscriber connected")

	go sub.pump(h.remove)
	return sub
}

// Unsubscribe disconnects a subscriber immediately. Pending deliveries are
// discarded. Unknown IDs are a no-op.
func (h *Hub) Unsubscribe(id uuid.UUID) {
	h.mu.RLock()
	sub, ok := h.subs[id]
	h.mu.RUnlock()
	if ok {
		sub.close()
	}
}

// remove is called by the subscriber pump on exit.
func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub.id)
	total := len(h.subs)
	h.mu.Unlock()

	metrics.SubscribersConnected.Set(float64(total))
	logging.Info().
		Str("subscription_id", sub.id.String()).
		Int("total_subscribers", total).
		Msg("subscriber disconnected")
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) shutdown() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.close()
	}

	logging.Info().
		Str("component", "fanout-hub").
		Int("subscribers_closed", len(subs)).
		Msg("fanout hub stopped")
}
