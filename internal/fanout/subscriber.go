// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package fanout

import (
	"sync"

	"github.com/google/uuid"

	"github.com/geotrackd/geotrackd/internal/metrics"
)

// State is the subscriber lifecycle state machine: Connected -> Draining ->
// Closed. Draining is entered when an alert cannot be queued; the remaining
// pending events are delivered and the subscriber is then disconnected,
// forcing a resynchronization on reconnect instead of a silently lost alert.
type State int32

const (
	StateConnected State = iota
	StateDraining
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Subscriber is one registered observer session. Events matching the filter
// are queued into a bounded pending list and pumped to the Events channel
// by a dedicated goroutine.
type Subscriber struct {
	id       uuid.UUID
	filter   Filter
	maxQueue int

	mu      sync.Mutex
	state   State
	pending []Event

	notify    chan struct{} // wake the pump, capacity 1
	done      chan struct{} // closed exactly once on Closed
	out       chan Event
	closeOnce sync.Once
}

func newSubscriber(filter Filter, maxQueue int) *Subscriber {
	return &Subscriber{
		id:       uuid.New(),
		filter:   filter,
		maxQueue: maxQueue,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan Event),
	}
}

// ID returns the subscription identifier.
func (s *Subscriber) ID() uuid.UUID {
	return s.id
}

// Events is the ordered event stream. The channel is closed when the
// subscriber reaches Closed.
func (s *Subscriber) Events() <-chan Event {
	return s.out
}

// Done is closed when the subscriber reaches Closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// enqueue adds the event to the pending queue. It never blocks. The return
// value is false only when an alert could not be queued even after
// coalescing, which the hub treats as subscriber overload.
func (s *Subscriber) enqueue(ev Event) bool {
	s.mu.Lock()

	if s.state != StateConnected {
		// Draining and closed subscribers accept no new events; in-flight
		// deliveries to a disconnecting session are discarded.
		s.mu.Unlock()
		return true
	}

	if len(s.pending) < s.maxQueue {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		s.wake()
		return true
	}

	// Queue full. State deltas are supersedable: replace the newest pending
	// delta for the same device with this one, keeping its queue position.
	if ev.Type == EventTypeDeviceState {
		for i := len(s.pending) - 1; i >= 0; i-- {
			if s.pending[i].Type == EventTypeDeviceState && s.pending[i].DeviceID == ev.DeviceID {
				s.pending[i] = ev
				s.mu.Unlock()
				metrics.DeltasCoalesced.Inc()
				s.wake()
				return true
			}
		}
		// No pending delta for this device to supersede. Collapse older
		// deltas per device first; drop the new one only if nothing frees.
		if s.compactLocked() > 0 && len(s.pending) < s.maxQueue {
			s.pending = append(s.pending, ev)
			s.mu.Unlock()
			s.wake()
			return true
		}
		s.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("subscriber_queue").Inc()
		return true
	}

	// Alerts are never dropped or coalesced. Make room by collapsing all
	// pending deltas to the latest one per device.
	freed := s.compactLocked()
	if freed > 0 && len(s.pending) < s.maxQueue {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		s.wake()
		return true
	}

	s.mu.Unlock()
	return false
}

// compactLocked keeps only the most recent delta per device, preserving
// relative order; alerts are always kept. Returns the number of events
// removed. Caller must hold mu.
func (s *Subscriber) compactLocked() int {
	kept := make([]Event, 0, len(s.pending))
	latest := make(map[string]struct{})

	// Walk backwards so the first delta seen per device is the newest.
	for i := len(s.pending) - 1; i >= 0; i-- {
		ev := s.pending[i]
		if ev.Type == EventTypeDeviceState {
			if _, dup := latest[ev.DeviceID]; dup {
				continue
			}
			latest[ev.DeviceID] = struct{}{}
		}
		kept = append(kept, ev)
	}

	removed := len(s.pending) - len(kept)
	if removed == 0 {
		return 0
	}

	// Restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	s.pending = kept

	metrics.DeltasCoalesced.Add(float64(removed))
	return removed
}

// beginDraining moves a connected subscriber to Draining. The pump delivers
// what is already queued and then closes the session.
func (s *Subscriber) beginDraining() {
	s.mu.Lock()
	if s.state == StateConnected {
		s.state = StateDraining
	}
	s.mu.Unlock()
	s.wake()
}

// close transitions to Closed and releases the pump. Idempotent. Pending
// events are discarded.
func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves pending events to the out channel in order. Runs in its own
// goroutine for the life of the subscriber.
func (s *Subscriber) pump(onClose func(*Subscriber)) {
	defer func() {
		s.close()
		close(s.out)
		onClose(s)
	}()

	for {
		s.mu.Lock()
		var ev Event
		has := len(s.pending) > 0
		if has {
			ev = s.pending[0]
			s.pending = s.pending[1:]
		}
		draining := s.state == StateDraining
		s.mu.Unlock()

		if !has {
			if draining {
				// Fully drained: disconnect.
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
