// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package engine

import (
	"context"
	"time"

	"github.com/geotrackd/geotrackd/internal/logging"
)

// Checkpointer periodically writes live device state through to storage so
// a restart rehydrates close to where it left off. Best effort: a failed
// write is retried on the next tick.
type Checkpointer struct {
	engine   *Engine
	interval time.Duration
}

// NewCheckpointer creates a checkpointer flushing on the given interval.
func NewCheckpointer(engine *Engine, interval time.Duration) *Checkpointer {
	return &Checkpointer{engine: engine, interval: interval}
}

// Serve runs the checkpoint loop until the context is canceled. A final
// flush runs at shutdown. Designed for suture supervision.
func (c *Checkpointer) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *Checkpointer) flush(ctx context.Context) {
	devices := c.engine.devices.Snapshot()
	for i := range devices {
		if err := c.engine.store.UpsertDeviceState(ctx, &devices[i]); err != nil {
			logging.Warn().Err(err).Str("device_id", devices[i].DeviceID).Msg("device checkpoint failed")
			return
		}
	}
	if len(devices) > 0 {
		logging.Debug().Int("devices", len(devices)).Msg("device state checkpointed")
	}
}
