// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geotrackd/geotrackd/internal/fanout"
	"github.com/geotrackd/geotrackd/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the CORS middleware in front of
	// the upgrade; browser clients that passed it may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket upgrades the connection and streams fanout events to the
// client. The optional devices query parameter is a comma-separated list
// restricting the stream to those device IDs.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	filter := fanout.AllowAll()
	if raw := r.URL.Query().Get("devices"); raw != "" {
		ids := strings.Split(raw, ",")
		for i := range ids {
			ids[i] = strings.TrimSpace(ids[i])
		}
		filter = fanout.DeviceSet(ids)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := h.engine.Subscribe(filter)
	logging.Info().Str("subscription_id", sub.ID().String()).Str("remote", r.RemoteAddr).Msg("websocket connected")

	go h.wsWritePump(conn, sub)
	go h.wsReadPump(conn, sub)
}

// wsWritePump moves subscriber events to the socket and keeps the
// connection alive with pings.
func (h *Handler) wsWritePump(conn *websocket.Conn, sub *fanout.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Subscriber closed: drained after overload, or shutdown.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "resubscribe"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logging.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsReadPump consumes control frames and tears the subscription down when
// the peer goes away.
func (h *Handler) wsReadPump(conn *websocket.Conn, sub *fanout.Subscriber) {
	defer func() {
		h.engine.Unsubscribe(sub.ID())
		_ = conn.Close()
		logging.Info().Str("subscription_id", sub.ID().String()).Msg("websocket disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
	}
}
