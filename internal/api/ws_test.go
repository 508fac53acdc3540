// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geotrackd/geotrackd/internal/fanout"
)

func dialWS(t *testing.T, httpURL, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/api/v1/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) fanout.Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	var ev fanout.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return ev
}

func TestWebSocketStreamsDeltas(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv.URL, "")

	doJSON(t, http.MethodPost, srv.URL+"/api/v1/pings", pingBody("d1", 1))

	ev := readEvent(t, conn)
	if ev.Type != fanout.EventTypeDeviceState || ev.DeviceID != "d1" {
		t.Errorf("event = %+v, want d1 device_state", ev)
	}
	if ev.Delta == nil || !ev.Delta.IsOnline {
		t.Errorf("delta = %+v, want online", ev.Delta)
	}
}

func TestWebSocketDeviceFilter(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv.URL, "?devices=d2,d3")

	doJSON(t, http.MethodPost, srv.URL+"/api/v1/pings", pingBody("d1", 1))
	doJSON(t, http.MethodPost, srv.URL+"/api/v1/pings", pingBody("d2", 1))

	ev := readEvent(t, conn)
	if ev.DeviceID != "d2" {
		t.Errorf("filtered stream delivered %s, want d2", ev.DeviceID)
	}
}

func TestWebSocketUnsubscribesOnClose(t *testing.T) {
	srv, e := newTestServer(t)
	conn := dialWS(t, srv.URL, "")

	deadline := time.Now().Add(2 * time.Second)
	for e.Hub().SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Hub().SubscriberCount() != 1 {
		t.Fatalf("subscribers = %d, want 1", e.Hub().SubscriberCount())
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for e.Hub().SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := e.Hub().SubscriberCount(); n != 0 {
		t.Errorf("subscribers after close = %d, want 0", n)
	}
}
