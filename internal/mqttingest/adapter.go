// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package mqttingest subscribes to an MQTT broker and feeds location pings
// into the engine. Trackers in the field commonly publish over MQTT; this
// adapter gives them a path in without going through HTTP.
package mqttingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/ingest"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/metrics"
	"github.com/geotrackd/geotrackd/internal/models"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectGraceMs = 250
)

// Sink accepts decoded pings. Satisfied by the engine.
type Sink interface {
	IngestPing(ping *models.LocationPing) error
}

// Adapter bridges an MQTT subscription to the ingest pipeline.
type Adapter struct {
	cfg  config.MQTTConfig
	sink Sink
}

// NewAdapter creates the adapter. It does not connect until Serve runs.
func NewAdapter(cfg config.MQTTConfig, sink Sink) *Adapter {
	return &Adapter{cfg: cfg, sink: sink}
}

// Serve connects to the broker, subscribes and blocks until the context is
// canceled. Designed for suture supervision: a lost broker connection
// surfaces as an error and the supervisor restarts the adapter.
func (a *Adapter) Serve(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.BrokerURL).
		SetClientID(a.cfg.ClientID).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			logging.Info().Str("broker", a.cfg.BrokerURL).Msg("MQTT connected")
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			logging.Warn().Err(err).Msg("MQTT connection lost")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("MQTT connect to %s timed out", a.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connect to %s: %w", a.cfg.BrokerURL, err)
	}
	defer client.Disconnect(disconnectGraceMs)

	sub := client.Subscribe(a.cfg.Topic, 1, func(c mqtt.Client, msg mqtt.Message) {
		a.handleMessage(msg.Topic(), msg.Payload())
	})
	if sub.Wait() && sub.Error() != nil {
		return fmt.Errorf("MQTT subscribe %s: %w", a.cfg.Topic, sub.Error())
	}

	logging.Info().Str("topic", a.cfg.Topic).Msg("MQTT ingest subscribed")
	<-ctx.Done()
	return ctx.Err()
}

// handleMessage decodes one publish and hands it to the sink. Bad payloads
// and rejected pings are logged and dropped; MQTT gives us no reply
// channel.
func (a *Adapter) handleMessage(topic string, payload []byte) {
	ping, err := DecodePing(payload)
	if err != nil {
		metrics.PingsRejected.WithLabelValues("mqtt_payload").Inc()
		logging.Warn().Err(err).Str("topic", topic).Msg("undecodable MQTT ping")
		return
	}

	if err := a.sink.IngestPing(ping); err != nil {
		// Stale pings are routine when trackers flush buffered fixes.
		if errors.Is(err, ingest.ErrStaleOrDuplicate) {
			logging.Debug().Str("device_id", ping.DeviceID).Msg("stale MQTT ping dropped")
			return
		}
		logging.Warn().Err(err).Str("device_id", ping.DeviceID).Msg("MQTT ping rejected")
	}
}

// DecodePing parses a tracker payload. Timestamps are accepted as RFC3339
// strings or Unix epoch seconds, matching what common tracker firmwares
// emit.
func DecodePing(payload []byte) (*models.LocationPing, error) {
	var raw struct {
		DeviceID     string          `json:"device_id"`
		Lat          float64         `json:"lat"`
		Lon          float64         `json:"lon"`
		Accuracy     float64         `json:"accuracy"`
		BatteryLevel int             `json:"battery_level"`
		Timestamp    json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode ping: %w", err)
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, err
	}

	return &models.LocationPing{
		DeviceID:     raw.DeviceID,
		Lat:          raw.Lat,
		Lon:          raw.Lon,
		Accuracy:     raw.Accuracy,
		BatteryLevel: raw.BatteryLevel,
		Timestamp:    ts,
	}, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		return ts, nil
	}

	var epoch int64
	if err := json.Unmarshal(raw, &epoch); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp %s", raw)
}
