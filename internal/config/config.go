// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package config loads and validates the engine configuration using
// Koanf v2 with layered sources: struct defaults, optional YAML file,
// environment variables (highest priority).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the tracking engine.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Tracking TrackingConfig `koanf:"tracking"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Alerts   AlertsConfig   `koanf:"alerts"`
	Fanout   FanoutConfig   `koanf:"fanout"`
	Sweep    SweepConfig    `koanf:"sweep"`
	Storage  StorageConfig  `koanf:"storage"`
	NATS     NATSConfig     `koanf:"nats"`
	MQTT     MQTTConfig     `koanf:"mqtt"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TrackingConfig tunes containment evaluation.
type TrackingConfig struct {
	// MaxMarginMeters caps the hysteresis margin derived from ping accuracy.
	MaxMarginMeters float64 `koanf:"max_margin_meters" validate:"gt=0"`

	// LowBatteryThreshold is the battery percentage at or below which a
	// low_battery alert is raised. 0 disables the check.
	LowBatteryThreshold int `koanf:"low_battery_threshold" validate:"min=0,max=100"`
}

// IngestConfig tunes the location ingest pipeline.
type IngestConfig struct {
	// MaxPingsPerSecond limits accepted pings per device. 0 = unlimited.
	MaxPingsPerSecond float64 `koanf:"max_pings_per_second" validate:"min=0"`

	// Burst is the per-device token bucket size when rate limiting is on.
	Burst int `koanf:"burst" validate:"min=1"`
}

// AlertsConfig tunes alert deduplication and persistence retries.
type AlertsConfig struct {
	// CooldownWindow suppresses repeat alerts of the same
	// (device, geofence, kind) within the window.
	CooldownWindow time.Duration `koanf:"cooldown_window" validate:"gt=0"`

	// QueueSize bounds the asynchronous persistence queue.
	QueueSize int `koanf:"queue_size" validate:"min=1"`

	// PersistMaxAttempts bounds storage retries per alert.
	PersistMaxAttempts int `koanf:"persist_max_attempts" validate:"min=1"`

	// PersistBackoffBase is the initial retry delay; it doubles per attempt
	// up to PersistBackoffMax.
	PersistBackoffBase time.Duration `koanf:"persist_backoff_base" validate:"gt=0"`
	PersistBackoffMax  time.Duration `koanf:"persist_backoff_max" validate:"gt=0"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// storage circuit breaker.
	BreakerThreshold uint32        `koanf:"breaker_threshold" validate:"min=1"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// FanoutConfig tunes the subscription fanout hub.
type FanoutConfig struct {
	// SubscriberQueueSize bounds each subscriber's pending event queue.
	SubscriberQueueSize int `koanf:"subscriber_queue_size" validate:"min=1"`

	// HubQueueSize bounds the hub's inbound publish queue.
	HubQueueSize int `koanf:"hub_queue_size" validate:"min=1"`
}

// SweepConfig tunes the staleness sweep.
type SweepConfig struct {
	Interval         time.Duration `koanf:"interval" validate:"gt=0"`
	OfflineThreshold time.Duration `koanf:"offline_threshold" validate:"gt=0"`
}

// StorageConfig configures the embedded Badger store.
type StorageConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// NATSConfig configures alert handoff to NATS JetStream.
type NATSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`
	Subject  string `koanf:"subject"`
}

// MQTTConfig configures the optional MQTT ping ingest adapter.
type MQTTConfig struct {
	Enabled   bool   `koanf:"enabled"`
	BrokerURL string `koanf:"broker_url"`
	Topic     string `koanf:"topic"`
	ClientID  string `koanf:"client_id"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// defaultConfig returns the built-in defaults. These are applied first,
// then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8480,
			ShutdownTimeout: 10 * time.Second,
			RateLimitReqs:   600,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Tracking: TrackingConfig{
			MaxMarginMeters:     50.0,
			LowBatteryThreshold: 15,
		},
		Ingest: IngestConfig{
			MaxPingsPerSecond: 0, // unlimited
			Burst:             10,
		},
		Alerts: AlertsConfig{
			CooldownWindow:     60 * time.Second,
			QueueSize:          1024,
			PersistMaxAttempts: 5,
			PersistBackoffBase: 100 * time.Millisecond,
			PersistBackoffMax:  5 * time.Second,
			BreakerThreshold:   5,
			BreakerTimeout:     30 * time.Second,
		},
		Fanout: FanoutConfig{
			SubscriberQueueSize: 256,
			HubQueueSize:        1024,
		},
		Sweep: SweepConfig{
			Interval:         30 * time.Second,
			OfflineThreshold: 2 * time.Minute,
		},
		Storage: StorageConfig{
			Path:     "/data/geotrackd",
			InMemory: false,
		},
		NATS: NATSConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: false,
			StoreDir: "/data/nats/jetstream",
			Subject:  "geotrackd.alerts",
		},
		MQTT: MQTTConfig{
			Enabled:   false,
			BrokerURL: "tcp://127.0.0.1:1883",
			Topic:     "devices/+/location",
			ClientID:  "geotrackd-ingest",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against its struct tags plus the
// cross-field constraints tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Alerts.PersistBackoffMax < c.Alerts.PersistBackoffBase {
		return fmt.Errorf("alerts.persist_backoff_max must be >= alerts.persist_backoff_base")
	}
	if c.Sweep.OfflineThreshold <= c.Sweep.Interval {
		return fmt.Errorf("sweep.offline_threshold must exceed sweep.interval")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required unless storage.in_memory is set")
	}
	return nil
}
