// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package config

import (
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Alerts.CooldownWindow != 60*time.Second {
		t.Errorf("cooldown window = %v, want 60s", cfg.Alerts.CooldownWindow)
	}
	if cfg.Sweep.OfflineThreshold != 2*time.Minute {
		t.Errorf("offline threshold = %v, want 2m", cfg.Sweep.OfflineThreshold)
	}
	if cfg.Tracking.MaxMarginMeters != 50.0 {
		t.Errorf("max margin = %v, want 50", cfg.Tracking.MaxMarginMeters)
	}
	if cfg.Server.Addr() != "0.0.0.0:8480" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cooldown", func(c *Config) { c.Alerts.CooldownWindow = 0 }},
		{"zero margin cap", func(c *Config) { c.Tracking.MaxMarginMeters = 0 }},
		{"battery threshold over 100", func(c *Config) { c.Tracking.LowBatteryThreshold = 150 }},
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"backoff max below base", func(c *Config) {
			c.Alerts.PersistBackoffBase = time.Second
			c.Alerts.PersistBackoffMax = time.Millisecond
		}},
		{"threshold below sweep interval", func(c *Config) {
			c.Sweep.Interval = 5 * time.Minute
			c.Sweep.OfflineThreshold = time.Minute
		}},
		{"missing storage path", func(c *Config) {
			c.Storage.InMemory = false
			c.Storage.Path = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"GEOTRACKD_SERVER_PORT", "server.port"},
		{"GEOTRACKD_SWEEP_OFFLINE_THRESHOLD", "sweep.offline_threshold"},
		{"GEOTRACKD_TRACKING_MAX_MARGIN_METERS", "tracking.max_margin_meters"},
		{"GEOTRACKD_NATS_URL", "nats.url"},
	}

	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
