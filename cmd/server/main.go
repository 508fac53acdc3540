// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Geotrackd server: ingests device location pings, evaluates circular
// geofences with hysteresis, and streams alerts and state deltas to
// subscribers over WebSocket, with optional NATS and MQTT bridges.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geotrackd/geotrackd/internal/alert"
	"github.com/geotrackd/geotrackd/internal/api"
	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/engine"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/mqttingest"
	"github.com/geotrackd/geotrackd/internal/notify"
	"github.com/geotrackd/geotrackd/internal/storage"
	"github.com/geotrackd/geotrackd/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("storage_path", cfg.Storage.Path).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Bool("mqtt_enabled", cfg.MQTT.Enabled).
		Msg("starting geotrackd")

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("storage close failed")
		}
	}()

	// External alert channel: embedded or remote NATS, or nothing.
	var notifier alert.Notifier = notify.Noop{}
	if cfg.NATS.Enabled {
		url := cfg.NATS.URL
		if cfg.NATS.Embedded {
			embedded, err := notify.NewEmbeddedServer(cfg.NATS.StoreDir)
			if err != nil {
				logging.Fatal().Err(err).Msg("failed to start embedded NATS")
			}
			defer embedded.Shutdown()
			url = embedded.ClientURL()
		}

		pub, err := notify.NewNATSPublisher(cfg.NATS, url)
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to create NATS publisher")
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logging.Error().Err(err).Msg("NATS publisher close failed")
			}
		}()
		notifier = pub
	}

	eng := engine.New(cfg, store, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Rehydrate(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to rehydrate state")
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	// Data layer: alert persistence and device checkpoints.
	tree.AddDataService(eng.Dispatcher())
	tree.AddDataService(engine.NewCheckpointer(eng, cfg.Sweep.Interval))

	// Tracking layer: event fanout, staleness sweep, MQTT ingest.
	tree.AddTrackingService(eng.Hub())
	tree.AddTrackingService(eng.Sweeper())
	if cfg.MQTT.Enabled {
		tree.AddTrackingService(mqttingest.NewAdapter(cfg.MQTT, eng))
		logging.Info().Str("topic", cfg.MQTT.Topic).Msg("MQTT ingest enabled")
	}

	// API layer.
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewRouter(cfg.Server, eng).Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("service failed to stop within timeout")
	}

	logging.Info().Msg("stopped")
}
