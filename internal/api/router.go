// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geotrackd/geotrackd/internal/config"
	"github.com/geotrackd/geotrackd/internal/engine"
	"github.com/geotrackd/geotrackd/internal/middleware"
)

// Router builds the HTTP handler tree.
type Router struct {
	cfg     config.ServerConfig
	handler *Handler
}

// NewRouter creates the router over the given engine.
func NewRouter(cfg config.ServerConfig, e *engine.Engine) *Router {
	return &Router{
		cfg:     cfg,
		handler: NewHandler(e),
	}
}

// Setup wires all routes and middleware.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.RequestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Health endpoints get a permissive limit so monitors can poll freely.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, rt.cfg.RateLimitWindow))
		r.Get("/", rt.handler.Health)
		r.Get("/live", rt.handler.HealthLive)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(rt.cfg.RateLimitReqs, rt.cfg.RateLimitWindow))

		r.Post("/pings", rt.handler.IngestPing)

		r.Route("/geofences", func(r chi.Router) {
			r.Get("/", rt.handler.ListGeofences)
			r.Put("/{id}", rt.handler.UpsertGeofence)
			r.Get("/{id}", rt.handler.GetGeofence)
			r.Delete("/{id}", rt.handler.DeleteGeofence)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", rt.handler.ListDevices)
			r.Get("/{id}", rt.handler.GetDevice)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", rt.handler.ListAlerts)
			r.Post("/{id}/read", rt.handler.MarkAlertRead)
		})

		r.Get("/ws", rt.handler.WebSocket)
	})

	return r
}
