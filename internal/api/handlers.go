// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/geotrackd/geotrackd/internal/engine"
	"github.com/geotrackd/geotrackd/internal/ingest"
	"github.com/geotrackd/geotrackd/internal/logging"
	"github.com/geotrackd/geotrackd/internal/models"
	"github.com/geotrackd/geotrackd/internal/storage"
)

const maxBodyBytes = 64 * 1024

// Handler implements the HTTP endpoints over the engine facade.
type Handler struct {
	engine *engine.Engine
}

// NewHandler creates the endpoint handler.
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{engine: e}
}

// Health reports liveness plus basic state counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, map[string]any{
		"status":    "ok",
		"devices":   len(h.engine.Devices()),
		"geofences": len(h.engine.Geofences()),
	})
}

// HealthLive is the bare liveness probe.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// IngestPing accepts one location ping.
//
// 202 accepted, 400 invalid, 409 stale or duplicate, 429 rate limited.
func (h *Handler) IngestPing(w http.ResponseWriter, r *http.Request) {
	var ping models.LocationPing
	if err := decodeBody(w, r, &ping); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	err := h.engine.IngestPing(&ping)
	switch {
	case err == nil:
		respondData(w, r, http.StatusAccepted, map[string]string{"device_id": ping.DeviceID})
	case errors.Is(err, ingest.ErrInvalidPing):
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, ingest.ErrStaleOrDuplicate):
		respondError(w, r, http.StatusConflict, CodeStalePing, err.Error())
	case errors.Is(err, ingest.ErrRateLimited):
		respondError(w, r, http.StatusTooManyRequests, CodeRateLimited, err.Error())
	default:
		logging.Error().Err(err).Str("device_id", ping.DeviceID).Msg("ping ingest failed")
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "ingest failed")
	}
}

// ListGeofences returns every registered geofence.
func (h *Handler) ListGeofences(w http.ResponseWriter, r *http.Request) {
	fences := h.engine.Geofences()
	respondList(w, r, fences, len(fences))
}

// GetGeofence returns one geofence by ID.
func (h *Handler) GetGeofence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, ok := h.engine.Geofence(id)
	if !ok {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "geofence "+id+" not found")
		return
	}
	respondData(w, r, http.StatusOK, g)
}

// UpsertGeofence creates or replaces the geofence at the URL ID.
func (h *Handler) UpsertGeofence(w http.ResponseWriter, r *http.Request) {
	var g models.Geofence
	if err := decodeBody(w, r, &g); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	g.ID = chi.URLParam(r, "id")

	if err := h.engine.UpsertGeofence(r.Context(), g); err != nil {
		respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	respondData(w, r, http.StatusOK, g)
}

// DeleteGeofence removes a geofence. Deleting an unknown ID succeeds.
func (h *Handler) DeleteGeofence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.RemoveGeofence(r.Context(), id); err != nil {
		logging.Error().Err(err).Str("geofence_id", id).Msg("geofence delete failed")
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "delete failed")
		return
	}
	respondData(w, r, http.StatusOK, map[string]string{"id": id})
}

// ListDevices returns live state for all known devices.
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.engine.Devices()
	respondList(w, r, devices, len(devices))
}

// GetDevice returns live state for one device.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dev, ok := h.engine.Device(id)
	if !ok {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "device "+id+" not found")
		return
	}
	respondData(w, r, http.StatusOK, dev)
}

// ListAlerts returns persisted alerts, newest first.
//
// Query parameters: device_id, unread=true, since=RFC3339, limit.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := storage.AlertQuery{
		DeviceID:   r.URL.Query().Get("device_id"),
		UnreadOnly: r.URL.Query().Get("unread") == "true",
	}

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, "since must be RFC3339")
			return
		}
		q.Since = since
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			respondError(w, r, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	alerts, err := h.engine.Alerts(r.Context(), q)
	if err != nil {
		logging.Error().Err(err).Msg("alert listing failed")
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "alert listing failed")
		return
	}
	respondList(w, r, alerts, len(alerts))
}

// MarkAlertRead flags one alert as read.
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.engine.MarkAlertRead(r.Context(), id)
	switch {
	case err == nil:
		respondData(w, r, http.StatusOK, map[string]string{"id": id})
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, r, http.StatusNotFound, CodeNotFound, "alert "+id+" not found")
	default:
		logging.Error().Err(err).Str("alert_id", id).Msg("mark read failed")
		respondError(w, r, http.StatusInternalServerError, CodeInternal, "mark read failed")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
