// Geotrackd - Real-Time Device Tracking and Geofence Alerting
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/geotrackd/geotrackd

// Package api is the HTTP surface: ping ingestion, geofence management,
// device and alert queries, and the WebSocket event stream.
package api

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/geotrackd/geotrackd/internal/logging"
)

// Response is the wrapper for every JSON response.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

// ErrorBody carries a machine-readable code and a human-readable message.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Meta carries response metadata.
type Meta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count,omitempty"`
}

// Error codes returned by the API.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeStalePing      = "STALE_OR_DUPLICATE"
	CodeRateLimited    = "RATE_LIMITED"
	CodeNotFound       = "NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"
)

// respondData writes a success envelope.
func respondData(w http.ResponseWriter, r *http.Request, status int, data any) {
	respond(w, r, status, Response{
		Success: true,
		Data:    data,
		Meta: &Meta{
			RequestID: chimiddleware.GetReqID(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// respondList writes a success envelope with an item count.
func respondList(w http.ResponseWriter, r *http.Request, data any, count int) {
	respond(w, r, http.StatusOK, Response{
		Success: true,
		Data:    data,
		Meta: &Meta{
			RequestID: chimiddleware.GetReqID(r.Context()),
			Timestamp: time.Now().UTC(),
			Count:     count,
		},
	})
}

// respondError writes an error envelope.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respond(w, r, status, Response{
		Success: false,
		Error: &ErrorBody{
			Code:      code,
			Message:   message,
			RequestID: chimiddleware.GetReqID(r.Context()),
		},
	})
}

func respond(w http.ResponseWriter, r *http.Request, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Str("path", r.URL.Path).Msg("response encode failed")
	}
}
