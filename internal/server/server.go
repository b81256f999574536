// Package server exposes the engine over HTTP: the subscriber WebSocket,
// the vendor metadata upload endpoint, settings and inference control.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aitrios-samples/people-monitor/internal/config"
	"github.com/aitrios-samples/people-monitor/internal/hub"
	"github.com/aitrios-samples/people-monitor/internal/ingest"
	"github.com/aitrios-samples/people-monitor/internal/logger"
	"github.com/aitrios-samples/people-monitor/internal/monitor"
	"github.com/aitrios-samples/people-monitor/internal/platform"
	"github.com/aitrios-samples/people-monitor/internal/state"
)

const maxUploadBytes = 1 << 20

// SettingsStore persists the operator-editable settings.
type SettingsStore interface {
	Load() (config.Settings, error)
	Save(config.Settings) error
}

// Server wires the HTTP surface to the engine components.
type Server struct {
	monitor  *monitor.Monitor
	store    *state.Store
	adapter  *ingest.Adapter
	hub      *hub.Hub
	settings SettingsStore
	platform platform.Client
	timeout  time.Duration
}

func New(mon *monitor.Monitor, store *state.Store, adapter *ingest.Adapter, h *hub.Hub,
	settings SettingsStore, client platform.Client, callTimeout time.Duration) *Server {
	if callTimeout <= 0 {
		callTimeout = platform.DefaultCallTimeout
	}
	return &Server{
		monitor:  mon,
		store:    store,
		adapter:  adapter,
		hub:      h,
		settings: settings,
		platform: client,
		timeout:  callTimeout,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /ws", s.hub)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings/common", s.handleCommonSettings)
	mux.HandleFunc("POST /api/settings/device/{index}", s.handleDeviceSettings)
	mux.HandleFunc("POST /api/inference/{device_id}/{action}", s.handleInferenceControl)

	// The vendor console uploads inference metadata with or without a
	// trailing filename segment.
	mux.HandleFunc("PUT /meta/{device_id}", s.handleMetaUpload)
	mux.HandleFunc("PUT /meta/{device_id}/{filename...}", s.handleMetaUpload)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "ok",
		"devices":     len(s.store.DeviceIDs()),
		"subscribers": s.hub.ClientCount(),
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings.Load()
	if err != nil {
		logger.Error("HTTP", "Settings load failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "settings unavailable"}, http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings.Masked())
}

// handleCommonSettings updates client credentials and the vacancy timeout.
// An out-of-range timeout is rejected whole: the previous value stays in
// effect and nothing is persisted.
func (s *Server) handleCommonSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID          *string `json:"client_id"`
		ClientSecret      *string `json:"client_secret"`
		VacantTimeMinutes *int    `json:"vacant_time_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid request body"}, http.StatusBadRequest)
		return
	}

	settings, err := s.settings.Load()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "settings unavailable"}, http.StatusInternalServerError)
		return
	}

	var timeout time.Duration
	if req.VacantTimeMinutes != nil {
		timeout = time.Duration(*req.VacantTimeMinutes) * time.Minute
		if timeout < state.MinVacancyTimeout || timeout > state.MaxVacancyTimeout {
			writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("%v: %s", state.ErrTimeoutRange, timeout)}, http.StatusBadRequest)
			return
		}
		settings.VacantTimeMinutes = *req.VacantTimeMinutes
	}
	if req.ClientID != nil {
		settings.ClientID = *req.ClientID
	}
	// The masked placeholder round-tripped from GET /api/settings means
	// "unchanged", not a literal secret.
	if req.ClientSecret != nil && *req.ClientSecret != "********" {
		settings.ClientSecret = *req.ClientSecret
	}

	// Persist before applying: a timeout applied to the running store but
	// lost on save failure would silently revert across a restart.
	if err := s.settings.Save(settings); err != nil {
		logger.Error("HTTP", "Settings save failed: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "settings not persisted"}, http.StatusInternalServerError)
		return
	}

	if req.VacantTimeMinutes != nil {
		_ = s.store.SetVacancyTimeout(timeout)
	}
	if req.ClientID != nil {
		s.monitor.SetClientID(*req.ClientID)
	}
	writeJSON(w, map[string]any{"status": "success"})
}

// handleDeviceSettings binds a device to a slot. An empty device id clears
// the slot. Reassignment discards the slot's previous state.
func (s *Server) handleDeviceSettings(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid slot index"}, http.StatusBadRequest)
		return
	}

	var req struct {
		DeviceID    string `json:"device_id"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid request body"}, http.StatusBadRequest)
		return
	}

	if err := s.store.Assign(index, req.DeviceID, req.DisplayName); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, state.ErrDuplicateDevice) {
			status = http.StatusConflict
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	settings, err := s.settings.Load()
	if err == nil && index < len(settings.Devices) {
		settings.Devices[index] = config.DeviceSettings{DeviceID: req.DeviceID, DisplayName: req.DisplayName}
		if err := s.settings.Save(settings); err != nil {
			logger.Error("HTTP", "Settings save failed: %v", err)
		}
	}
	writeJSON(w, map[string]any{"status": "success"})
}

// handleInferenceControl starts or stops inference through the console
// client. The store's inference_active flag reflects only confirmed
// results, never the optimistic request.
func (s *Server) handleInferenceControl(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	action := r.PathValue("action")

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	var err error
	switch action {
	case "start":
		err = s.platform.StartInference(ctx, deviceID)
	case "stop":
		err = s.platform.StopInference(ctx, deviceID)
	default:
		writeJSONWithStatus(w, map[string]any{"error": fmt.Sprintf("unknown action %q", action)}, http.StatusBadRequest)
		return
	}

	if err != nil {
		logger.Warn("HTTP", "Inference %s failed for %s: %v", action, deviceID, err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadGateway)
		return
	}

	if err := s.store.SetInferenceActive(deviceID, action == "start"); err != nil {
		logger.Debug("HTTP", "Inference state for unknown device %s not recorded", deviceID)
	}
	writeJSON(w, map[string]any{"status": "success"})
}

// handleMetaUpload ingests one vendor inference envelope. The response
// mirrors the original endpoint: a status word plus the server-side
// processing time. Drops (unknown device, stale, undecodable) still answer
// 200 so the uploader does not retry what will never be accepted.
func (s *Server) handleMetaUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	deviceID := r.PathValue("device_id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "unreadable body"}, http.StatusBadRequest)
		return
	}

	status := "success"
	if err := s.adapter.IngestEnvelope(deviceID, body, start); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]any{
		"status":          status,
		"process_time_ms": time.Since(start).Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
