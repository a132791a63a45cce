package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-dbmeter/internal/audio"
	"github.com/oszuidwest/zwfm-dbmeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-dbmeter/internal/export"
	"github.com/oszuidwest/zwfm-dbmeter/internal/meter"
	"github.com/oszuidwest/zwfm-dbmeter/internal/notify"
)

const (
	apiExportTimeout    = 60000 * time.Millisecond // POST /api/export
	apiAlertTestTimeout = 30000 * time.Millisecond // POST /api/alerts/test
	defaultEventsLimit  = 50
)

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// allowMethod writes 405 and reports false when r does not use method.
func (s *Server) allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// handleAPILevels returns the live values and held peaks.
// GET /api/levels
func (s *Server) handleAPILevels(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.meter.Levels())
}

// handleAPIHistory returns the last-second buffers, histories and queue depths.
// GET /api/history
func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.meter.Snapshot())
}

// handleAPIStatus returns the session, export and version status.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.buildWSStatus())
}

// handleAPIDevices returns available audio devices.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices":  audio.ListDevices(),
		"platform": runtime.GOOS,
	})
}

// handleAPIConfig returns the configuration without secrets.
// GET /api/config
func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	snap := s.config.Snapshot()
	s.writeJSON(w, http.StatusOK, snap.Public())
}

// handleAPIMeterStart starts capture.
// POST /api/meter/start
func (s *Server) handleAPIMeterStart(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.meter.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, meter.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.meter.Status())
}

// handleAPIMeterStop stops capture.
// POST /api/meter/stop
func (s *Server) handleAPIMeterStop(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.meter.Stop(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.meter.Status())
}

// handleAPIMeterReset clears all windows and peaks.
// POST /api/meter/reset
func (s *Server) handleAPIMeterReset(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}
	s.meter.Reset()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleAPIExport uploads the current history.
// POST /api/export
func (s *Server) handleAPIExport(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiExportTimeout)
	defer cancel()

	key, err := s.exporter.Export(ctx)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, export.ErrExportDisabled) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// handleAPIExportTest uploads and deletes a probe object on the export target.
// POST /api/export/test
func (s *Server) handleAPIExportTest(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiExportTimeout)
	defer cancel()

	if err := s.exporter.TestConnection(ctx); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, export.ErrExportDisabled) {
			status = http.StatusConflict
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIEvents returns logged meter and export events, newest first.
// GET /api/events?limit=50&offset=0&type=meter
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), defaultEventsLimit)
	if err != nil || limit < 1 || limit > eventlog.MaxReadLimit {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(eventlog.MaxReadLimit))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	filter := eventlog.TypeFilter(q.Get("type"))
	switch filter {
	case eventlog.FilterAll, eventlog.FilterMeter, eventlog.FilterExport:
	default:
		s.writeError(w, http.StatusBadRequest, "type must be meter or export")
		return
	}

	if s.eventLogPath == "" {
		s.writeJSON(w, http.StatusOK, map[string]any{"events": []eventlog.Event{}, "has_more": false})
		return
	}

	events, more, err := eventlog.ReadLast(s.eventLogPath, limit, offset, filter)
	if err != nil {
		slog.Error("failed to read event log", "path", s.eventLogPath, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read event log")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "has_more": more})
}

// handleAPIAlertsTest sends a test notification on one alert channel.
// POST /api/alerts/test?channel=webhook
func (s *Server) handleAPIAlertsTest(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	channel := r.URL.Query().Get("channel")
	switch channel {
	case notify.ChannelWebhook, notify.ChannelEmail, notify.ChannelZabbix:
	default:
		s.writeError(w, http.StatusBadRequest, "channel must be webhook, email or zabbix")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), apiAlertTestTimeout)
	defer cancel()

	if err := s.alerts.SendTest(ctx, channel); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// queryInt parses an integer query value, returning def when it is empty.
func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
