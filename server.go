package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/oszuidwest/zwfm-dbmeter/internal/config"
	"github.com/oszuidwest/zwfm-dbmeter/internal/export"
	"github.com/oszuidwest/zwfm-dbmeter/internal/meter"
	"github.com/oszuidwest/zwfm-dbmeter/internal/server"
	"github.com/oszuidwest/zwfm-dbmeter/internal/types"
)

// authRealm is the realm announced for HTTP basic auth.
const authRealm = "dB meter"

// Server is the HTTP server exposing the meter over REST and WebSocket.
type Server struct {
	config           *config.Config
	meter            *meter.Meter
	exporter         *export.Exporter
	alerts           server.AlertTester
	eventLogPath     string
	commands         *server.CommandHandler
	version          *VersionChecker
	intervals        server.FeedIntervals
	captureAvailable bool
}

// NewServer returns a new Server. eventLogPath is the event log served by
// /api/events; apply is called after settings were changed over WebSocket.
func NewServer(cfg *config.Config, m *meter.Meter, exp *export.Exporter, alerts server.AlertTester, eventLogPath string, version *VersionChecker, apply func(config.Snapshot), captureAvailable bool) *Server {
	return &Server{
		config:           cfg,
		meter:            m,
		exporter:         exp,
		alerts:           alerts,
		eventLogPath:     eventLogPath,
		commands:         server.NewCommandHandler(cfg, m, exp, alerts, apply),
		version:          version,
		intervals:        server.DefaultFeedIntervals(),
		captureAvailable: captureAvailable,
	}
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}
	server.ServeClient(conn, s, s.commands, s.intervals)
}

// LevelsMessage returns the live levels update.
func (s *Server) LevelsMessage() any {
	return types.WSLevelsResponse{Type: "levels", Levels: s.meter.Levels()}
}

// HistoryMessage returns the rolling windows update.
func (s *Server) HistoryMessage() any {
	return types.WSHistoryResponse{Type: "history", History: s.meter.Snapshot()}
}

// StatusMessage returns the status update.
func (s *Server) StatusMessage() any {
	return s.buildWSStatus()
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus() types.WSStatusResponse {
	return types.WSStatusResponse{
		Type:             "status",
		CaptureAvailable: s.captureAvailable,
		Meter:            s.meter.Status(),
		Export:           s.exporter.Info(),
		Version:          s.version.Info(),
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()
	auth := server.BasicAuth(authRealm, func() (string, string) {
		snap := s.config.Snapshot()
		return snap.WebUser, snap.WebPassword
	})

	mux.HandleFunc("/api/levels", auth(s.handleAPILevels))
	mux.HandleFunc("/api/history", auth(s.handleAPIHistory))
	mux.HandleFunc("/api/status", auth(s.handleAPIStatus))
	mux.HandleFunc("/api/devices", auth(s.handleAPIDevices))
	mux.HandleFunc("/api/config", auth(s.handleAPIConfig))
	mux.HandleFunc("/api/meter/start", auth(s.handleAPIMeterStart))
	mux.HandleFunc("/api/meter/stop", auth(s.handleAPIMeterStop))
	mux.HandleFunc("/api/meter/reset", auth(s.handleAPIMeterReset))
	mux.HandleFunc("/api/export", auth(s.handleAPIExport))
	mux.HandleFunc("/api/export/test", auth(s.handleAPIExportTest))
	mux.HandleFunc("/api/events", auth(s.handleAPIEvents))
	mux.HandleFunc("/api/alerts/test", auth(s.handleAPIAlertsTest))
	mux.HandleFunc("/ws", auth(s.handleWebSocket))

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.SetupRoutes(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
