package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-dbmeter/internal/config"
	"github.com/oszuidwest/zwfm-dbmeter/internal/types"
)

// exportTimeout bounds an on-demand history export.
const exportTimeout = 60000 * time.Millisecond

// alertTestTimeout bounds a test alert including Graph token retrieval.
const alertTestTimeout = 30000 * time.Millisecond

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MeterControl is the part of the meter session commands act on.
type MeterControl interface {
	Start() error
	Stop() error
	Restart() error
	Reset()
	IsRunning() bool
}

// HistoryExporter uploads the current history and returns the object key.
type HistoryExporter interface {
	Export(ctx context.Context) (string, error)
	TestConnection(ctx context.Context) error
}

// AlertTester sends a test notification on one alert channel.
type AlertTester interface {
	SendTest(ctx context.Context, channel string) error
}

// AlertTestRequest is the request body for alerts/test.
type AlertTestRequest struct {
	Channel string `json:"channel" validate:"required,oneof=webhook email zabbix"`
}

// SettingsUpdateRequest is the request body for settings/update.
// Omitted fields are left unchanged.
type SettingsUpdateRequest struct {
	AudioInput            *string `json:"audio_input"`
	AudioBackend          *string `json:"audio_backend" validate:"omitempty,oneof=process portaudio"`
	PeakHoldMs            *int64  `json:"peak_hold_ms" validate:"omitempty,gte=0,lte=60000"`
	ExportEnabled         *bool   `json:"export_enabled"`
	ExportIntervalMinutes *int    `json:"export_interval_minutes" validate:"omitempty,gte=0,lte=1440"`
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg      *config.Config
	meter    MeterControl
	exporter HistoryExporter
	alerts   AlertTester
	apply    func(config.Snapshot)
}

// NewCommandHandler creates a new command handler. apply is called with the
// new configuration after settings changed; it may be nil.
func NewCommandHandler(cfg *config.Config, meter MeterControl, exporter HistoryExporter, alerts AlertTester, apply func(config.Snapshot)) *CommandHandler {
	if apply == nil {
		apply = func(config.Snapshot) {}
	}
	return &CommandHandler{
		cfg:      cfg,
		meter:    meter,
		exporter: exporter,
		alerts:   alerts,
		apply:    apply,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "meter/start", "settings/update")
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	namespace, action, _ := strings.Cut(cmd.Type, "/")

	switch namespace {
	case "meter":
		h.handleMeter(action, cmd, send, triggerStatusUpdate)
	case "settings":
		h.handleSettings(action, cmd, send)
	case "history":
		h.handleHistory(action, cmd, send)
	case "alerts":
		h.handleAlerts(action, cmd, send)
	case "status":
		// Status is sent automatically, but explicit get triggers immediate update
		slog.Debug("status/get received, status update will be triggered")
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
	}

	triggerStatusUpdate()
}

// --- Namespace handlers ---

// handleMeter routes meter/* commands
func (h *CommandHandler) handleMeter(action string, cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	switch action {
	case "start":
		HandleActionAsync(cmd, send, func() (any, error) {
			defer triggerStatusUpdate()
			return nil, h.meter.Start()
		})
	case "stop":
		HandleActionAsync(cmd, send, func() (any, error) {
			defer triggerStatusUpdate()
			return nil, h.meter.Stop()
		})
	case "reset":
		h.meter.Reset()
		SendSuccess(send, cmd.Type, nil)
	default:
		slog.Warn("unknown meter action", "action", action)
	}
}

// handleSettings routes settings/* commands
func (h *CommandHandler) handleSettings(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "update":
		h.handleSettingsUpdate(cmd, send)
	case "get":
		snap := h.cfg.Snapshot()
		trySend(send, cmd.Type, types.WSConfigResponse{Type: "config", Config: snap.Public()})
	default:
		slog.Warn("unknown settings action", "action", action)
	}
}

// handleSettingsUpdate processes a settings/update command.
func (h *CommandHandler) handleSettingsUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *SettingsUpdateRequest) error {
		captureChanged := req.AudioInput != nil || req.AudioBackend != nil
		if req.AudioInput != nil {
			slog.Info("settings/update: changing audio input", "input", *req.AudioInput)
			if err := h.cfg.SetAudioInput(*req.AudioInput); err != nil {
				return err
			}
		}
		if req.AudioBackend != nil {
			if err := h.cfg.SetAudioBackend(*req.AudioBackend); err != nil {
				return err
			}
		}
		if req.PeakHoldMs != nil {
			if err := h.cfg.SetPeakHoldMs(*req.PeakHoldMs); err != nil {
				return err
			}
		}
		if req.ExportIntervalMinutes != nil {
			if err := h.cfg.SetExportIntervalMinutes(*req.ExportIntervalMinutes); err != nil {
				return err
			}
		}
		if req.ExportEnabled != nil {
			if err := h.cfg.SetExportEnabled(*req.ExportEnabled); err != nil {
				return err
			}
		}

		h.apply(h.cfg.Snapshot())

		// Capture settings apply on the next start.
		if captureChanged && h.meter.IsRunning() {
			go func() {
				if err := h.meter.Restart(); err != nil {
					slog.Error("settings/update: meter restart failed", "error", err)
				}
			}()
		}
		return nil
	})
}

// handleHistory routes history/* commands
func (h *CommandHandler) handleHistory(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "export":
		HandleActionAsync(cmd, send, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
			defer cancel()
			key, err := h.exporter.Export(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]string{"key": key}, nil
		})
	case "test":
		HandleActionAsync(cmd, send, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
			defer cancel()
			return nil, h.exporter.TestConnection(ctx)
		})
	default:
		slog.Warn("unknown history action", "action", action)
	}
}

// handleAlerts routes alerts/* commands
func (h *CommandHandler) handleAlerts(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "test":
		var req AlertTestRequest
		if !DecodeAndValidate(cmd, send, &req) {
			return
		}
		HandleActionAsync(cmd, send, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), alertTestTimeout)
			defer cancel()
			return nil, h.alerts.SendTest(ctx, req.Channel)
		})
	default:
		slog.Warn("unknown alerts action", "action", action)
	}
}
