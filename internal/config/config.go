// Package config provides application configuration management.
package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/oszuidwest/zwfm-dbmeter/internal/types"
	"github.com/oszuidwest/zwfm-dbmeter/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort               = 8080
	DefaultWebUsername           = "admin"
	DefaultWebPassword           = "dbmeter"
	DefaultAudioBackend          = "process"
	DefaultTickMs                = 16
	DefaultPeakHoldMs            = 3000
	DefaultExportIntervalMinutes = 5
	DefaultExportRegion          = "auto"
	DefaultExportPrefix          = "dbmeter"
	DefaultStationName           = "dB Meter"
	DefaultZabbixPort            = 10051
)

// validate checks struct tags. Field names in errors follow the JSON tags.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	Port     int    `json:"port" yaml:"port" validate:"min=1,max=65535"`  // HTTP server port
	Username string `json:"username" yaml:"username" validate:"required"` // Login username
	Password string `json:"password" yaml:"password" validate:"required"` // Login password
	EventLog string `json:"event_log" yaml:"event_log"`                   // Event log path (empty = platform default)
}

// AudioConfig holds capture settings. They apply on the next meter start.
type AudioConfig struct {
	Backend       string `json:"backend" yaml:"backend" validate:"oneof=process portaudio"`         // Capture backend
	Input         string `json:"input" yaml:"input"`                                                // Audio input device identifier
	FFmpegPath    string `json:"ffmpeg_path" yaml:"ffmpeg_path"`                                    // Path to FFmpeg binary (empty = use PATH)
	BufferSamples int    `json:"buffer_samples" yaml:"buffer_samples" validate:"min=0,max=1048576"` // Interleaved samples per read (0 = default)
}

// MeterConfig holds the aggregation pipeline settings.
type MeterConfig struct {
	CaptureRate  int   `json:"capture_rate" yaml:"capture_rate" validate:"min=1,max=384000"`         // Raw sample rate in Hz
	TargetRate   int   `json:"target_rate" yaml:"target_rate" validate:"min=1,ltefield=CaptureRate"` // Downsampled rate in Hz
	SecondBudget int   `json:"second_budget" yaml:"second_budget" validate:"min=0"`                  // Samples per harvest (0 = derived)
	HistorySize  int   `json:"history_size" yaml:"history_size" validate:"min=1,max=86400"`          // Five-minute history bound
	TickMs       int   `json:"tick_ms" yaml:"tick_ms" validate:"min=1,max=1000"`                     // Drain loop period
	SecondTicks  int   `json:"second_ticks" yaml:"second_ticks" validate:"min=1,max=100000"`         // Drain ticks per second max
	PeakHoldMs   int64 `json:"peak_hold_ms" yaml:"peak_hold_ms" validate:"min=0,max=60000"`          // Peak hold duration (0 = default)
}

// ExportConfig holds the S3 history export settings.
type ExportConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`                                                               // Periodic export on or off
	IntervalMinutes   int    `json:"interval_minutes" yaml:"interval_minutes" validate:"min=0,max=1440"`                   // Export period (0 = default)
	S3Endpoint        string `json:"s3_endpoint" yaml:"s3_endpoint" validate:"omitempty,url"`                              // Custom endpoint for S3-compatible storage
	S3Region          string `json:"s3_region" yaml:"s3_region"`                                                           // Bucket region (empty = auto)
	S3Bucket          string `json:"s3_bucket" yaml:"s3_bucket" validate:"required_if=Enabled true"`                       // Target bucket
	S3AccessKeyID     string `json:"s3_access_key_id" yaml:"s3_access_key_id" validate:"required_if=Enabled true"`         // Access key
	S3SecretAccessKey string `json:"s3_secret_access_key" yaml:"s3_secret_access_key" validate:"required_if=Enabled true"` // Secret key
	S3Prefix          string `json:"s3_prefix" yaml:"s3_prefix"`                                                           // Object key prefix
}

// AlertsConfig holds the capture alert channels. Empty fields disable a channel.
type AlertsConfig struct {
	StationName       string `json:"station_name" yaml:"station_name"`                                        // Name used in alert texts
	WebhookURL        string `json:"webhook_url" yaml:"webhook_url" validate:"omitempty,url"`                 // Webhook endpoint
	ZabbixServer      string `json:"zabbix_server" yaml:"zabbix_server"`                                      // Zabbix server or proxy host
	ZabbixPort        int    `json:"zabbix_port" yaml:"zabbix_port" validate:"min=0,max=65535"`               // Zabbix trapper port (0 = default)
	ZabbixHost        string `json:"zabbix_host" yaml:"zabbix_host"`                                          // Monitored host name
	ZabbixKey         string `json:"zabbix_key" yaml:"zabbix_key"`                                            // Trapper item key
	GraphTenantID     string `json:"graph_tenant_id" yaml:"graph_tenant_id"`                                  // Azure AD tenant
	GraphClientID     string `json:"graph_client_id" yaml:"graph_client_id"`                                  // App registration client ID
	GraphClientSecret string `json:"graph_client_secret" yaml:"graph_client_secret"`                          // App registration secret
	GraphFromAddress  string `json:"graph_from_address" yaml:"graph_from_address" validate:"omitempty,email"` // Shared mailbox to send from
	GraphRecipients   string `json:"graph_recipients" yaml:"graph_recipients"`                                // Comma-separated recipients
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System SystemConfig `json:"system" yaml:"system"`
	Audio  AudioConfig  `json:"audio" yaml:"audio"`
	Meter  MeterConfig  `json:"meter" yaml:"meter"`
	Export ExportConfig `json:"export" yaml:"export"`
	Alerts AlertsConfig `json:"alerts" yaml:"alerts"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{filePath: filePath}
	c.applyDefaults()
	return c
}

// FilePath returns the path the configuration is loaded from and saved to.
func (c *Config) FilePath() string {
	return c.filePath
}

// isYAML reports whether the file at path is stored as YAML.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	loaded, err := parse(c.filePath, data)
	if err != nil {
		return err
	}

	c.System = loaded.System
	c.Audio = loaded.Audio
	c.Meter = loaded.Meter
	c.Export = loaded.Export
	c.Alerts = loaded.Alerts
	return nil
}

// parse decodes, defaults and validates file contents.
func parse(path string, data []byte) (*Config, error) {
	loaded := &Config{filePath: path}
	if isYAML(path) {
		if err := yaml.Unmarshal(data, loaded); err != nil {
			return nil, util.WrapError("parse config", err)
		}
	} else if err := json.Unmarshal(data, loaded); err != nil {
		return nil, util.WrapError("parse config", err)
	}

	loaded.applyDefaults()
	if err := loaded.validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return util.WrapError("validate config", err)
	}

	verr := types.NewValidationError()
	for _, e := range validationErrors {
		verr.Add(fieldPath(e.Namespace()), FormatValidationMessage(e), e.Value())
	}
	return verr
}

// fieldPath strips the root type name from a validator namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

// FormatValidationMessage creates a human-readable message from a validator error.
func FormatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "ltefield":
		return fmt.Sprintf("must not exceed %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	// System defaults
	c.System.Port = cmp.Or(c.System.Port, DefaultWebPort)
	c.System.Username = cmp.Or(c.System.Username, DefaultWebUsername)
	c.System.Password = cmp.Or(c.System.Password, DefaultWebPassword)
	// Audio defaults
	c.Audio.Backend = cmp.Or(c.Audio.Backend, DefaultAudioBackend)
	// Alert defaults
	c.Alerts.StationName = cmp.Or(c.Alerts.StationName, DefaultStationName)
	// Meter defaults
	c.Meter.CaptureRate = cmp.Or(c.Meter.CaptureRate, types.CaptureRate)
	c.Meter.TargetRate = cmp.Or(c.Meter.TargetRate, types.TargetRate)
	c.Meter.HistorySize = cmp.Or(c.Meter.HistorySize, types.HistorySize)
	c.Meter.TickMs = cmp.Or(c.Meter.TickMs, DefaultTickMs)
	c.Meter.SecondTicks = cmp.Or(c.Meter.SecondTicks, types.TicksPerSecond)
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	var (
		data []byte
		err  error
	)
	if isYAML(c.filePath) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// --- Getters for individual settings ---

// AudioInput returns the configured audio input device.
func (c *Config) AudioInput() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Audio.Input
}

// FFmpegPath returns the configured FFmpeg binary path.
func (c *Config) FFmpegPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Audio.FFmpegPath
}

// --- Setters for individual settings ---

// SetAudioInput updates the audio input device and saves the configuration.
func (c *Config) SetAudioInput(input string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio.Input = input
	return c.saveLocked()
}

// SetAudioBackend updates the capture backend and saves the configuration.
func (c *Config) SetAudioBackend(backend string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio.Backend = backend
	return c.saveLocked()
}

// SetPeakHoldMs updates the peak hold duration and saves the configuration.
func (c *Config) SetPeakHoldMs(ms int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Meter.PeakHoldMs = ms
	return c.saveLocked()
}

// SetExportEnabled turns the periodic export on or off and saves the configuration.
func (c *Config) SetExportEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Export.Enabled = enabled
	if err := c.validate(); err != nil {
		c.Export.Enabled = !enabled
		return err
	}
	return c.saveLocked()
}

// SetExportIntervalMinutes updates the export period and saves the configuration.
func (c *Config) SetExportIntervalMinutes(minutes int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Export.IntervalMinutes = minutes
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	WebPort     int
	WebUser     string
	WebPassword string
	EventLog    string

	// Audio
	AudioBackend  string
	AudioInput    string
	FFmpegPath    string
	BufferSamples int

	// Meter
	CaptureRate  int
	TargetRate   int
	SecondBudget int
	HistorySize  int
	TickInterval time.Duration
	SecondTicks  int
	PeakHold     time.Duration

	// Export
	ExportEnabled     bool
	ExportInterval    time.Duration
	S3Endpoint        string
	S3Region          string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Prefix          string

	// Alerts
	StationName       string
	WebhookURL        string
	ZabbixServer      string
	ZabbixPort        int
	ZabbixHost        string
	ZabbixKey         string
	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphFromAddress  string
	GraphRecipients   string
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		// System
		WebPort:     c.System.Port,
		WebUser:     c.System.Username,
		WebPassword: c.System.Password,
		EventLog:    c.System.EventLog,

		// Audio (with defaults)
		AudioBackend:  cmp.Or(c.Audio.Backend, DefaultAudioBackend),
		AudioInput:    c.Audio.Input,
		FFmpegPath:    c.Audio.FFmpegPath,
		BufferSamples: cmp.Or(c.Audio.BufferSamples, types.DefaultBufferSamples),

		// Meter (with defaults)
		CaptureRate:  c.Meter.CaptureRate,
		TargetRate:   c.Meter.TargetRate,
		SecondBudget: c.Meter.SecondBudget,
		HistorySize:  c.Meter.HistorySize,
		TickInterval: time.Duration(c.Meter.TickMs) * time.Millisecond,
		SecondTicks:  c.Meter.SecondTicks,
		PeakHold:     time.Duration(cmp.Or(c.Meter.PeakHoldMs, DefaultPeakHoldMs)) * time.Millisecond,

		// Export (with defaults)
		ExportEnabled:     c.Export.Enabled,
		ExportInterval:    time.Duration(cmp.Or(c.Export.IntervalMinutes, DefaultExportIntervalMinutes)) * time.Minute,
		S3Endpoint:        c.Export.S3Endpoint,
		S3Region:          cmp.Or(c.Export.S3Region, DefaultExportRegion),
		S3Bucket:          c.Export.S3Bucket,
		S3AccessKeyID:     c.Export.S3AccessKeyID,
		S3SecretAccessKey: c.Export.S3SecretAccessKey,
		S3Prefix:          cmp.Or(c.Export.S3Prefix, DefaultExportPrefix),

		// Alerts (with defaults)
		StationName:       c.Alerts.StationName,
		WebhookURL:        c.Alerts.WebhookURL,
		ZabbixServer:      c.Alerts.ZabbixServer,
		ZabbixPort:        cmp.Or(c.Alerts.ZabbixPort, DefaultZabbixPort),
		ZabbixHost:        c.Alerts.ZabbixHost,
		ZabbixKey:         c.Alerts.ZabbixKey,
		GraphTenantID:     c.Alerts.GraphTenantID,
		GraphClientID:     c.Alerts.GraphClientID,
		GraphClientSecret: c.Alerts.GraphClientSecret,
		GraphFromAddress:  c.Alerts.GraphFromAddress,
		GraphRecipients:   c.Alerts.GraphRecipients,
	}
}

// HasExport reports whether export is enabled and has a complete S3 target.
func (s *Snapshot) HasExport() bool {
	return s.ExportEnabled && s.S3Bucket != "" && s.S3AccessKeyID != "" && s.S3SecretAccessKey != ""
}

// HasWebhook reports whether a webhook alert endpoint is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasZabbix reports whether Zabbix alerts are configured.
func (s *Snapshot) HasZabbix() bool {
	return s.ZabbixServer != "" && s.ZabbixHost != "" && s.ZabbixKey != ""
}

// HasGraph reports whether e-mail alerts via Microsoft Graph are configured.
func (s *Snapshot) HasGraph() bool {
	return s.GraphTenantID != "" && s.GraphClientID != "" && s.GraphClientSecret != "" &&
		s.GraphFromAddress != "" && s.GraphRecipients != ""
}

// Public returns the configuration as sent to clients, with secrets masked.
func (s *Snapshot) Public() map[string]any {
	return map[string]any{
		"system": map[string]any{
			"port":      s.WebPort,
			"username":  s.WebUser,
			"event_log": s.EventLog,
		},
		"audio": map[string]any{
			"backend":        s.AudioBackend,
			"input":          s.AudioInput,
			"ffmpeg_path":    s.FFmpegPath,
			"buffer_samples": s.BufferSamples,
		},
		"meter": map[string]any{
			"capture_rate":  s.CaptureRate,
			"target_rate":   s.TargetRate,
			"second_budget": s.SecondBudget,
			"history_size":  s.HistorySize,
			"tick_ms":       s.TickInterval.Milliseconds(),
			"second_ticks":  s.SecondTicks,
			"peak_hold_ms":  s.PeakHold.Milliseconds(),
		},
		"export": map[string]any{
			"enabled":          s.ExportEnabled,
			"interval_minutes": int(s.ExportInterval / time.Minute),
			"s3_endpoint":      s.S3Endpoint,
			"s3_region":        s.S3Region,
			"s3_bucket":        s.S3Bucket,
			"s3_access_key_id": s.S3AccessKeyID,
			"s3_prefix":        s.S3Prefix,
		},
		"alerts": map[string]any{
			"station_name":       s.StationName,
			"webhook_url":        s.WebhookURL,
			"zabbix_server":      s.ZabbixServer,
			"zabbix_port":        s.ZabbixPort,
			"zabbix_host":        s.ZabbixHost,
			"zabbix_key":         s.ZabbixKey,
			"graph_tenant_id":    s.GraphTenantID,
			"graph_client_id":    s.GraphClientID,
			"graph_from_address": s.GraphFromAddress,
			"graph_recipients":   s.GraphRecipients,
		},
	}
}
