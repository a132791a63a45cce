// Package types provides shared type definitions used across the meter.
package types

import "time"

// MeterState represents the lifecycle state of a capture session.
type MeterState string

const (
	// StateStopped indicates no capture is running.
	StateStopped MeterState = "stopped"
	// StateStarting indicates the audio source is being acquired.
	StateStarting MeterState = "starting"
	// StateRunning indicates samples are flowing into the aggregator.
	StateRunning MeterState = "running"
	// StateStopping indicates the capture loop is shutting down.
	StateStopping MeterState = "stopping"
)

// Audio and window constants assumed by the pipeline.
const (
	// CaptureRate is the hardware sample rate in Hz.
	CaptureRate = 44100
	// TargetRate is the downsampled display rate in Hz.
	TargetRate = 60
	// HistorySize is the number of per-second entries kept (five minutes).
	HistorySize = 5 * 60
	// DrainInterval is the period of the drain loop.
	DrainInterval = 16 * time.Millisecond
	// TicksPerSecond approximates one second of drain ticks.
	TicksPerSecond = 62
	// DefaultBufferSamples is the interleaved sample count of one capture read.
	DefaultBufferSamples = 4096
)

// Source retry timing.
const (
	// InitialRetryDelay is the starting delay between source restarts.
	InitialRetryDelay = 3000 * time.Millisecond
	// MaxRetryDelay is the maximum delay between source restarts.
	MaxRetryDelay = 60000 * time.Millisecond
	// MaxRetries is the number of consecutive source failures before giving up.
	MaxRetries = 10
	// SuccessThreshold is the capture duration after which the retry count resets.
	SuccessThreshold = 30000 * time.Millisecond
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
	// PollInterval is the interval for polling loop state.
	PollInterval = 50 * time.Millisecond
)

// MeterSnapshot is a consistent copy of the aggregator's rolling windows.
type MeterSnapshot struct {
	LastSecondLeft  []float64 `json:"last_second_left"`  // Samples since the last harvest
	LastSecondRight []float64 `json:"last_second_right"` // Samples since the last harvest
	HistoryLeft     []float64 `json:"history_left"`      // Per-second maxima, oldest first
	HistoryRight    []float64 `json:"history_right"`     // Per-second maxima, oldest first
	LastLeft        float64   `json:"last_left"`         // Latest dequeued value
	LastRight       float64   `json:"last_right"`        // Latest dequeued value
	QueuedLeft      int       `json:"queued_left"`       // Samples waiting in the left queue
	QueuedRight     int       `json:"queued_right"`      // Samples waiting in the right queue
}

// MeterStatus summarizes the capture session.
type MeterStatus struct {
	State      MeterState `json:"state"`                // Current session state
	SessionID  string     `json:"session_id,omitempty"` // Identifier of the current capture session
	Uptime     string     `json:"uptime,omitzero"`      // Time since capture started
	LastError  string     `json:"last_error,omitzero"`  // Most recent error
	RetryCount int        `json:"retry_count,omitzero"` // Source restart attempts
	MaxRetries int        `json:"max_retries"`          // Restart attempts before giving up
	Backend    string     `json:"backend"`              // Capture backend in use
	Device     string     `json:"device,omitempty"`     // Configured input device
	SampleRate int        `json:"sample_rate"`          // Capture rate in Hz
}

// AudioLevels contains the live values and held peaks in dB.
type AudioLevels struct {
	Left      float64 `json:"left"`       // Latest left value
	Right     float64 `json:"right"`      // Latest right value
	PeakLeft  float64 `json:"peak_left"`  // Held left peak
	PeakRight float64 `json:"peak_right"` // Held right peak
}

// WSLevelsResponse is sent to clients with live level updates.
type WSLevelsResponse struct {
	Type   string      `json:"type"`   // "levels"
	Levels AudioLevels `json:"levels"` // Current levels
}

// WSHistoryResponse is sent to clients with the rolling windows.
type WSHistoryResponse struct {
	Type    string        `json:"type"`    // "history"
	History MeterSnapshot `json:"history"` // Window contents
}

// WSStatusResponse is sent to clients with the session status.
type WSStatusResponse struct {
	Type             string      `json:"type"`              // "status"
	CaptureAvailable bool        `json:"capture_available"` // Capture tool or backend found
	Meter            MeterStatus `json:"meter"`             // Session status
	Export           ExportInfo  `json:"export"`            // History export status
	Version          VersionInfo `json:"version"`           // Version information
}

// ExportInfo describes the history export state.
type ExportInfo struct {
	Enabled    bool   `json:"enabled"`               // Export configured and enabled
	LastKey    string `json:"last_key,omitempty"`    // Object key of the last upload
	LastExport string `json:"last_export,omitempty"` // RFC3339 time of the last upload
	LastError  string `json:"last_error,omitempty"`  // Error of the last attempt
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
