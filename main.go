// Package main provides a headless stereo sound-level meter that captures
// microphone audio, converts it to decibels and serves rolling last-second
// and five-minute views over HTTP and WebSocket.
//
// Usage:
//
//	dbmeter [-config path/to/config.json] [-log-level info] [-json-logs]
//
// If -config is not specified, the meter looks for config.json in the same
// directory as the binary. A .yaml or .yml path selects YAML.
package main

import (
	"cmp"
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"

	"github.com/oszuidwest/zwfm-dbmeter/internal/audio"
	"github.com/oszuidwest/zwfm-dbmeter/internal/config"
	"github.com/oszuidwest/zwfm-dbmeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-dbmeter/internal/export"
	"github.com/oszuidwest/zwfm-dbmeter/internal/meter"
	"github.com/oszuidwest/zwfm-dbmeter/internal/notify"
	"github.com/oszuidwest/zwfm-dbmeter/internal/types"
	"github.com/oszuidwest/zwfm-dbmeter/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	jsonLogs := flag.Bool("json-logs", false, "Write logs as JSON instead of colored text")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(newLogHandler(os.Stderr, level, *jsonLogs)))

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	captureAvailable := checkCapture(snap)

	logger, err := eventlog.NewLogger(cmp.Or(snap.EventLog, eventlog.DefaultLogPath(snap.WebPort)))
	if err != nil {
		slog.Warn("event log disabled", "error", err)
	}
	defer func() {
		if err := logger.Close(); err != nil {
			slog.Warn("failed to close event log", "error", err)
		}
	}()

	notifier := notify.NewCaptureNotifier(cfg)
	onEvent := func(ev *eventlog.Event) {
		if err := logger.Log(ev); err != nil {
			slog.Warn("failed to write event", "type", ev.Type, "error", err)
		}
		notifier.HandleEvent(ev)
	}

	m := meter.New(meter.Options{
		Aggregator: meter.AggregatorConfig{
			CaptureRate:  snap.CaptureRate,
			TargetRate:   snap.TargetRate,
			SecondBudget: snap.SecondBudget,
			HistorySize:  snap.HistorySize,
		},
		TickInterval:  snap.TickInterval,
		SecondTicks:   snap.SecondTicks,
		BufferSamples: snap.BufferSamples,
		PeakHold:      snap.PeakHold,
		Source:        func() audio.SourceConfig { return sourceConfig(cfg.Snapshot()) },
		OnEvent:       onEvent,
	})

	exporter := export.New(func() (types.MeterSnapshot, string) {
		return m.Snapshot(), m.SessionID()
	}, onEvent)

	// apply pushes runtime-adjustable settings into the running components.
	apply := func(s config.Snapshot) {
		m.SetPeakHold(s.PeakHold)
		exporter.Configure(s.ExportEnabled, s.ExportInterval, s3Config(s))
		notifier.InvalidateGraphClient()
	}
	apply(snap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	version := NewVersionChecker()
	go version.Run(ctx)
	go m.Run(ctx)
	go exporter.Run(ctx)
	go func() {
		if err := cfg.Watch(ctx, apply); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
	}()

	srv := NewServer(cfg, m, exporter, notifier, logger.Path(), version, apply, captureAvailable)

	if captureAvailable {
		slog.Info("starting meter")
		if err := m.Start(); err != nil {
			slog.Error("failed to start meter", "error", err)
		}
	} else {
		slog.Warn("meter not started - capture backend not available")
	}

	httpServer := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	<-sigChan

	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := m.Stop(); err != nil {
		slog.Error("error stopping meter", "error", err)
	}
	cancel()
	notifier.Wait()

	slog.Info("shutdown complete")
}

// newLogHandler returns a colored console handler or a JSON handler.
func newLogHandler(w io.Writer, level slog.Level, jsonLogs bool) slog.Handler {
	if jsonLogs {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
}

// checkCapture reports whether the configured capture backend can run here.
func checkCapture(snap config.Snapshot) bool {
	if audio.Backend(snap.AudioBackend) == audio.BackendPortAudio {
		return true
	}

	path := util.ResolveCommand(snap.FFmpegPath, audio.CaptureCommand())
	if path == "" {
		slog.Warn("capture tool not found - running in degraded mode",
			"command", audio.CaptureCommand(), "configured_path", snap.FFmpegPath)
		return false
	}
	slog.Info("capture tool found", "path", path)
	return true
}

// sourceConfig maps the configuration to capture source settings.
func sourceConfig(snap config.Snapshot) audio.SourceConfig {
	return audio.SourceConfig{
		Backend:         audio.Backend(snap.AudioBackend),
		Device:          snap.AudioInput,
		FFmpegPath:      snap.FFmpegPath,
		SampleRate:      snap.CaptureRate,
		FramesPerBuffer: snap.BufferSamples / audio.Channels,
	}
}

// s3Config maps the configuration to the export target.
func s3Config(snap config.Snapshot) export.S3Config {
	return export.S3Config{
		Endpoint:        snap.S3Endpoint,
		Region:          snap.S3Region,
		Bucket:          snap.S3Bucket,
		AccessKeyID:     snap.S3AccessKeyID,
		SecretAccessKey: snap.S3SecretAccessKey,
		Prefix:          snap.S3Prefix,
	}
}
