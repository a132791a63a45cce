package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/oszuidwest/zwfm-dbmeter/internal/util"
)

// Watch reloads the configuration whenever its file changes and calls
// onReload with the new snapshot. A file that fails to load is logged and the
// previous values stay in effect. Watch blocks until ctx is cancelled.
//
// The parent directory is watched so editors that replace the file on save
// are picked up as well.
func (c *Config) Watch(ctx context.Context, onReload func(Snapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return util.WrapError("create config watcher", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Warn("failed to close config watcher", "error", err)
		}
	}()

	target := filepath.Clean(c.filePath)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return util.WrapError("watch config directory", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			c.reload(onReload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

// reload loads the file and notifies onReload when the contents changed.
func (c *Config) reload(onReload func(Snapshot)) {
	before := c.Snapshot()
	if err := c.Load(); err != nil {
		slog.Error("config reload failed", "path", c.filePath, "error", err)
		return
	}

	after := c.Snapshot()
	if after == before {
		return
	}

	slog.Info("config reloaded", "path", c.filePath)
	if onReload != nil {
		onReload(after)
	}
}
