// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the reloaded config each time the file at path
// is written. Invalid edits are logged and skipped.
//
// # Description
//
// The parent directory is watched rather than the file, so editors that
// save by renaming a temp file are still seen. Blocks until ctx is
// cancelled. Should be run in a goroutine.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - path: Config file to watch.
//   - logger: Receives reload failures.
//   - onChange: Called on the watcher goroutine.
//
// # Outputs
//
//   - error: Non-nil if the watcher could not be started.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*CareChatConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	logger.Debug("watching config", "path", path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := read(path)
			if err != nil {
				logger.Warn("ignoring config change", "path", path, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", path, "log_level", cfg.Logging.Level)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}
