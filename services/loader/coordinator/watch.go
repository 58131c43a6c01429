// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchLedger calls fn each time the ledger at ledgerPath is replaced or
// written, until ctx is done.
//
// # Description
//
// The ledger is replaced by rename, so the parent directory is watched and
// events are filtered by name. Temp files of an in-flight rewrite never
// trigger fn.
//
// # Outputs
//
//   - error: nil when ctx ends the watch, otherwise the watcher failure.
func WatchLedger(ctx context.Context, ledgerPath string, fn func()) error {
	return watchLedger(ctx, ledgerPath, fn, nil)
}

// watchLedger is WatchLedger with a hook invoked once the watch is armed.
func watchLedger(ctx context.Context, ledgerPath string, fn func(), ready func()) error {
	abs, err := filepath.Abs(ledgerPath)
	if err != nil {
		return fmt.Errorf("resolving ledger path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	if ready != nil {
		ready()
	}

	logger := slog.Default().With("component", "coordinator.WatchLedger", "path", abs)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				logger.Debug("ledger changed", "op", event.Op.String())
				fn()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error", "error", err)
		}
	}
}
