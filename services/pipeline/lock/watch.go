// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchFile reports external writes to one file while the lock holder
// works. The lock stops other inlet processes, not editors or sync
// tools; a mid-run external write is worth a loud warning.
//
// The parent directory is watched (atomic renames replace the file, so
// watching the file itself would silently detach). Returns a stop
// function; events after stop are dropped.
func WatchFile(path string, logger *slog.Logger, onChange func(op string)) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	self := os.Getpid()
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				logger.Warn("watched file changed on disk",
					slog.String("path", abs),
					slog.String("op", ev.Op.String()),
					slog.Int("pid", self),
				)
				if onChange != nil {
					onChange(ev.Op.String())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("file watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
