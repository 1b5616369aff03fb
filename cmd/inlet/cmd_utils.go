// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/inletlabs/inlet/pkg/logging"
	"github.com/inletlabs/inlet/services/pipeline/config"
	"github.com/inletlabs/inlet/services/pipeline/engine"
	"github.com/inletlabs/inlet/services/pipeline/manifest"
	"github.com/inletlabs/inlet/services/stages"
)

// resolveProject validates the --project flag and returns its absolute
// path.
func resolveProject() (string, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("invalid project path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("cannot access project directory %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}

func parseLogLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// newLogger builds the process logger. Run logs also land in
// .inlet/logs/ inside the project so a crash leaves a trail.
func newLogger(projectRoot string, withFile bool) *logging.Logger {
	cfg := logging.Config{
		Level:   parseLogLevel(logLevel),
		Service: "inlet",
		JSON:    logJSON,
	}
	if withFile {
		cfg.LogDir = filepath.Join(projectRoot, manifest.StateDir, "logs")
	}
	return logging.New(cfg)
}

// openStore builds the manifest store wired to the process logger, so
// load-time demotion warnings land in the configured sink instead of
// slog's default stderr handler.
func openStore(projectRoot string, logger *logging.Logger) *manifest.Store {
	return manifest.NewStore(projectRoot, manifest.WithLogger(logger.Slog()))
}

// buildEngine assembles the full pipeline from a loaded config.
func buildEngine(
	projectRoot string,
	cfg *config.Config,
	logger *logging.Logger,
	workersOverride int,
) (*engine.Engine, *manifest.Store, error) {
	client, err := stages.NewClient(cfg.Backend, logger.Slog())
	if err != nil {
		return nil, nil, err
	}

	srcDir := cfg.Source.Dir
	if !filepath.IsAbs(srcDir) {
		srcDir = filepath.Join(projectRoot, srcDir)
	}
	source := stages.NewDirSource(srcDir, cfg.Source.Glob)

	workers := cfg.Workers
	if workersOverride > 0 {
		workers = workersOverride
	}

	store := openStore(projectRoot, logger)
	e, err := engine.New(store, source, stages.FromConfig(cfg, client),
		engine.WithWorkers(int64(workers)),
		engine.WithRetryConfig(engine.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff.Std(),
			MaxBackoff:     cfg.Retry.MaxBackoff.Std(),
			BackoffFactor:  cfg.Retry.BackoffFactor,
			JitterFactor:   engine.DefaultRetryConfig().JitterFactor,
		}),
		engine.WithLogger(logger.Slog()),
		engine.WithToolVersion(Version),
	)
	if err != nil {
		return nil, nil, err
	}
	return e, store, nil
}
