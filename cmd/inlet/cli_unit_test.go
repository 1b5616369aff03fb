// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletlabs/inlet/pkg/logging"
	"github.com/inletlabs/inlet/services/pipeline/config"
	"github.com/inletlabs/inlet/services/pipeline/manifest"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logging.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, logging.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, logging.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, logging.LevelError, parseLogLevel("error"))
	assert.Equal(t, logging.LevelInfo, parseLogLevel("bogus"))
}

func TestResolveProject(t *testing.T) {
	old := projectDir
	defer func() { projectDir = old }()

	t.Run("valid directory", func(t *testing.T) {
		dir := t.TempDir()
		projectDir = dir
		got, err := resolveProject()
		require.NoError(t, err)
		assert.True(t, filepath.IsAbs(got))
	})

	t.Run("missing directory", func(t *testing.T) {
		projectDir = filepath.Join(t.TempDir(), "nope")
		_, err := resolveProject()
		require.Error(t, err)
	})

	t.Run("file is not a project", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "f.txt")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		projectDir = path
		_, err := resolveProject()
		require.Error(t, err)
	})
}

func TestBuildEngine_FakeBackend(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "interviews"), 0755))

	cfg := config.DefaultConfig()
	cfg.Project = "study"
	cfg.Backend = config.BackendConfig{Type: "fake", Model: "fake-1"}

	logger := logging.New(logging.Config{Quiet: true})
	e, store, err := buildEngine(root, &cfg, logger, 0)
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.NotNil(t, store)
}

func TestOpenStore_WarningsReachConfiguredLogger(t *testing.T) {
	root := t.TempDir()
	logDir := filepath.Join(root, "logs")
	logger := logging.New(logging.Config{Quiet: true, LogDir: logDir, Service: "inlet"})

	// Leave an interrupted stage behind, as a killed run would.
	seed := manifest.NewStore(root)
	m := manifest.NewManifest("study", "")
	m.Stage("cluster").Status = manifest.StatusRunning
	require.NoError(t, seed.Save(m))

	_, err := openStore(root, logger).Load()
	require.NoError(t, err)
	require.NoError(t, logger.Close())

	files, err := filepath.Glob(filepath.Join(logDir, "*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1, "demotion warning must land in the file sink")
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "demoting interrupted stage to pending")
}

func TestCommandWiring(t *testing.T) {
	want := []string{"run", "status", "plan", "reset", "init", "version"}
	for _, name := range want {
		found := false
		for _, sub := range rootCmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "subcommand %s not registered", name)
	}
}
