// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectLock(t *testing.T) {
	t.Run("acquire writes info and release removes it", func(t *testing.T) {
		dir := t.TempDir()
		l := New(dir, "sess-1")

		require.NoError(t, l.Acquire("pipeline run"))

		holder, err := l.Holder()
		require.NoError(t, err)
		require.NotNil(t, holder)
		assert.Equal(t, os.Getpid(), holder.PID)
		assert.Equal(t, "sess-1", holder.SessionID)
		assert.Equal(t, "pipeline run", holder.Reason)

		require.NoError(t, l.Release())
		holder, err = l.Holder()
		require.NoError(t, err)
		assert.Nil(t, holder)
	})

	t.Run("second acquire from another handle is refused", func(t *testing.T) {
		dir := t.TempDir()
		first := New(dir, "sess-1")
		require.NoError(t, first.Acquire("run"))
		defer first.Release()

		second := New(dir, "sess-2")
		err := second.Acquire("run")
		assert.ErrorIs(t, err, ErrLocked)
	})

	t.Run("reacquire by the same handle is a no-op", func(t *testing.T) {
		dir := t.TempDir()
		l := New(dir, "sess-1")
		require.NoError(t, l.Acquire("run"))
		defer l.Release()
		assert.NoError(t, l.Acquire("run"))
	})

	t.Run("release without acquire", func(t *testing.T) {
		l := New(t.TempDir(), "sess-1")
		assert.ErrorIs(t, l.Release(), ErrNotHeld)
	})

	t.Run("dead holder is cleaned up", func(t *testing.T) {
		dir := t.TempDir()
		writeInfo(t, dir, Info{
			PID:       1 << 29, // far beyond any real pid space
			SessionID: "ghost",
			LockedAt:  time.Now().Add(-time.Minute),
			ExpiresAt: time.Now().Add(time.Hour),
		})

		l := New(dir, "sess-1")
		require.NoError(t, l.Acquire("run"), "a dead holder must not block")
		defer l.Release()
	})

	t.Run("expired holder is cleaned up even if alive", func(t *testing.T) {
		dir := t.TempDir()
		writeInfo(t, dir, Info{
			PID:       os.Getpid(),
			SessionID: "old-me",
			LockedAt:  time.Now().Add(-2 * time.Hour),
			ExpiresAt: time.Now().Add(-time.Hour),
		})

		l := New(dir, "sess-1")
		require.NoError(t, l.Acquire("run"))
		defer l.Release()
	})

	t.Run("live unexpired holder blocks", func(t *testing.T) {
		dir := t.TempDir()
		writeInfo(t, dir, Info{
			PID:       os.Getpid(),
			SessionID: "other-session",
			LockedAt:  time.Now(),
			ExpiresAt: time.Now().Add(time.Hour),
		})

		l := New(dir, "sess-1")
		assert.ErrorIs(t, l.Acquire("run"), ErrLocked)
	})
}

func writeInfo(t *testing.T, dir string, info Info) {
	t.Helper()
	data, err := json.Marshal(info)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, infoFile), data, 0644))
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

	changed := make(chan string, 4)
	stop, err := WatchFile(path, nil, func(op string) { changed <- op })
	require.NoError(t, err)
	defer stop()

	// Give the watcher goroutine a beat to start draining events.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"x":1}`), 0644))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("external write was not reported")
	}

	// Writes to other files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0644))
	select {
	case op := <-changed:
		t.Fatalf("unexpected event %s for unrelated file", op)
	case <-time.After(200 * time.Millisecond):
	}
}
