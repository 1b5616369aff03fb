// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lock enforces the single-writer rule for a project: one
// process mutates the manifest and artifacts at a time.
//
// The lock is an advisory flock on <project>/.inlet/lock plus a JSON
// info file carrying PID, session, and TTL for visibility and stale
// cleanup. Read-only commands (status, plan) never take it.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked indicates another live process holds the project lock.
var ErrLocked = errors.New("project is locked by another process")

// ErrNotHeld indicates a release without a prior acquire.
var ErrNotHeld = errors.New("project lock not held")

// DefaultTTL bounds how long a lock from a vanished process is honored.
const DefaultTTL = time.Hour

const (
	lockFile = "lock"
	infoFile = "lock.info"
)

// Info is the on-disk record of who holds the lock.
type Info struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"session_id"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
}

// Expired reports whether the TTL has lapsed.
func (i *Info) Expired() bool {
	return time.Now().After(i.ExpiresAt)
}

// ProjectLock guards one project directory.
//
// Thread Safety: a ProjectLock belongs to one goroutine; coordinate
// concurrent use externally.
type ProjectLock struct {
	stateDir  string
	sessionID string
	ttl       time.Duration
	logger    *slog.Logger

	file *os.File
}

// LockOption is a functional option for configuring a ProjectLock.
type LockOption func(*ProjectLock)

// WithTTL overrides the stale-lock TTL.
func WithTTL(ttl time.Duration) LockOption {
	return func(l *ProjectLock) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLockLogger sets the logger for stale-cleanup warnings.
func WithLockLogger(logger *slog.Logger) LockOption {
	return func(l *ProjectLock) {
		l.logger = logger
	}
}

// New creates a lock for the project's state directory. sessionID ties
// the info file to a run for debugging.
func New(stateDir, sessionID string, opts ...LockOption) *ProjectLock {
	l := &ProjectLock{
		stateDir:  stateDir,
		sessionID: sessionID,
		ttl:       DefaultTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

func (l *ProjectLock) lockPath() string { return filepath.Join(l.stateDir, lockFile) }
func (l *ProjectLock) infoPath() string { return filepath.Join(l.stateDir, infoFile) }

// Acquire takes the project lock, cleaning up a stale one if the
// recorded holder is dead or its TTL expired.
//
// Outputs:
//
//	error - ErrLocked when a live holder exists, otherwise nil.
func (l *ProjectLock) Acquire(reason string) error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(l.stateDir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	if holder, err := l.readInfo(); err == nil && holder != nil {
		if !holder.Expired() && isProcessAlive(holder.PID) {
			return fmt.Errorf("%w: pid %d since %s (%s)",
				ErrLocked, holder.PID, holder.LockedAt.Format(time.RFC3339), holder.Reason)
		}
		l.logger.Warn("removing stale project lock",
			slog.Int("old_pid", holder.PID),
			slog.Time("locked_at", holder.LockedAt),
		)
		os.Remove(l.infoPath())
	}

	f, err := os.OpenFile(l.lockPath(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return ErrLocked
		}
		return fmt.Errorf("acquiring lock: %w", err)
	}

	now := time.Now()
	info := &Info{
		PID:       os.Getpid(),
		SessionID: l.sessionID,
		LockedAt:  now,
		ExpiresAt: now.Add(l.ttl),
		Reason:    reason,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err == nil {
		err = os.WriteFile(l.infoPath(), data, 0644)
	}
	if err != nil {
		flockRelease(f)
		f.Close()
		return fmt.Errorf("writing lock info: %w", err)
	}

	l.file = f
	l.logger.Debug("acquired project lock",
		slog.String("reason", reason),
		slog.Time("expires_at", info.ExpiresAt),
	)
	return nil
}

// Release drops the lock and removes the info file.
func (l *ProjectLock) Release() error {
	if l.file == nil {
		return ErrNotHeld
	}
	os.Remove(l.infoPath())
	err := flockRelease(l.file)
	cerr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return cerr
}

// Holder reports the current lock info, or nil when unlocked.
func (l *ProjectLock) Holder() (*Info, error) {
	info, err := l.readInfo()
	if os.IsNotExist(err) {
		return nil, nil
	}
	return info, err
}

func (l *ProjectLock) readInfo() (*Info, error) {
	data, err := os.ReadFile(l.infoPath())
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		// An unreadable info file is treated as stale.
		return nil, nil
	}
	return &info, nil
}
