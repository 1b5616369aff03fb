// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package manifest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/inletlabs/inlet/services/pipeline/hash"
)

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*Store)

// WithHasher sets the hasher used for load-time artifact validation.
func WithHasher(h *hash.Hasher) StoreOption {
	return func(s *Store) {
		s.hasher = h
	}
}

// WithLogger sets the logger for demotion and validation events.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithExhaustiveVerify enables full content hashing during load-time
// validation instead of the size+mtime signature check.
func WithExhaustiveVerify(on bool) StoreOption {
	return func(s *Store) {
		s.exhaustive = on
	}
}

// Store reads and writes the project manifest.
//
// Thread Safety: all mutating methods serialize behind an internal
// mutex, so concurrent item completions never drop each other's updates.
type Store struct {
	root       string // project root directory
	hasher     *hash.Hasher
	logger     *slog.Logger
	exhaustive bool
	mu         chan struct{} // 1-slot semaphore; acquired for every read-modify-write
}

// NewStore creates a store rooted at the project directory.
func NewStore(projectRoot string, opts ...StoreOption) *Store {
	s := &Store{
		root: projectRoot,
		mu:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hasher == nil {
		s.hasher = hash.NewHasher()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Path returns the canonical manifest file path.
func (s *Store) Path() string {
	return filepath.Join(s.root, StateDir, manifestFile)
}

// ArtifactPath returns the artifact path for a stage, or for one item
// within a stage when item is non-empty.
func (s *Store) ArtifactPath(stage, item string) string {
	if item == "" {
		return filepath.Join(s.root, StateDir, ArtifactsDir, stage+".json")
	}
	return filepath.Join(s.root, StateDir, ArtifactsDir, stage, item+".json")
}

// CuratedPath returns the path of a stage's curated output file, where
// a human reviewer may leave edited entries for the merge resolver.
func (s *Store) CuratedPath(stage string) string {
	return filepath.Join(s.root, StateDir, CuratedDir, stage+".json")
}

// Load reads, migrates, and validates the manifest.
//
// Description:
//
//	Returns ErrNotFound if no manifest exists. A schema version newer
//	than SchemaVersion is fatal (ErrSchemaTooNew); older versions are
//	migrated forward. After decoding, every record claiming COMPLETE is
//	revalidated against its artifact on disk: missing or mismatched
//	artifacts demote the record to PENDING (sessions) and the stage to
//	whatever its session map now derives. RUNNING records are demoted
//	to PENDING, since in-progress work cannot survive a restart.
//
// Outputs:
//
//	*Manifest - Validated snapshot. Never nil on success.
//	error - ErrNotFound, ErrSchemaTooNew, or ErrCorrupt.
func (s *Store) Load() (*Manifest, error) {
	m, err := s.loadRaw()
	if err != nil {
		return nil, err
	}
	s.validate(m)
	return m, nil
}

// loadRaw reads and migrates without artifact validation. Update uses it
// so that mid-run commits do not re-validate (and possibly demote)
// records already vetted by the initial Load.
func (s *Store) loadRaw() (*Manifest, error) {
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	migrated, err := migrate(data)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(migrated, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &m, nil
}

// validate demotes records whose on-disk reality no longer backs them.
func (s *Store) validate(m *Manifest) {
	for _, name := range m.StageOrder {
		rec, ok := m.Stages[name]
		if !ok {
			continue
		}

		for id, sess := range rec.Sessions {
			switch sess.Status {
			case StatusRunning:
				s.logger.Warn("demoting interrupted session to pending",
					slog.String("stage", name),
					slog.String("session", id),
				)
				sess.Status = StatusPending
			case StatusComplete:
				if !s.artifactValid(sess.ArtifactPath, sess.OutputHash) {
					s.logger.Warn("session artifact missing or mismatched, will recompute",
						slog.String("stage", name),
						slog.String("session", id),
						slog.String("artifact", sess.ArtifactPath),
					)
					sess.Status = StatusPending
					sess.OutputHash = hash.ContentHash{}
				}
			}
		}

		if len(rec.Sessions) > 0 {
			rec.Status = rec.DeriveStatus()
			// The merged stage-level artifact is recorded separately from
			// the sessions; a crash between the last session commit and
			// the merge leaves it missing or stale. Clearing the hash
			// marks it for rebuild without disturbing the sessions.
			if rec.Status == StatusComplete && !rec.ArtifactHash.IsZero() &&
				!s.artifactValid(rec.ArtifactPath, rec.ArtifactHash) {
				s.logger.Warn("merged stage artifact missing or mismatched, will rebuild",
					slog.String("stage", name),
					slog.String("artifact", rec.ArtifactPath),
				)
				rec.ArtifactHash = hash.ContentHash{}
			}
			continue
		}

		switch rec.Status {
		case StatusRunning:
			s.logger.Warn("demoting interrupted stage to pending",
				slog.String("stage", name))
			rec.Status = StatusPending
		case StatusComplete:
			if !s.artifactValid(rec.ArtifactPath, rec.ArtifactHash) {
				s.logger.Warn("stage artifact missing or mismatched, will recompute",
					slog.String("stage", name),
					slog.String("artifact", rec.ArtifactPath),
				)
				rec.Status = StatusPending
				rec.ArtifactHash = hash.ContentHash{}
			}
		}
	}
}

// artifactValid checks existence plus hash agreement for one artifact.
func (s *Store) artifactValid(path string, expected hash.ContentHash) bool {
	if path == "" || expected.IsZero() {
		return false
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.root, path)
	}
	ok, err := s.hasher.Verify(full, expected, s.exhaustive)
	return err == nil && ok
}

// Save atomically persists the manifest.
//
// The file is written to a temp location and renamed into the canonical
// path, so the store file is never observed half-written.
func (s *Store) Save(m *Manifest) error {
	m.UpdatedAtMilli = time.Now().UnixMilli()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return WriteFileAtomic(s.Path(), data)
}

// Update applies one mutation under the single-writer discipline:
// read current manifest, apply fn, atomically write.
//
// Description:
//
//	If no manifest exists yet, fn receives a freshly created one; the
//	manifest file is thus born on the first committed unit of work. The
//	mutation and save happen while the writer slot is held, so two
//	near-simultaneous item completions serialize rather than racing.
//
// Inputs:
//
//	fn - Mutation applied to the current manifest. Returning an error
//	     aborts the update without writing.
//
// Outputs:
//
//	*Manifest - The saved manifest snapshot.
//	error - Non-nil if load, fn, or save failed.
func (s *Store) Update(fn func(*Manifest) error) (*Manifest, error) {
	s.mu <- struct{}{}
	defer func() { <-s.mu }()

	m, err := s.loadRaw()
	if err == ErrNotFound {
		m = NewManifest(filepath.Base(s.root), "")
	} else if err != nil {
		return nil, err
	}

	if err := fn(m); err != nil {
		return nil, err
	}
	if err := s.Save(m); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateStage mutates one stage record through the atomic save path.
// The stage status is re-derived from its session map afterwards.
func (s *Store) UpdateStage(name string, fn func(*StageRecord)) error {
	_, err := s.Update(func(m *Manifest) error {
		rec := m.Stage(name)
		fn(rec)
		if len(rec.Sessions) > 0 {
			rec.Status = rec.DeriveStatus()
		}
		return nil
	})
	return err
}

// UpdateSession mutates one session record through the atomic save path.
// The owning stage's status is re-derived afterwards, never set directly.
func (s *Store) UpdateSession(stage, id string, fn func(*SessionRecord)) error {
	_, err := s.Update(func(m *Manifest) error {
		rec := m.Stage(stage)
		fn(rec.Session(id))
		rec.Status = rec.DeriveStatus()
		return nil
	})
	return err
}

// Invalidate resets the named stages to pending, discarding their
// session records and recorded hashes.
//
// Artifacts are left on disk; a pending record means they are recomputed
// and overwritten regardless. Only an explicit user-confirmed reset
// should reach this method.
func (s *Store) Invalidate(stages []string) error {
	_, err := s.Update(func(m *Manifest) error {
		for _, name := range stages {
			rec, ok := m.Stages[name]
			if !ok {
				continue
			}
			*rec = StageRecord{Status: StatusPending}
		}
		return nil
	})
	return err
}

// Delete removes the manifest file entirely. Used only by a full,
// explicitly confirmed project reset.
func (s *Store) Delete() error {
	err := os.Remove(s.Path())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
