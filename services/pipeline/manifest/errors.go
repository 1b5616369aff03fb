// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package manifest is the durable single source of truth for what the
// pipeline has computed.
//
// The store follows a write-ahead discipline: stage and session output
// artifacts are renamed into place before the corresponding record is
// marked complete, so a crash can only leave the manifest behind reality,
// never ahead of it. On load, every COMPLETE claim is revalidated against
// the artifact on disk; mismatches are silently demoted to PENDING or
// PARTIAL because a corrupted cache always means "recompute", never
// "crash".
//
// # Thread Safety
//
// Store serializes all mutations behind an internal mutex (single logical
// writer). Manifest values returned by Load are snapshots; mutate them
// only through Store.Update and friends.
package manifest

import "errors"

// Sentinel errors for manifest store operations.
var (
	// ErrNotFound is returned by Load when no manifest exists yet.
	ErrNotFound = errors.New("manifest not found")

	// ErrSchemaTooNew is returned when the manifest on disk was written
	// by a newer tool version. This is fatal: silently downgrading the
	// schema could misinterpret records.
	ErrSchemaTooNew = errors.New("manifest schema newer than this tool understands")

	// ErrCorrupt is returned when the manifest file itself cannot be
	// parsed. Unlike a corrupt artifact (which is silently recomputed),
	// a corrupt manifest needs an explicit, user-confirmed reset.
	ErrCorrupt = errors.New("manifest file corrupt")
)
