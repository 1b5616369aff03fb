// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package hash computes stable content fingerprints for pipeline inputs
// and artifacts.
//
// A fingerprint pairs a SHA256 digest with a cheap size+mtime signature.
// The signature allows callers to skip re-reading a file whose stat info
// is unchanged since the digest was recorded (mtime-first fast path).
// Files above a size threshold are fingerprinted from a prefix+suffix
// sample rather than their full content, unless exhaustive verification
// is requested.
//
// # Thread Safety
//
// Hasher is safe for concurrent use. ContentHash values are immutable.
package hash

import "errors"

// Sentinel errors for fingerprint operations.
var (
	// ErrUnreadable is returned when a file cannot be opened or read.
	// Callers treat this as "not cached, must recompute" rather than
	// as a fatal condition.
	ErrUnreadable = errors.New("file unreadable")

	// ErrNotRegular is returned when the path names a directory, symlink,
	// or other non-regular file.
	ErrNotRegular = errors.New("not a regular file")

	// ErrUnstable is returned when a file changes while it is being
	// hashed, after exhausting all retry attempts.
	ErrUnstable = errors.New("file changed during hashing")
)
