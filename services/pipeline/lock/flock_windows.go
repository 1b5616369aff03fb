// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build windows

package lock

import "os"

// Windows has no flock(2); the info file's PID/TTL check carries the
// whole single-writer guarantee there.
// TODO: use golang.org/x/sys/windows LockFileEx for a real OS lock.
func flockExclusive(f *os.File) error {
	return nil
}

func flockRelease(f *os.File) error {
	return nil
}

// isProcessAlive reports whether the PID resolves to a live process.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	process.Release()
	return true
}
