// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine drives the pipeline: it plans work against the
// manifest, runs stale items through a bounded worker pool, and commits
// each completed unit of work to the manifest before moving on.
//
// The engine never re-runs work the manifest proves complete, and it
// stops cleanly on failure: in-flight items finish and commit, failed
// items are recorded, and downstream stages are not started. A
// subsequent run picks up exactly the remainder.
package engine

import (
	"errors"
	"fmt"
)

// ErrNilContext indicates a nil context was passed to a blocking call.
var ErrNilContext = errors.New("context must not be nil")

// ErrNoStages indicates the engine was built without any stages.
var ErrNoStages = errors.New("no stages configured")

// ErrNoSource indicates the engine was built without an item source.
var ErrNoSource = errors.New("no item source configured")

// ErrPartialRun indicates the run stopped before completing every
// stage. Completed work is committed; rerun to resume.
var ErrPartialRun = errors.New("run stopped with work remaining")

// TransientError marks a failure worth retrying: rate limits, timeouts,
// connection resets. Anything not wrapped in TransientError fails the
// item on the first attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should trigger a retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ContractError indicates a backend returned output that failed
// validation (malformed JSON, missing fields). Retrying the same
// prompt is unlikely to help, so contract errors are permanent.
type ContractError struct {
	Stage string
	Item  string
	Err   error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("stage %s item %s: output contract violated: %v", e.Stage, e.Item, e.Err)
}

func (e *ContractError) Unwrap() error {
	return e.Err
}
