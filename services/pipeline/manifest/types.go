// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package manifest

import (
	"time"

	"github.com/inletlabs/inlet/services/pipeline/hash"
)

// SchemaVersion is the manifest schema version written by this build.
// Readers refuse manifests with a newer version; older versions are
// migrated forward on load.
const SchemaVersion = 2

const (
	// StateDir is the project-relative directory holding the manifest,
	// artifacts, and lock files.
	StateDir = ".inlet"

	// ArtifactsDir is the StateDir subdirectory for stage artifacts.
	ArtifactsDir = "artifacts"

	// CuratedDir is the StateDir subdirectory for human-reviewed stage
	// output that the engine reconciles into merged stage artifacts.
	CuratedDir = "curated"

	manifestFile = "manifest.json"
)

// StageStatus is the lifecycle state of a stage or session record.
type StageStatus string

const (
	// StatusPending means the work has not been attempted (or must be redone).
	StatusPending StageStatus = "pending"

	// StatusRunning means work is in progress. It is only valid while the
	// owning process lives; a RUNNING record found on load is demoted to
	// PENDING because in-progress work crossing a crash cannot be trusted.
	StatusRunning StageStatus = "running"

	// StatusComplete means the output artifact exists and matched its
	// recorded hash when last validated.
	StatusComplete StageStatus = "complete"

	// StatusPartial means some but not all sessions of a per-item stage
	// are complete.
	StatusPartial StageStatus = "partial"

	// StatusFailed means the last attempt ended with an error.
	StatusFailed StageStatus = "failed"
)

// Usage accumulates external-call cost counters across a project's life.
type Usage struct {
	Calls              int64   `json:"calls"`
	InputTokens        int64   `json:"input_tokens"`
	OutputTokens       int64   `json:"output_tokens"`
	EstimatedCostCents float64 `json:"estimated_cost_cents"`
}

// Add folds another usage sample into the counters.
func (u *Usage) Add(other Usage) {
	u.Calls += other.Calls
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.EstimatedCostCents += other.EstimatedCostCents
}

// SessionRecord tracks one item within a per-item stage.
//
// Backend and Model are recorded per item, not per stage: switching
// backends between runs must not invalidate items already completed by
// the previous backend.
type SessionRecord struct {
	ID               string           `json:"id"`
	Status           StageStatus      `json:"status"`
	CompletedAtMilli int64            `json:"completed_at,omitempty"`
	Backend          string           `json:"backend,omitempty"`
	Model            string           `json:"model,omitempty"`
	InputHash        hash.ContentHash `json:"input_hash,omitempty"`
	OutputHash       hash.ContentHash `json:"output_hash,omitempty"`
	ArtifactPath     string           `json:"artifact_path,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
}

// StageRecord tracks one stage of the pipeline.
type StageRecord struct {
	Status           StageStatus               `json:"status"`
	StartedAtMilli   int64                     `json:"started_at,omitempty"`
	CompletedAtMilli int64                     `json:"completed_at,omitempty"`
	ArtifactPath     string                    `json:"artifact_path,omitempty"`
	ArtifactHash     hash.ContentHash          `json:"artifact_hash,omitempty"`
	InputHash        hash.ContentHash          `json:"input_hash,omitempty"`
	Sessions         map[string]*SessionRecord `json:"sessions,omitempty"`
	LastError        string                    `json:"last_error,omitempty"`
}

// DeriveStatus computes the stage status from its session map.
//
// A stage with sessions never carries an independent status: it is
// COMPLETE iff every session is COMPLETE, PARTIAL iff some are, and
// PENDING iff none are. Stages without sessions keep their own status.
func (r *StageRecord) DeriveStatus() StageStatus {
	if len(r.Sessions) == 0 {
		return r.Status
	}
	complete := 0
	for _, s := range r.Sessions {
		if s.Status == StatusComplete {
			complete++
		}
	}
	switch {
	case complete == len(r.Sessions):
		return StatusComplete
	case complete > 0:
		return StatusPartial
	default:
		return StatusPending
	}
}

// SessionCounts returns (complete, total) for per-item stages.
func (r *StageRecord) SessionCounts() (done, total int) {
	for _, s := range r.Sessions {
		if s.Status == StatusComplete {
			done++
		}
	}
	return done, len(r.Sessions)
}

// Session returns the record for id, creating it if absent.
func (r *StageRecord) Session(id string) *SessionRecord {
	if r.Sessions == nil {
		r.Sessions = make(map[string]*SessionRecord)
	}
	s, ok := r.Sessions[id]
	if !ok {
		s = &SessionRecord{ID: id, Status: StatusPending}
		r.Sessions[id] = s
	}
	return s
}

// Manifest is the durable record of what has been computed for a project.
//
// StageOrder preserves the declared stage sequence; Stages is keyed by
// stage name. The manifest is created on the first committed unit of work
// and read-modify-written through the atomic save path thereafter.
type Manifest struct {
	SchemaVersion  int                     `json:"schema_version"`
	Project        string                  `json:"project"`
	ToolVersion    string                  `json:"tool_version"`
	CreatedAtMilli int64                   `json:"created_at"`
	UpdatedAtMilli int64                   `json:"updated_at"`
	StageOrder     []string                `json:"stage_order"`
	Stages         map[string]*StageRecord `json:"stages"`
	Usage          Usage                   `json:"usage"`
}

// NewManifest creates an empty manifest for a project.
func NewManifest(project, toolVersion string) *Manifest {
	now := time.Now().UnixMilli()
	return &Manifest{
		SchemaVersion:  SchemaVersion,
		Project:        project,
		ToolVersion:    toolVersion,
		CreatedAtMilli: now,
		UpdatedAtMilli: now,
		Stages:         make(map[string]*StageRecord),
	}
}

// Stage returns the record for name, creating it (and appending to the
// declared order) if absent.
func (m *Manifest) Stage(name string) *StageRecord {
	if m.Stages == nil {
		m.Stages = make(map[string]*StageRecord)
	}
	r, ok := m.Stages[name]
	if !ok {
		r = &StageRecord{Status: StatusPending}
		m.Stages[name] = r
		m.StageOrder = append(m.StageOrder, name)
	}
	return r
}
