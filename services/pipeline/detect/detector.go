// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package detect classifies pipeline inputs against the manifest and
// computes cascade invalidation across the fixed stage order.
//
// Classification is purely a comparison of recorded hashes against
// current ones; the detector performs no I/O and never mutates the
// manifest. Backend identity is deliberately absent from the
// comparison: items completed under a previous backend stay valid when
// the configured backend changes, which is what makes switching
// providers mid-project non-destructive.
package detect

import (
	"fmt"
	"log/slog"

	"github.com/inletlabs/inlet/services/pipeline/hash"
	"github.com/inletlabs/inlet/services/pipeline/manifest"
)

// Change classifies one item (or whole-pool stage) against its record.
type Change string

const (
	// Unchanged: the recorded input hash matches and the record is complete.
	Unchanged Change = "unchanged"

	// Changed: a record exists but its input no longer matches, or the
	// item went stale through an upstream change.
	Changed Change = "changed"

	// New: no record exists for this item.
	New Change = "new"

	// Removed: a record exists but the item is gone from the current
	// input set.
	Removed Change = "removed"
)

// StageSpec declares one stage of the fixed pipeline order.
type StageSpec struct {
	// Name is the stage identifier, unique within the pipeline.
	Name string

	// Pool marks a whole-pool stage: its output is a function of the
	// entire item pool, so it either fully reuses cache or fully
	// recomputes. Per-item stages (Pool=false) track items separately.
	Pool bool
}

// ItemInput is one item's current input identity for a stage.
type ItemInput struct {
	ID        string
	InputHash hash.ContentHash
}

// StageInputs carries a stage's current inputs into classification.
//
// For per-item stages, Items holds each item's input hash (source
// material for the first stage, the upstream item artifact hash for
// later ones). For pool stages, PoolHash is the combined digest of the
// whole upstream pool.
type StageInputs struct {
	Items    []ItemInput
	PoolHash hash.ContentHash
}

// ItemState is the classification of one item within a stage plan.
type ItemState struct {
	ID     string
	Change Change
	Reason string
}

// StagePlan is the per-stage outcome of change detection.
type StagePlan struct {
	Stage  string
	Pool   bool
	Stale  bool // the stage has work to do (pool stages: full recompute)
	Reason string
	Items  []ItemState
}

// ComputeIDs returns the items that must be (re)computed.
func (p *StagePlan) ComputeIDs() []string {
	var ids []string
	for _, it := range p.Items {
		if it.Change == Changed || it.Change == New {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// RemovedIDs returns the items whose source material is gone.
func (p *StagePlan) RemovedIDs() []string {
	var ids []string
	for _, it := range p.Items {
		if it.Change == Removed {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// Plan is the full pipeline invalidation plan in declared stage order.
type Plan struct {
	Stages []StagePlan
}

// HasWork reports whether any stage must run.
func (p *Plan) HasWork() bool {
	for _, s := range p.Stages {
		if s.Stale {
			return true
		}
	}
	return false
}

// Detector compares current inputs against manifest records.
//
// Thread Safety: Detector is stateless and safe for concurrent use.
type Detector struct {
	logger *slog.Logger
}

// NewDetector creates a detector. A nil logger uses slog.Default().
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger}
}

// ClassifyItem classifies one item against its session record.
//
// The backend recorded on the session is intentionally not compared: a
// completed item stays unchanged regardless of which backend produced
// it or which one is configured now.
func (d *Detector) ClassifyItem(rec *manifest.SessionRecord, current hash.ContentHash) (Change, string) {
	if rec == nil {
		return New, "no prior record"
	}
	if rec.Status != manifest.StatusComplete {
		return Changed, fmt.Sprintf("prior attempt ended %s", rec.Status)
	}
	if rec.InputHash.Digest != current.Digest {
		return Changed, "input content changed"
	}
	return Unchanged, ""
}

// Plan computes the invalidation plan for the whole pipeline.
//
// Description:
//
//	Walks stages in declared order, classifying each item against its
//	record and carrying staleness downstream: a changed or new item
//	marks the same item stale in every later per-item stage, and any
//	stale item (or a membership change) forces every later pool stage
//	to recompute in full. Once a pool stage recomputes, everything
//	after it is stale: downstream stages are never independently fresh.
//
// Inputs:
//
//	specs - The declared stage order.
//	m - Current manifest. May be nil (everything classifies as new).
//	inputs - Current inputs per stage name.
//
// Outputs:
//
//	*Plan - One StagePlan per spec, in order. Never nil.
func (d *Detector) Plan(specs []StageSpec, m *manifest.Manifest, inputs map[string]StageInputs) *Plan {
	plan := &Plan{Stages: make([]StagePlan, 0, len(specs))}

	staleItems := make(map[string]bool) // item IDs invalidated upstream
	allStale := false                   // a pool stage recomputed; everything downstream is stale
	membershipChanged := false

	for _, spec := range specs {
		var rec *manifest.StageRecord
		if m != nil {
			rec = m.Stages[spec.Name]
		}
		in := inputs[spec.Name]

		if spec.Pool {
			sp := d.planPoolStage(spec, rec, in, allStale, len(staleItems) > 0 || membershipChanged)
			if sp.Stale {
				allStale = true
			}
			plan.Stages = append(plan.Stages, sp)
			continue
		}

		sp := StagePlan{Stage: spec.Name, Pool: false}
		current := make(map[string]bool, len(in.Items))

		for _, item := range in.Items {
			current[item.ID] = true

			var sess *manifest.SessionRecord
			if rec != nil {
				sess = rec.Sessions[item.ID]
			}

			var change Change
			var reason string
			switch {
			case allStale:
				change, reason = Changed, "upstream pool recomputed"
			case staleItems[item.ID]:
				change, reason = Changed, "upstream input changed"
			default:
				change, reason = d.ClassifyItem(sess, item.InputHash)
			}

			if change == Changed || change == New {
				staleItems[item.ID] = true
				sp.Stale = true
			}
			sp.Items = append(sp.Items, ItemState{ID: item.ID, Change: change, Reason: reason})
		}

		// Recorded but no longer present in the input set.
		if rec != nil {
			for id := range rec.Sessions {
				if current[id] {
					continue
				}
				d.logger.Debug("item gone from input set",
					slog.String("stage", spec.Name),
					slog.String("item", id),
				)
				sp.Items = append(sp.Items, ItemState{ID: id, Change: Removed, Reason: "source material removed"})
				membershipChanged = true
				sp.Stale = true
			}
		}

		plan.Stages = append(plan.Stages, sp)
	}

	return plan
}

// planPoolStage decides whether a whole-pool stage must recompute.
// Pool stages never partially execute: any stale pool member, any
// membership change, or any upstream recompute forces a full rerun.
func (d *Detector) planPoolStage(
	spec StageSpec,
	rec *manifest.StageRecord,
	in StageInputs,
	upstreamAllStale bool,
	poolDisturbed bool,
) StagePlan {
	sp := StagePlan{Stage: spec.Name, Pool: true}

	switch {
	case upstreamAllStale:
		sp.Stale, sp.Reason = true, "upstream pool recomputed"
	case poolDisturbed:
		sp.Stale, sp.Reason = true, "pool membership or member content changed"
	case rec == nil:
		sp.Stale, sp.Reason = true, "no prior record"
	case rec.Status != manifest.StatusComplete:
		sp.Stale, sp.Reason = true, fmt.Sprintf("prior attempt ended %s", rec.Status)
	case rec.InputHash.Digest != in.PoolHash.Digest:
		sp.Stale, sp.Reason = true, "pool input changed"
	}

	return sp
}
