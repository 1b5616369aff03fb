// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"sort"

	"github.com/inletlabs/inlet/services/pipeline/detect"
)

// StagePreview describes what one stage would do if the pipeline ran
// right now.
type StagePreview struct {
	Stage    string
	Pool     bool
	Stale    bool
	Reason   string
	Compute  []string
	Cached   []string
	Removed  []string
	Backend  string
	Model    string
	Estimate Estimate
}

// Preview is a dry-run plan: what would run, what would be reused, and
// what it would roughly cost. Producing it performs no backend calls
// and no writes.
type Preview struct {
	Stages  []StagePreview
	HasWork bool
	Total   Estimate
}

// Preview plans the pipeline without executing anything.
//
// Description:
//
//	Loads the manifest, enumerates the source, classifies every stage,
//	and asks each stale stage to estimate its cost. Cached estimates
//	are zero: reuse is free. The manifest is never written.
//
// Outputs:
//
//	*Preview - The plan. Never nil on success.
//	error - Non-nil if the manifest or source could not be read.
func (e *Engine) Preview(ctx context.Context) (*Preview, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	_, src, plan, err := e.plan(ctx)
	if err != nil {
		return nil, err
	}

	srcByID := make(map[string]Item, len(src))
	for _, it := range src {
		srcByID[it.ID] = it
	}

	pv := &Preview{HasWork: plan.HasWork()}
	for i, sp := range plan.Stages {
		st := e.stages[i]
		backend, model := st.Backend()

		spv := StagePreview{
			Stage:   sp.Stage,
			Pool:    sp.Pool,
			Stale:   sp.Stale,
			Reason:  sp.Reason,
			Compute: sp.ComputeIDs(),
			Removed: sp.RemovedIDs(),
			Backend: backend,
			Model:   model,
		}
		for _, it := range sp.Items {
			if it.Change == detect.Unchanged {
				spv.Cached = append(spv.Cached, it.ID)
			}
		}
		sort.Strings(spv.Cached)

		switch impl := st.(type) {
		case ItemStage:
			for _, id := range spv.Compute {
				item := srcByID[id] // estimate against source size; close enough pre-run
				spv.Estimate.Add(impl.EstimateItem(item))
			}
		case PoolStage:
			if sp.Stale {
				spv.Estimate = impl.EstimatePool(src)
			}
		}

		pv.Total.Add(spv.Estimate)
		pv.Stages = append(pv.Stages, spv)
	}

	return pv, nil
}
