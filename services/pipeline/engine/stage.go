// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"

	"github.com/inletlabs/inlet/services/pipeline/hash"
	"github.com/inletlabs/inlet/services/pipeline/manifest"
)

// Item is one unit of work flowing through a per-item stage. For the
// first stage Path points at the source material; for later stages it
// points at the upstream artifact for the same item.
type Item struct {
	ID        string
	Path      string
	InputHash hash.ContentHash
}

// Output is what a stage produced for one unit of work. Data is
// written verbatim as the artifact.
type Output struct {
	Data  []byte
	Usage manifest.Usage
}

// Estimate is a dry-run prediction of what processing would cost.
type Estimate struct {
	Calls              int64
	InputTokens        int64
	EstimatedCostCents float64
}

// Add accumulates another estimate into this one.
func (e *Estimate) Add(other Estimate) {
	e.Calls += other.Calls
	e.InputTokens += other.InputTokens
	e.EstimatedCostCents += other.EstimatedCostCents
}

// Source enumerates the current item pool from the project directory.
type Source interface {
	// Items returns the current pool in stable ID order.
	Items(ctx context.Context) ([]Item, error)
}

// Stage is one step of the fixed pipeline order.
type Stage interface {
	// Name identifies the stage; it keys manifest records and artifacts.
	Name() string

	// Backend identifies the backend and model that would process work
	// now. Recorded per completed item, never compared for staleness.
	Backend() (backend, model string)
}

// ItemStage processes items independently: each item commits on its
// own, and failures of one item never discard siblings.
type ItemStage interface {
	Stage

	// Process transforms one item. The returned Output is committed
	// atomically before the next item's result is recorded.
	Process(ctx context.Context, item Item) (*Output, error)

	// EstimateItem predicts the cost of processing one item.
	EstimateItem(item Item) Estimate
}

// PoolStage consumes the whole item pool at once. Pool stages either
// reuse their cached artifact in full or recompute in full.
type PoolStage interface {
	Stage

	// ProcessPool transforms the entire pool into one artifact.
	ProcessPool(ctx context.Context, items []Item) (*Output, error)

	// EstimatePool predicts the cost of a full recompute.
	EstimatePool(items []Item) Estimate
}
