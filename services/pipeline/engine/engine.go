// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/inletlabs/inlet/services/pipeline/detect"
	"github.com/inletlabs/inlet/services/pipeline/hash"
	"github.com/inletlabs/inlet/services/pipeline/manifest"
	"github.com/inletlabs/inlet/services/pipeline/merge"
)

var (
	tracer = otel.Tracer("inlet.pipeline")
	meter  = otel.Meter("inlet.pipeline")
)

// DefaultWorkers bounds per-item parallelism when no override is given.
const DefaultWorkers = 4

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithWorkers bounds how many items process concurrently within a stage.
func WithWorkers(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRetryConfig overrides the retry policy for backend calls.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(e *Engine) {
		e.retry = cfg
	}
}

// WithLogger sets the run logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithHasher sets the hasher used for artifact fingerprints.
func WithHasher(h *hash.Hasher) Option {
	return func(e *Engine) {
		e.hasher = h
	}
}

// WithToolVersion stamps the running tool version into the manifest.
func WithToolVersion(v string) Option {
	return func(e *Engine) {
		e.toolVersion = v
	}
}

// Engine plans and executes the pipeline incrementally.
//
// Description:
//
//	Engine loads the manifest, classifies the current inputs with the
//	change detector, and runs only what is stale. Per-item stages run
//	items through a bounded worker pool and commit each completion to
//	the manifest individually; pool stages recompute as a unit. Every
//	unit of work is marked RUNNING before its backend call and COMPLETE
//	(or FAILED) immediately after, so a crash at any point loses at
//	most the in-flight items.
//
// Thread Safety:
//
//	Engine is safe for concurrent use, though pipeline runs against the
//	same project should be serialized with the project lock.
type Engine struct {
	store       *manifest.Store
	detector    *detect.Detector
	hasher      *hash.Hasher
	source      Source
	stages      []Stage
	logger      *slog.Logger
	workers     int64
	retry       RetryConfig
	toolVersion string

	// Metrics (initialized lazily)
	metricsOnce   sync.Once
	itemLatency   metric.Float64Histogram
	itemSuccesses metric.Int64Counter
	itemFailures  metric.Int64Counter
	cachedItems   metric.Int64Counter
	activeItems   metric.Int64UpDownCounter
}

// New creates an engine over the given store, source, and stage order.
func New(store *manifest.Store, source Source, stages []Stage, opts ...Option) (*Engine, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	if len(stages) == 0 {
		return nil, ErrNoStages
	}

	e := &Engine{
		store:   store,
		source:  source,
		stages:  stages,
		workers: DefaultWorkers,
		retry:   DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.hasher == nil {
		e.hasher = hash.NewHasher()
	}
	e.detector = detect.NewDetector(e.logger)

	if err := e.retry.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.itemLatency, err = meter.Float64Histogram("pipeline_item_duration_seconds",
			metric.WithDescription("Time spent processing each item"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "item_latency: "+err.Error())
		}

		e.itemSuccesses, err = meter.Int64Counter("pipeline_item_success_total",
			metric.WithDescription("Number of items processed successfully"),
		)
		if err != nil {
			initErrors = append(initErrors, "item_successes: "+err.Error())
		}

		e.itemFailures, err = meter.Int64Counter("pipeline_item_failure_total",
			metric.WithDescription("Number of items that failed after retries"),
		)
		if err != nil {
			initErrors = append(initErrors, "item_failures: "+err.Error())
		}

		e.cachedItems, err = meter.Int64Counter("pipeline_cached_items_total",
			metric.WithDescription("Number of items reused from cache"),
		)
		if err != nil {
			initErrors = append(initErrors, "cached_items: "+err.Error())
		}

		e.activeItems, err = meter.Int64UpDownCounter("pipeline_active_items",
			metric.WithDescription("Number of items currently processing"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_items: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// RunResult summarizes one pipeline run.
type RunResult struct {
	RunID    string
	Computed int
	Cached   int
	Removed  int
	Failed   int
	Usage    manifest.Usage
}

// specs maps the configured stages into detector declarations.
func (e *Engine) specs() []detect.StageSpec {
	specs := make([]detect.StageSpec, 0, len(e.stages))
	for _, st := range e.stages {
		_, pool := st.(PoolStage)
		specs = append(specs, detect.StageSpec{Name: st.Name(), Pool: pool})
	}
	return specs
}

// plan loads state, enumerates the source, and classifies everything.
// The manifest may come back nil when no run has happened yet.
func (e *Engine) plan(ctx context.Context) (*manifest.Manifest, []Item, *detect.Plan, error) {
	m, err := e.store.Load()
	if errors.Is(err, manifest.ErrNotFound) {
		m = nil
	} else if err != nil {
		return nil, nil, nil, err
	}

	src, err := e.source.Items(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("enumerate source: %w", err)
	}
	sort.Slice(src, func(i, j int) bool { return src[i].ID < src[j].ID })

	plan := e.detector.Plan(e.specs(), m, e.buildInputs(m, src))
	return m, src, plan, nil
}

// buildInputs assembles each stage's current input identity from the
// source pool and the recorded outputs of its upstream stage. Where an
// upstream record is missing the hash stays zero; the detector already
// classifies such items stale through the cascade.
func (e *Engine) buildInputs(m *manifest.Manifest, src []Item) map[string]detect.StageInputs {
	inputs := make(map[string]detect.StageInputs, len(e.stages))

	prev := ""
	prevPool := false
	for _, st := range e.stages {
		name := st.Name()
		_, isPool := st.(PoolStage)

		if !isPool {
			items := make([]detect.ItemInput, 0, len(src))
			for _, it := range src {
				h := it.InputHash
				if prev != "" {
					h = e.recordedOutput(m, prev, prevPool, it.ID)
				}
				items = append(items, detect.ItemInput{ID: it.ID, InputHash: h})
			}
			inputs[name] = detect.StageInputs{Items: items}
		} else {
			var ph hash.ContentHash
			switch {
			case prev == "":
				ph = e.combinedHash(src, func(it Item) hash.ContentHash { return it.InputHash })
			case prevPool:
				ph = e.recordedOutput(m, prev, true, "")
			default:
				upstream := prev
				ph = e.combinedHash(src, func(it Item) hash.ContentHash {
					return e.recordedOutput(m, upstream, false, it.ID)
				})
			}
			inputs[name] = detect.StageInputs{PoolHash: ph}
		}

		prev, prevPool = name, isPool
	}
	return inputs
}

// recordedOutput fetches the output hash the manifest holds for one
// upstream unit of work, or a zero hash when there is none.
func (e *Engine) recordedOutput(m *manifest.Manifest, stage string, pool bool, item string) hash.ContentHash {
	if m == nil {
		return hash.ContentHash{}
	}
	rec, ok := m.Stages[stage]
	if !ok {
		return hash.ContentHash{}
	}
	if pool {
		return rec.ArtifactHash
	}
	sess, ok := rec.Sessions[item]
	if !ok {
		return hash.ContentHash{}
	}
	return sess.OutputHash
}

// combinedHash digests the whole pool's identity: one line per item in
// ID order, so membership and content changes both move the digest.
func (e *Engine) combinedHash(src []Item, hashOf func(Item) hash.ContentHash) hash.ContentHash {
	var buf []byte
	for _, it := range src {
		buf = append(buf, it.ID...)
		buf = append(buf, ':')
		buf = append(buf, hashOf(it).Digest...)
		buf = append(buf, '\n')
	}
	return e.hasher.FingerprintBytes(buf)
}

// Run executes the pipeline incrementally.
//
// Description:
//
//	Plans against the manifest, logs the plan, then walks stages in
//	order. Cached work is skipped and counted; stale items run through
//	the worker pool with per-item commit; removed items have their
//	records and artifacts dropped. Any item failure finishes the
//	stage's in-flight work, records the failure, and stops the run with
//	ErrPartialRun so completed siblings survive for the next attempt.
//
// Outputs:
//
//	*RunResult - Counts and usage for this run. Non-nil even on error
//	             once planning succeeded.
//	error - ErrPartialRun when work remains, or a planning/storage error.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	e.initMetrics()

	ctx, span := tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.Int("pipeline.stage_count", len(e.stages)),
		),
	)
	defer span.End()

	m, src, plan, err := e.plan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := &RunResult{RunID: uuid.NewString()[:12]}
	span.SetAttributes(attribute.String("pipeline.run_id", result.RunID))

	e.logger.Info("run started",
		slog.String("run_id", result.RunID),
		slog.Int("items", len(src)),
		slog.Int("stages", len(e.stages)),
	)
	e.logPlan(plan)

	if !plan.HasWork() {
		// Item-level work is all current, but a crash after the last
		// session commit can still have left a merged stage artifact
		// missing or stale. Rebuild those before declaring the run a
		// no-op; every item artifact needed is present and verified.
		if err := e.repairMergedArtifacts(m, plan); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}
		e.logger.Info("everything up to date, nothing to run",
			slog.String("run_id", result.RunID))
		result.Cached = e.countCached(plan)
		return result, nil
	}

	// Declare intent before any backend work: stage order and tool
	// version land in the manifest ahead of the first RUNNING mark.
	if _, err := e.store.Update(func(m *manifest.Manifest) error {
		m.ToolVersion = e.toolVersion
		for _, st := range e.stages {
			m.Stage(st.Name())
		}
		return nil
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	srcByID := make(map[string]Item, len(src))
	for _, it := range src {
		srcByID[it.ID] = it
	}

	prev := upstream{}
	for i, sp := range plan.Stages {
		st := e.stages[i]

		if err := e.dropRemoved(st.Name(), sp.RemovedIDs(), result); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}

		var stageErr error
		if sp.Pool {
			stageErr = e.runPoolStage(ctx, st.(PoolStage), &sp, src, srcByID, prev, result)
		} else {
			stageErr = e.runItemStage(ctx, st.(ItemStage), &sp, m, srcByID, prev, result)
		}
		if stageErr != nil {
			span.RecordError(stageErr)
			span.SetStatus(codes.Error, stageErr.Error())
			return result, stageErr
		}
		prev = upstream{name: st.Name(), pool: sp.Pool}
	}

	e.logger.Info("run complete",
		slog.String("run_id", result.RunID),
		slog.Int("computed", result.Computed),
		slog.Int("cached", result.Cached),
		slog.Int("removed", result.Removed),
	)
	return result, nil
}

// logPlan records what the detector decided before any work starts, so
// an interrupted run still leaves a trace of intent in the logs.
func (e *Engine) logPlan(plan *detect.Plan) {
	for _, sp := range plan.Stages {
		e.logger.Info("stage plan",
			slog.String("stage", sp.Stage),
			slog.Bool("pool", sp.Pool),
			slog.Bool("stale", sp.Stale),
			slog.Int("compute", len(sp.ComputeIDs())),
			slog.Int("cached", len(sp.Items)-len(sp.ComputeIDs())-len(sp.RemovedIDs())),
			slog.Int("removed", len(sp.RemovedIDs())),
			slog.String("reason", sp.Reason),
		)
	}
}

func (e *Engine) countCached(plan *detect.Plan) int {
	n := 0
	for _, sp := range plan.Stages {
		if sp.Pool {
			if !sp.Stale {
				n++
			}
			continue
		}
		for _, it := range sp.Items {
			if it.Change == detect.Unchanged {
				n++
			}
		}
	}
	return n
}

// dropRemoved deletes session records and artifacts for items whose
// source material is gone.
func (e *Engine) dropRemoved(stage string, ids []string, result *RunResult) error {
	if len(ids) == 0 {
		return nil
	}
	err := e.store.UpdateStage(stage, func(rec *manifest.StageRecord) {
		for _, id := range ids {
			delete(rec.Sessions, id)
		}
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		e.logger.Info("dropping removed item",
			slog.String("stage", stage),
			slog.String("item", id),
		)
		// Best effort: a leftover artifact is harmless once unrecorded.
		os.Remove(e.store.ArtifactPath(stage, id))
		result.Removed++
	}
	return nil
}

// upstream identifies the stage feeding the current one.
type upstream struct {
	name string
	pool bool // the upstream stage has a single whole-pool artifact
}

// itemFor builds the current input for one item of a stage: the source
// file for the first stage, the upstream artifact after that. The hash
// is taken fresh so the committed record reflects what was consumed.
func (e *Engine) itemFor(stage string, prev upstream, id string, srcByID map[string]Item) (Item, error) {
	if prev.name == "" {
		it, ok := srcByID[id]
		if !ok {
			return Item{}, fmt.Errorf("stage %s: unknown item %s", stage, id)
		}
		return it, nil
	}
	path := e.store.ArtifactPath(prev.name, id)
	if prev.pool {
		// Every item of a stage downstream of a pool stage consumes the
		// same whole-pool artifact.
		path = e.store.ArtifactPath(prev.name, "")
	}
	h, err := e.hasher.Fingerprint(path)
	if err != nil {
		return Item{}, fmt.Errorf("stage %s item %s: upstream artifact: %w", stage, id, err)
	}
	return Item{ID: id, Path: path, InputHash: h}, nil
}

// runItemStage processes a per-item stage's stale items in parallel,
// committing each outcome individually.
func (e *Engine) runItemStage(
	ctx context.Context,
	st ItemStage,
	sp *detect.StagePlan,
	m *manifest.Manifest,
	srcByID map[string]Item,
	prev upstream,
	result *RunResult,
) error {
	compute := sp.ComputeIDs()
	cached := len(sp.Items) - len(compute) - len(sp.RemovedIDs())
	result.Cached += cached
	if e.cachedItems != nil && cached > 0 {
		e.cachedItems.Add(ctx, int64(cached),
			metric.WithAttributes(attribute.String("stage", st.Name())))
	}
	if len(compute) == 0 {
		// Membership shrank, or a prior crash lost the merged artifact
		// after the sessions committed: rebuild it from the item
		// artifacts on disk.
		if len(sp.RemovedIDs()) > 0 ||
			(len(sp.Items) > 0 && !e.mergedArtifactValid(st.Name(), m)) {
			return e.mergeStageArtifact(st.Name(), sp)
		}
		return nil
	}

	backend, model := st.Backend()
	e.logger.Info("stage started",
		slog.String("stage", st.Name()),
		slog.Int("items", len(compute)),
		slog.String("backend", backend),
		slog.String("model", model),
	)

	sem := semaphore.NewWeighted(e.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string

	for _, id := range compute {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone: let in-flight items finish, then report.
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)

			if err := e.processItem(ctx, st, id, srcByID, prev, backend, model, result, &mu); err != nil {
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: stage %s interrupted: %v", ErrPartialRun, st.Name(), err)
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		result.Failed += len(failed)
		e.logger.Error("stage stopped with failed items",
			slog.String("stage", st.Name()),
			slog.Any("items", failed),
		)
		return fmt.Errorf("%w: stage %s: %d of %d items failed",
			ErrPartialRun, st.Name(), len(failed), len(compute))
	}

	if err := e.mergeStageArtifact(st.Name(), sp); err != nil {
		return err
	}

	e.logger.Info("stage complete",
		slog.String("stage", st.Name()),
		slog.Int("computed", len(compute)),
		slog.Int("cached", cached),
	)
	return nil
}

// mergedArtifactValid reports whether the recorded stage-level artifact
// still matches what is on disk.
func (e *Engine) mergedArtifactValid(stage string, m *manifest.Manifest) bool {
	if m == nil {
		return false
	}
	rec, ok := m.Stages[stage]
	if !ok || rec.ArtifactHash.IsZero() {
		return false
	}
	valid, err := e.hasher.Verify(e.store.ArtifactPath(stage, ""), rec.ArtifactHash, false)
	return err == nil && valid
}

// repairMergedArtifacts rebuilds any merged stage artifact that no
// longer verifies even though the stage's item work is all current.
func (e *Engine) repairMergedArtifacts(m *manifest.Manifest, plan *detect.Plan) error {
	for i := range plan.Stages {
		sp := &plan.Stages[i]
		if sp.Pool || len(sp.Items) == 0 {
			continue
		}
		if e.mergedArtifactValid(sp.Stage, m) {
			continue
		}
		e.logger.Warn("rebuilding merged stage artifact",
			slog.String("stage", sp.Stage))
		if err := e.mergeStageArtifact(sp.Stage, sp); err != nil {
			return err
		}
	}
	return nil
}

// loadCurated reads a stage's curated output file, if the reviewer left
// one. A missing file means no curation; a malformed one is a hard
// error, since silently ignoring it would discard human work.
func (e *Engine) loadCurated(stage string) ([]merge.Curated, error) {
	data, err := os.ReadFile(e.store.CuratedPath(stage))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stage %s: read curated output: %w", stage, err)
	}
	var curated []merge.Curated
	if err := json.Unmarshal(data, &curated); err != nil {
		return nil, fmt.Errorf("stage %s: parse curated output: %w", stage, err)
	}
	return curated, nil
}

// mergeStageArtifact folds cached and freshly computed item artifacts
// into one stage-level artifact, keyed by item ID. Curated output left
// under the project's curated directory is reconciled in with
// human-wins precedence.
func (e *Engine) mergeStageArtifact(stage string, sp *detect.StagePlan) error {
	fresh := make([]merge.Entry, 0, len(sp.Items))
	for _, it := range sp.Items {
		if it.Change == detect.Removed {
			continue
		}
		data, err := os.ReadFile(e.store.ArtifactPath(stage, it.ID))
		if err != nil {
			return fmt.Errorf("stage %s: merge artifact for %s: %w", stage, it.ID, err)
		}
		if !json.Valid(data) {
			// Item artifacts are not required to be JSON; wrap them.
			quoted, _ := json.Marshal(string(data))
			data = quoted
		}
		fresh = append(fresh, merge.Entry{Key: it.ID, Body: data})
	}

	entries := fresh
	curated, err := e.loadCurated(stage)
	if err != nil {
		return err
	}
	if len(curated) > 0 {
		res := merge.Resolve(fresh, curated)
		entries = res.Entries
		if len(res.KeptHuman) > 0 || len(res.Dropped) > 0 {
			e.logger.Info("reconciled curated output",
				slog.String("stage", stage),
				slog.Any("kept_human", res.KeptHuman),
				slog.Any("dropped", res.Dropped),
			)
		}
	}

	merged := make(map[string]json.RawMessage, len(entries))
	for _, en := range entries {
		merged[en.Key] = en.Body
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("stage %s: marshal merged artifact: %w", stage, err)
	}
	path := e.store.ArtifactPath(stage, "")
	if err := manifest.WriteFileAtomic(path, data); err != nil {
		return err
	}
	outHash, err := e.hasher.Fingerprint(path)
	if err != nil {
		return err
	}
	return e.store.UpdateStage(stage, func(rec *manifest.StageRecord) {
		rec.ArtifactPath = path
		rec.ArtifactHash = outHash
		rec.CompletedAtMilli = time.Now().UnixMilli()
	})
}

// processItem runs one item through mark-running, process, commit.
func (e *Engine) processItem(
	ctx context.Context,
	st ItemStage,
	id string,
	srcByID map[string]Item,
	prev upstream,
	backend, model string,
	result *RunResult,
	mu *sync.Mutex,
) error {
	ctx, span := tracer.Start(ctx, "pipeline.Item",
		trace.WithAttributes(
			attribute.String("stage", st.Name()),
			attribute.String("item", id),
		),
	)
	defer span.End()

	if e.activeItems != nil {
		e.activeItems.Add(ctx, 1)
		defer e.activeItems.Add(ctx, -1)
	}

	item, err := e.itemFor(st.Name(), prev, id, srcByID)
	if err != nil {
		span.RecordError(err)
		e.commitFailure(st.Name(), id, err)
		return err
	}

	// Write-ahead: the RUNNING mark with input identity lands before
	// the backend call, so a crash mid-call is visible on reload.
	err = e.store.UpdateSession(st.Name(), id, func(s *manifest.SessionRecord) {
		s.Status = manifest.StatusRunning
		s.Backend = backend
		s.Model = model
		s.InputHash = item.InputHash
		s.LastError = ""
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	start := time.Now()
	var out *Output
	attempts, err := Retry(ctx, e.retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			e.logger.Warn("retrying item",
				slog.String("stage", st.Name()),
				slog.String("item", id),
				slog.Int("attempt", attempt),
			)
		}
		var perr error
		out, perr = st.Process(ctx, item)
		return perr
	})
	elapsed := time.Since(start)

	if e.itemLatency != nil {
		e.itemLatency.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("stage", st.Name())))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if e.itemFailures != nil {
			e.itemFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("stage", st.Name())))
		}
		e.logger.Error("item failed",
			slog.String("stage", st.Name()),
			slog.String("item", id),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		e.commitFailure(st.Name(), id, err)
		return err
	}

	artifactPath := e.store.ArtifactPath(st.Name(), id)
	if werr := manifest.WriteFileAtomic(artifactPath, out.Data); werr != nil {
		span.RecordError(werr)
		e.commitFailure(st.Name(), id, werr)
		return werr
	}
	outHash, herr := e.hasher.Fingerprint(artifactPath)
	if herr != nil {
		span.RecordError(herr)
		e.commitFailure(st.Name(), id, herr)
		return herr
	}

	// Commit: status, hashes, and usage in one atomic manifest write.
	_, err = e.store.Update(func(m *manifest.Manifest) error {
		rec := m.Stage(st.Name())
		s := rec.Session(id)
		s.Status = manifest.StatusComplete
		s.CompletedAtMilli = time.Now().UnixMilli()
		s.ArtifactPath = artifactPath
		s.OutputHash = outHash
		s.LastError = ""
		rec.Status = rec.DeriveStatus()
		m.Usage.Add(out.Usage)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if e.itemSuccesses != nil {
		e.itemSuccesses.Add(ctx, 1,
			metric.WithAttributes(attribute.String("stage", st.Name())))
	}
	mu.Lock()
	result.Computed++
	result.Usage.Add(out.Usage)
	mu.Unlock()

	e.logger.Info("item complete",
		slog.String("stage", st.Name()),
		slog.String("item", id),
		slog.Duration("took", elapsed),
	)
	return nil
}

// commitFailure records a failed attempt; storage errors here are
// logged rather than returned since the item error takes precedence.
func (e *Engine) commitFailure(stage, id string, cause error) {
	err := e.store.UpdateSession(stage, id, func(s *manifest.SessionRecord) {
		s.Status = manifest.StatusFailed
		s.LastError = cause.Error()
	})
	if err != nil {
		e.logger.Error("failed to record item failure",
			slog.String("stage", stage),
			slog.String("item", id),
			slog.String("error", err.Error()),
		)
	}
}

// runPoolStage recomputes a whole-pool stage when stale.
func (e *Engine) runPoolStage(
	ctx context.Context,
	st PoolStage,
	sp *detect.StagePlan,
	src []Item,
	srcByID map[string]Item,
	prev upstream,
	result *RunResult,
) error {
	if !sp.Stale {
		result.Cached++
		return nil
	}

	ctx, span := tracer.Start(ctx, "pipeline.PoolStage",
		trace.WithAttributes(attribute.String("stage", st.Name())),
	)
	defer span.End()

	// Rebuild the pool from fresh upstream artifacts. Downstream of a
	// pool stage the pool is that stage's single artifact.
	var items []Item
	var poolHash hash.ContentHash
	if prev.pool {
		it, err := e.itemFor(st.Name(), prev, prev.name, srcByID)
		if err != nil {
			span.RecordError(err)
			return err
		}
		items = []Item{it}
		poolHash = it.InputHash
	} else {
		items = make([]Item, 0, len(src))
		for _, it := range src {
			fresh, err := e.itemFor(st.Name(), prev, it.ID, srcByID)
			if err != nil {
				span.RecordError(err)
				return err
			}
			items = append(items, fresh)
		}
		poolHash = e.combinedHash(items, func(it Item) hash.ContentHash { return it.InputHash })
	}

	backend, model := st.Backend()
	e.logger.Info("stage started",
		slog.String("stage", st.Name()),
		slog.Int("pool_size", len(items)),
		slog.String("backend", backend),
		slog.String("model", model),
		slog.String("reason", sp.Reason),
	)

	err := e.store.UpdateStage(st.Name(), func(rec *manifest.StageRecord) {
		rec.Status = manifest.StatusRunning
		rec.StartedAtMilli = time.Now().UnixMilli()
		rec.InputHash = poolHash
		rec.LastError = ""
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	var out *Output
	attempts, err := Retry(ctx, e.retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			e.logger.Warn("retrying stage",
				slog.String("stage", st.Name()),
				slog.Int("attempt", attempt),
			)
		}
		var perr error
		out, perr = st.ProcessPool(ctx, items)
		return perr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		uerr := e.store.UpdateStage(st.Name(), func(rec *manifest.StageRecord) {
			rec.Status = manifest.StatusFailed
			rec.LastError = err.Error()
		})
		if uerr != nil {
			e.logger.Error("failed to record stage failure",
				slog.String("stage", st.Name()),
				slog.String("error", uerr.Error()),
			)
		}
		result.Failed++
		e.logger.Error("stage failed",
			slog.String("stage", st.Name()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: stage %s failed: %v", ErrPartialRun, st.Name(), err)
	}

	artifactPath := e.store.ArtifactPath(st.Name(), "")
	if werr := manifest.WriteFileAtomic(artifactPath, out.Data); werr != nil {
		span.RecordError(werr)
		return werr
	}
	outHash, herr := e.hasher.Fingerprint(artifactPath)
	if herr != nil {
		span.RecordError(herr)
		return herr
	}

	_, err = e.store.Update(func(m *manifest.Manifest) error {
		rec := m.Stage(st.Name())
		rec.Status = manifest.StatusComplete
		rec.CompletedAtMilli = time.Now().UnixMilli()
		rec.ArtifactPath = artifactPath
		rec.ArtifactHash = outHash
		rec.LastError = ""
		m.Usage.Add(out.Usage)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	result.Computed++
	result.Usage.Add(out.Usage)
	e.logger.Info("stage complete", slog.String("stage", st.Name()))
	return nil
}
