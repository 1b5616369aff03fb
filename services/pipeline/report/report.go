// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package report renders project status and dry-run plans. Everything
// here is read-only: status is a pure manifest read, and plans come
// from the engine's preview, which performs no backend calls.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/inletlabs/inlet/services/pipeline/engine"
	"github.com/inletlabs/inlet/services/pipeline/manifest"
)

// StageStatus is one stage's summarized state.
type StageStatus struct {
	Name      string
	Status    manifest.StageStatus
	Done      int
	Total     int
	LastError string
}

// ProjectStatus is the full status snapshot.
type ProjectStatus struct {
	Exists      bool
	Project     string
	ToolVersion string
	UpdatedAt   time.Time
	Stages      []StageStatus
	Usage       manifest.Usage
}

// Status reads the manifest and summarizes it.
//
// Load-time validation applies: COMPLETE claims with missing or
// mismatched artifacts show up already demoted, so the summary reflects
// what a run would actually trust. Nothing is written back.
func Status(store *manifest.Store) (*ProjectStatus, error) {
	m, err := store.Load()
	if errors.Is(err, manifest.ErrNotFound) {
		return &ProjectStatus{}, nil
	}
	if err != nil {
		return nil, err
	}

	st := &ProjectStatus{
		Exists:      true,
		Project:     m.Project,
		ToolVersion: m.ToolVersion,
		UpdatedAt:   time.UnixMilli(m.UpdatedAtMilli),
		Usage:       m.Usage,
	}
	for _, name := range m.StageOrder {
		rec, ok := m.Stages[name]
		if !ok {
			continue
		}
		done, total := rec.SessionCounts()
		st.Stages = append(st.Stages, StageStatus{
			Name:      name,
			Status:    rec.Status,
			Done:      done,
			Total:     total,
			LastError: stageError(rec),
		})
	}
	return st, nil
}

// stageError surfaces the most useful error for display: the stage's
// own, or the first failed session's.
func stageError(rec *manifest.StageRecord) string {
	if rec.LastError != "" {
		return rec.LastError
	}
	for _, sess := range rec.Sessions {
		if sess.Status == manifest.StatusFailed && sess.LastError != "" {
			return sess.LastError
		}
	}
	return ""
}

// PlanResume produces the dry-run plan for the current project state.
func PlanResume(ctx context.Context, e *engine.Engine) (*engine.Preview, error) {
	return e.Preview(ctx)
}

// WriteStatus renders a status snapshot as aligned text.
func WriteStatus(w io.Writer, st *ProjectStatus) error {
	if !st.Exists {
		_, err := fmt.Fprintln(w, "No manifest found: nothing has run yet.")
		return err
	}

	fmt.Fprintf(w, "Project: %s", st.Project)
	if st.ToolVersion != "" {
		fmt.Fprintf(w, " (tool %s)", st.ToolVersion)
	}
	fmt.Fprintf(w, "\nUpdated: %s\n\n", st.UpdatedAt.Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tITEMS\tERROR")
	for _, s := range st.Stages {
		items := "-"
		if s.Total > 0 {
			items = fmt.Sprintf("%d/%d", s.Done, s.Total)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Status, items, s.LastError)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\nUsage: %d calls, %d in / %d out tokens, ~$%.2f\n",
		st.Usage.Calls, st.Usage.InputTokens, st.Usage.OutputTokens,
		st.Usage.EstimatedCostCents/100)
	return err
}

// WritePlan renders a dry-run plan: what would run, what stays cached,
// and the estimated spend.
func WritePlan(w io.Writer, pv *engine.Preview) error {
	if !pv.HasWork {
		_, err := fmt.Fprintln(w, "Everything is up to date; a run would spend nothing.")
		return err
	}

	for _, sp := range pv.Stages {
		switch {
		case sp.Pool && sp.Stale:
			fmt.Fprintf(w, "%s: full recompute (%s) on %s/%s\n",
				sp.Stage, sp.Reason, sp.Backend, sp.Model)
		case sp.Pool:
			fmt.Fprintf(w, "%s: cached\n", sp.Stage)
		default:
			fmt.Fprintf(w, "%s: %d to compute, %d cached, %d removed\n",
				sp.Stage, len(sp.Compute), len(sp.Cached), len(sp.Removed))
			for _, id := range sp.Compute {
				fmt.Fprintf(w, "  + %s\n", id)
			}
			for _, id := range sp.Removed {
				fmt.Fprintf(w, "  - %s\n", id)
			}
		}
	}

	_, err := fmt.Fprintf(w, "\nEstimated: %d calls, ~%d input tokens, ~$%.2f\n",
		pv.Total.Calls, pv.Total.InputTokens, pv.Total.EstimatedCostCents/100)
	return err
}
