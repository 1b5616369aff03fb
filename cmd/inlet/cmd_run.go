// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/inletlabs/inlet/pkg/telemetry"
	"github.com/inletlabs/inlet/services/pipeline/config"
	"github.com/inletlabs/inlet/services/pipeline/engine"
	"github.com/inletlabs/inlet/services/pipeline/lock"
	"github.com/inletlabs/inlet/services/pipeline/manifest"
)

// runRunCommand executes the pipeline.
//
// # Exit Codes
//
//	0 - Everything up to date or fully recomputed
//	1 - Run failed before any stage work
//	2 - Bad arguments or missing config
//	3 - Partial run: some items failed, rerun to resume
//	4 - Another inlet process holds the project lock
func runRunCommand(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	projectRoot, err := resolveProject()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitBadArgs)
	}

	cfg, err := config.Load(projectRoot)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Error: no %s in %s (run 'inlet init' to create one)\n",
				config.FileName, projectRoot)
			os.Exit(ExitBadArgs)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitBadArgs)
	}

	logger := newLogger(projectRoot, true)
	defer logger.Close()

	if traceRuns {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "inlet",
			ServiceVersion: Version,
			TraceExporter:  "stdout",
			MetricExporter: "stdout",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: telemetry: %v\n", err)
			os.Exit(ExitFailure)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	sessionID := uuid.NewString()
	projLock := lock.New(
		filepath.Join(projectRoot, manifest.StateDir), sessionID,
		lock.WithLockLogger(logger.Slog()),
	)
	if err := projLock.Acquire("run"); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitLocked)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	defer projLock.Release()

	// A config edit mid-run changes stage prompts and identities out
	// from under the planner; warn so the operator knows to rerun.
	stopWatch, err := lock.WatchFile(
		filepath.Join(projectRoot, config.FileName), logger.Slog(),
		func(op string) {
			logger.Warn("config changed during run; results follow the old config, rerun after",
				"op", op)
		})
	if err == nil {
		defer stopWatch()
	}

	workersOverride, _ := cmd.Flags().GetInt("workers")
	e, _, err := buildEngine(projectRoot, cfg, logger, workersOverride)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}

	result, err := e.Run(ctx)
	if result != nil {
		printRunSummary(result)
	}
	if err != nil {
		if errors.Is(err, engine.ErrPartialRun) {
			fmt.Fprintf(os.Stderr, "Run stopped: %v\nRerun 'inlet run' to resume.\n", err)
			os.Exit(ExitPartial)
		}
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Interrupted. Completed items are saved; rerun to resume.")
			os.Exit(ExitPartial)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
}

func printRunSummary(r *engine.RunResult) {
	if r.Computed == 0 && r.Removed == 0 && r.Failed == 0 {
		fmt.Printf("Everything up to date (%d cached results).\n", r.Cached)
		return
	}
	fmt.Printf("Run %s: %d computed, %d cached, %d removed",
		r.RunID, r.Computed, r.Cached, r.Removed)
	if r.Failed > 0 {
		fmt.Printf(", %d failed", r.Failed)
	}
	fmt.Println()
	if r.Usage.Calls > 0 {
		fmt.Printf("Spent: %d calls, %d in / %d out tokens, ~$%.2f\n",
			r.Usage.Calls, r.Usage.InputTokens, r.Usage.OutputTokens,
			r.Usage.EstimatedCostCents/100)
	}
}
