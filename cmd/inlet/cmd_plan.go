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
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/inletlabs/inlet/services/pipeline/config"
	"github.com/inletlabs/inlet/services/pipeline/engine"
	"github.com/inletlabs/inlet/services/pipeline/report"
	"github.com/inletlabs/inlet/services/stages"
)

// runPlanCommand shows what a run would recompute and roughly what it
// would cost, without touching the manifest or the backend. No lock is
// taken and no API key is needed.
func runPlanCommand(cmd *cobra.Command, args []string) {
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

	logger := newLogger(projectRoot, false)
	defer logger.Close()

	client := stages.Client(&stages.EstimateOnlyClient{
		BackendType: cfg.Backend.Type,
		Model:       cfg.Backend.Model,
	})

	srcDir := cfg.Source.Dir
	if !filepath.IsAbs(srcDir) {
		srcDir = filepath.Join(projectRoot, srcDir)
	}
	source := stages.NewDirSource(srcDir, cfg.Source.Glob)

	store := openStore(projectRoot, logger)
	e, err := engine.New(store, source, stages.FromConfig(cfg, client),
		engine.WithLogger(logger.Slog()),
		engine.WithToolVersion(Version),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}

	pv, err := report.PlanResume(context.Background(), e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	if err := report.WritePlan(os.Stdout, pv); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
}
