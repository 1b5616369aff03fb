// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "0.3.0-dev"

// Exit codes shared by all subcommands.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitBadArgs = 2

	// ExitPartial means the run stopped with some items failed; a rerun
	// will resume from where it left off.
	ExitPartial = 3

	// ExitLocked means another inlet process holds the project lock.
	ExitLocked = 4
)

// --- Global Command Variables ---
var (
	projectDir string
	logLevel   string
	logJSON    bool
	traceRuns  bool

	rootCmd = &cobra.Command{
		Use:   "inlet",
		Short: "Incremental analysis pipelines for interview transcripts",
		Long: `Inlet runs multi-stage LLM analysis pipelines over a directory of
interview transcripts and caches every stage output. Rerunning after an
edit recomputes only the affected items and everything downstream of
them; an interrupted run resumes where it stopped.`,
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline, recomputing only what changed",
		Run:   runRunCommand, // Defined in cmd_run.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show per-stage progress and accumulated spend",
		Run:   runStatusCommand, // Defined in cmd_status.go
	}

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Show what a run would recompute, without running it",
		Run:   runPlanCommand, // Defined in cmd_plan.go
	}

	resetCmd = &cobra.Command{
		Use:   "reset [stage]",
		Short: "Invalidate cached results for one stage or the whole project",
		Args:  cobra.MaximumNArgs(1),
		Run:   runResetCommand, // Defined in cmd_reset.go
	}

	initCmd = &cobra.Command{
		Use:   "init [project-name]",
		Short: "Write a starter inlet.yaml into the project directory",
		Args:  cobra.MaximumNArgs(1),
		Run:   runInitCommand, // Defined in cmd_init.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the inlet version",
		Run:   runVersionCommand,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", ".",
		"Project directory containing inlet.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false,
		"Emit stderr logs as JSON")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&traceRuns, "trace", false,
		"Emit OpenTelemetry spans and metrics to stdout")
	runCmd.Flags().Int("workers", 0,
		"Override the configured worker count")

	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(planCmd)

	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().Bool("yes", false,
		"Skip the confirmation prompt")

	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(versionCmd)
}
