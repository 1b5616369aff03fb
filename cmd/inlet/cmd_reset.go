// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/inletlabs/inlet/services/pipeline/lock"
	"github.com/inletlabs/inlet/services/pipeline/manifest"
)

// runResetCommand invalidates cached results. With a stage argument it
// invalidates that stage and everything downstream of it; without one
// it deletes the whole manifest and artifact cache. Source files and
// inlet.yaml are never touched.
func runResetCommand(cmd *cobra.Command, args []string) {
	projectRoot, err := resolveProject()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitBadArgs)
	}

	logger := newLogger(projectRoot, false)
	defer logger.Close()

	store := openStore(projectRoot, logger)
	m, err := store.Load()
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			fmt.Println("Nothing to reset: no cached results found.")
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}

	var targets []string
	if len(args) == 1 {
		stage := args[0]
		idx := -1
		for i, name := range m.StageOrder {
			if name == stage {
				idx = i
				break
			}
		}
		if idx < 0 {
			fmt.Fprintf(os.Stderr, "Error: unknown stage %q (have: %s)\n",
				stage, strings.Join(m.StageOrder, ", "))
			os.Exit(ExitBadArgs)
		}
		// Downstream stages consumed this stage's output, so they go too.
		targets = m.StageOrder[idx:]
		fmt.Printf("This will invalidate cached results for: %s\n",
			strings.Join(targets, ", "))
	} else {
		fmt.Printf("This will delete ALL cached results for project %q.\n", m.Project)
	}
	fmt.Println("Source files and inlet.yaml are not touched.")

	yes, _ := cmd.Flags().GetBool("yes")
	if !yes && !confirm("Proceed? [y/N] ") {
		fmt.Println("Aborted.")
		return
	}

	projLock := lock.New(
		filepath.Join(projectRoot, manifest.StateDir), uuid.NewString(),
		lock.WithLockLogger(logger.Slog()),
	)
	if err := projLock.Acquire("reset"); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitLocked)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	defer projLock.Release()

	if len(targets) > 0 {
		if err := store.Invalidate(targets); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitFailure)
		}
		fmt.Printf("Invalidated %d stage(s). The next run recomputes them.\n", len(targets))
		return
	}

	if err := store.Delete(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	artifactsDir := filepath.Join(projectRoot, manifest.StateDir, manifest.ArtifactsDir)
	if err := os.RemoveAll(artifactsDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: removing artifacts: %v\n", err)
		os.Exit(ExitFailure)
	}
	fmt.Println("Project cache deleted. The next run starts from scratch.")
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
