// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inletlabs/inlet/services/pipeline/report"
)

// runStatusCommand prints per-stage progress. It only reads the
// manifest, so it works while a run is in flight and never takes the
// project lock.
func runStatusCommand(cmd *cobra.Command, args []string) {
	projectRoot, err := resolveProject()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitBadArgs)
	}

	logger := newLogger(projectRoot, false)
	defer logger.Close()

	st, err := report.Status(openStore(projectRoot, logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	if err := report.WriteStatus(os.Stdout, st); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
}
