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
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/inletlabs/inlet/services/pipeline/config"
)

// runInitCommand writes a starter inlet.yaml. It refuses to overwrite
// an existing one.
func runInitCommand(cmd *cobra.Command, args []string) {
	projectRoot, err := resolveProject()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitBadArgs)
	}

	project := filepath.Base(projectRoot)
	if len(args) == 1 {
		project = args[0]
	}

	if err := config.WriteDefault(projectRoot, project); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}

	fmt.Printf("Wrote %s for project %q.\n",
		filepath.Join(projectRoot, config.FileName), project)
	fmt.Println("Edit the stages and backend, put transcripts in the source dir, then 'inlet run'.")
}

func runVersionCommand(cmd *cobra.Command, args []string) {
	fmt.Printf("inlet %s\n", Version)
}
