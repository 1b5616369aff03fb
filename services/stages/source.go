// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stages provides the pipeline's stage collaborators: the item
// source that enumerates interview material, and LLM-backed per-item
// and whole-pool stages built from the project config.
package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/inletlabs/inlet/services/pipeline/engine"
	"github.com/inletlabs/inlet/services/pipeline/hash"
)

// DirSource enumerates files matching a glob in one directory. The
// item ID is the file name without extension; it must stay stable for
// caching to work, so renaming a file means recomputing it.
type DirSource struct {
	Dir    string
	Glob   string
	Hasher *hash.Hasher
}

// NewDirSource creates a source over dir. An empty glob matches *.txt.
func NewDirSource(dir, glob string) *DirSource {
	if glob == "" {
		glob = "*.txt"
	}
	return &DirSource{Dir: dir, Glob: glob, Hasher: hash.NewHasher()}
}

// Items lists matching files with their content fingerprints.
func (s *DirSource) Items(ctx context.Context) ([]engine.Item, error) {
	matches, err := filepath.Glob(filepath.Join(s.Dir, s.Glob))
	if err != nil {
		return nil, fmt.Errorf("bad source glob %q: %w", s.Glob, err)
	}

	items := make([]engine.Item, 0, len(matches))
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		h, err := s.Hasher.Fingerprint(path)
		if err != nil {
			return nil, fmt.Errorf("fingerprint %s: %w", path, err)
		}
		base := filepath.Base(path)
		id := strings.TrimSuffix(base, filepath.Ext(base))
		items = append(items, engine.Item{ID: id, Path: path, InputHash: h})
	}
	return items, nil
}
