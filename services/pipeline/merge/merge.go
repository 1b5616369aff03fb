// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package merge reconciles freshly recomputed stage output with human
// curation of the previous output.
//
// Precedence is human-wins, keyed by stable entry keys: an entry the
// human edited keeps the human version as long as its key survives in
// the fresh output. Entries whose key vanished are dropped along with
// any curation, and brand-new entries come through untouched. Matching
// is exact by key; there is no fuzzy matching.
package merge

import "encoding/json"

// Entry is one keyed unit of machine output.
type Entry struct {
	Key  string          `json:"key"`
	Body json.RawMessage `json:"body"`
}

// Curated is one keyed unit of the previously reviewed output. Edited
// marks entries a human actually changed; unedited entries carry no
// precedence and are replaced by fresh output.
type Curated struct {
	Key    string          `json:"key"`
	Body   json.RawMessage `json:"body"`
	Edited bool            `json:"edited"`
}

// Result is the reconciled output plus an account of every decision.
type Result struct {
	// Entries is the merged output in fresh-output order.
	Entries []Entry

	// KeptHuman lists keys where the human version won.
	KeptHuman []string

	// Added lists keys new in the fresh output.
	Added []string

	// Dropped lists curated keys whose source entry vanished; their
	// curation is discarded with them.
	Dropped []string
}

// Resolve merges fresh machine output with the curated previous output.
//
// Description:
//
//	Walks the fresh entries in order. A key with a human-edited curated
//	counterpart keeps the curated body; everything else takes the fresh
//	body. Curated entries whose key is absent from the fresh output are
//	dropped: when the source material goes away, so does its curation.
//
// Inputs:
//
//	fresh - The recomputed stage output. Order is preserved.
//	curated - The reviewed previous output, possibly edited.
//
// Outputs:
//
//	*Result - Merged entries plus per-key decisions. Never nil.
func Resolve(fresh []Entry, curated []Curated) *Result {
	curatedByKey := make(map[string]Curated, len(curated))
	for _, c := range curated {
		curatedByKey[c.Key] = c
	}

	res := &Result{Entries: make([]Entry, 0, len(fresh))}
	seen := make(map[string]bool, len(fresh))

	for _, f := range fresh {
		seen[f.Key] = true

		c, had := curatedByKey[f.Key]
		switch {
		case had && c.Edited:
			res.Entries = append(res.Entries, Entry{Key: f.Key, Body: c.Body})
			res.KeptHuman = append(res.KeptHuman, f.Key)
		case had:
			res.Entries = append(res.Entries, f)
		default:
			res.Entries = append(res.Entries, f)
			res.Added = append(res.Added, f.Key)
		}
	}

	for _, c := range curated {
		if !seen[c.Key] {
			res.Dropped = append(res.Dropped, c.Key)
		}
	}

	return res
}
