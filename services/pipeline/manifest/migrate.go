// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package manifest

import (
	"encoding/json"
	"fmt"
)

// migration is a pure, forward-only transformation from schema version n
// to n+1, applied to the decoded JSON document.
type migration func(doc map[string]any) error

// migrations[n] upgrades a version-n document to version n+1.
var migrations = map[int]migration{
	1: migrateV1ToV2,
}

// migrate upgrades raw manifest JSON to the current schema version.
//
// A document newer than SchemaVersion fails with ErrSchemaTooNew; there
// is no downgrade path. Migrations apply in sequence, each bumping
// schema_version by exactly one.
func migrate(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	version, ok := doc["schema_version"].(float64)
	if !ok {
		return nil, fmt.Errorf("%w: missing schema_version", ErrCorrupt)
	}
	v := int(version)

	if v > SchemaVersion {
		return nil, fmt.Errorf("%w: got v%d, this build understands up to v%d",
			ErrSchemaTooNew, v, SchemaVersion)
	}
	if v == SchemaVersion {
		return data, nil
	}

	for ; v < SchemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return nil, fmt.Errorf("%w: no migration from v%d", ErrCorrupt, v)
		}
		if err := step(doc); err != nil {
			return nil, fmt.Errorf("migrate v%d->v%d: %w", v, v+1, err)
		}
		doc["schema_version"] = v + 1
	}

	return json.Marshal(doc)
}

// migrateV1ToV2 upgrades the original schema:
//
//   - usage.estimated_cost_usd (dollars) becomes usage.estimated_cost_cents
//   - session "provider" is split into "backend" and "model"
//     ("openai/gpt-4o-mini" style identifiers)
func migrateV1ToV2(doc map[string]any) error {
	if usage, ok := doc["usage"].(map[string]any); ok {
		if usd, ok := usage["estimated_cost_usd"].(float64); ok {
			usage["estimated_cost_cents"] = usd * 100
			delete(usage, "estimated_cost_usd")
		}
	}

	stages, ok := doc["stages"].(map[string]any)
	if !ok {
		return nil
	}
	for _, sv := range stages {
		stage, ok := sv.(map[string]any)
		if !ok {
			continue
		}
		sessions, ok := stage["sessions"].(map[string]any)
		if !ok {
			continue
		}
		for _, rv := range sessions {
			rec, ok := rv.(map[string]any)
			if !ok {
				continue
			}
			provider, ok := rec["provider"].(string)
			if !ok {
				continue
			}
			backend, model := provider, ""
			for i := 0; i < len(provider); i++ {
				if provider[i] == '/' {
					backend, model = provider[:i], provider[i+1:]
					break
				}
			}
			rec["backend"] = backend
			if model != "" {
				rec["model"] = model
			}
			delete(rec, "provider")
		}
	}
	return nil
}
