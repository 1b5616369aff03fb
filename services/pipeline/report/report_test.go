// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletlabs/inlet/services/pipeline/engine"
	"github.com/inletlabs/inlet/services/pipeline/manifest"
)

func TestStatus(t *testing.T) {
	t.Run("missing manifest reports nothing run yet", func(t *testing.T) {
		store := manifest.NewStore(t.TempDir())

		st, err := Status(store)
		require.NoError(t, err)
		assert.False(t, st.Exists)

		var buf strings.Builder
		require.NoError(t, WriteStatus(&buf, st))
		assert.Contains(t, buf.String(), "nothing has run yet")
	})

	t.Run("summarizes stages with item counts", func(t *testing.T) {
		store := manifest.NewStore(t.TempDir())
		m := manifest.NewManifest("study-a", "0.3.0")

		rec := m.Stage("transcribe")
		for _, id := range []string{"s1", "s2", "s3"} {
			rec.Session(id).Status = manifest.StatusComplete
		}
		rec.Session("s4").Status = manifest.StatusFailed
		rec.Session("s4").LastError = "quota exhausted"
		rec.Status = rec.DeriveStatus()
		m.Usage = manifest.Usage{Calls: 4, InputTokens: 100, OutputTokens: 40, EstimatedCostCents: 125}
		require.NoError(t, store.Save(m))

		st, err := Status(store)
		require.NoError(t, err)
		require.True(t, st.Exists)
		require.Len(t, st.Stages, 1)
		assert.Equal(t, "transcribe", st.Stages[0].Name)
		assert.Equal(t, manifest.StatusPartial, st.Stages[0].Status)
		assert.Equal(t, 3, st.Stages[0].Done)
		assert.Equal(t, 4, st.Stages[0].Total)
		assert.Equal(t, "quota exhausted", st.Stages[0].LastError)

		var buf strings.Builder
		require.NoError(t, WriteStatus(&buf, st))
		out := buf.String()
		assert.Contains(t, out, "study-a")
		assert.Contains(t, out, "3/4")
		assert.Contains(t, out, "$1.25")
	})

	t.Run("demotions from validation are visible but not persisted", func(t *testing.T) {
		// A COMPLETE claim with no artifact behind it must show as
		// pending in status without rewriting the manifest file.
		store := manifest.NewStore(t.TempDir())
		m := manifest.NewManifest("p", "")
		sess := m.Stage("transcribe").Session("s1")
		sess.Status = manifest.StatusComplete
		sess.ArtifactPath = store.ArtifactPath("transcribe", "s1")
		require.NoError(t, store.Save(m))

		st, err := Status(store)
		require.NoError(t, err)
		assert.Equal(t, manifest.StatusPending, st.Stages[0].Status)
	})
}

func TestWritePlan(t *testing.T) {
	t.Run("no work", func(t *testing.T) {
		var buf strings.Builder
		require.NoError(t, WritePlan(&buf, &engine.Preview{HasWork: false}))
		assert.Contains(t, buf.String(), "spend nothing")
	})

	t.Run("lists compute and removed items with estimate", func(t *testing.T) {
		pv := &engine.Preview{
			HasWork: true,
			Stages: []engine.StagePreview{
				{
					Stage:   "transcribe",
					Compute: []string{"s2"},
					Cached:  []string{"s1", "s3"},
					Removed: []string{"s4"},
				},
				{
					Stage:   "cluster",
					Pool:    true,
					Stale:   true,
					Reason:  "pool membership or member content changed",
					Backend: "openai",
					Model:   "gpt-4o-mini",
				},
			},
			Total: engine.Estimate{Calls: 2, InputTokens: 500, EstimatedCostCents: 14},
		}

		var buf strings.Builder
		require.NoError(t, WritePlan(&buf, pv))
		out := buf.String()
		assert.Contains(t, out, "transcribe: 1 to compute, 2 cached, 1 removed")
		assert.Contains(t, out, "+ s2")
		assert.Contains(t, out, "- s4")
		assert.Contains(t, out, "cluster: full recompute")
		assert.Contains(t, out, "~$0.14")
	})
}
