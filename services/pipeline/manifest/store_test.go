// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/inletlabs/inlet/services/pipeline/hash"
)

func writeArtifact(t *testing.T, store *Store, stage, item, content string) (string, hash.ContentHash) {
	t.Helper()
	path := store.ArtifactPath(stage, item)
	if err := WriteFileAtomic(path, []byte(content)); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	ch, err := hash.NewHasher().Fingerprint(path)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	return path, ch
}

func TestStore_LoadSave(t *testing.T) {
	t.Run("load without manifest returns ErrNotFound", func(t *testing.T) {
		store := NewStore(t.TempDir())
		_, err := store.Load()
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("save then load round-trips", func(t *testing.T) {
		store := NewStore(t.TempDir())
		m := NewManifest("study-a", "0.3.0")
		m.Stage("transcribe").Session("s1").Status = StatusPending

		if err := store.Save(m); err != nil {
			t.Fatalf("Save: %v", err)
		}
		loaded, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded.Project != "study-a" {
			t.Errorf("Project = %s, want study-a", loaded.Project)
		}
		if loaded.SchemaVersion != SchemaVersion {
			t.Errorf("SchemaVersion = %d, want %d", loaded.SchemaVersion, SchemaVersion)
		}
		if got := loaded.Stages["transcribe"].Sessions["s1"].Status; got != StatusPending {
			t.Errorf("session status = %s, want pending", got)
		}
	})

	t.Run("save leaves no temp files behind", func(t *testing.T) {
		root := t.TempDir()
		store := NewStore(root)
		if err := store.Save(NewManifest("p", "")); err != nil {
			t.Fatalf("Save: %v", err)
		}

		entries, err := os.ReadDir(filepath.Join(root, StateDir))
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		for _, e := range entries {
			if strings.Contains(e.Name(), ".tmp") {
				t.Errorf("temp file left behind: %s", e.Name())
			}
		}
	})

	t.Run("unparseable manifest returns ErrCorrupt", func(t *testing.T) {
		root := t.TempDir()
		store := NewStore(root)
		os.MkdirAll(filepath.Join(root, StateDir), 0755)
		os.WriteFile(store.Path(), []byte("{truncated"), 0644)

		_, err := store.Load()
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("error = %v, want ErrCorrupt", err)
		}
	})
}

func TestStore_SchemaVersion(t *testing.T) {
	t.Run("newer schema is a hard stop", func(t *testing.T) {
		root := t.TempDir()
		store := NewStore(root)
		os.MkdirAll(filepath.Join(root, StateDir), 0755)
		doc := fmt.Sprintf(`{"schema_version": %d, "project": "p", "stages": {}}`, SchemaVersion+1)
		os.WriteFile(store.Path(), []byte(doc), 0644)

		_, err := store.Load()
		if !errors.Is(err, ErrSchemaTooNew) {
			t.Errorf("error = %v, want ErrSchemaTooNew", err)
		}
	})

	t.Run("v1 manifest migrates forward", func(t *testing.T) {
		root := t.TempDir()
		store := NewStore(root)
		os.MkdirAll(filepath.Join(root, StateDir), 0755)
		v1 := `{
			"schema_version": 1,
			"project": "legacy",
			"created_at": 1700000000000,
			"updated_at": 1700000000000,
			"stage_order": ["transcribe"],
			"stages": {
				"transcribe": {
					"status": "partial",
					"sessions": {
						"s1": {"id": "s1", "status": "complete", "provider": "openai/gpt-4o-mini"}
					}
				}
			},
			"usage": {"calls": 4, "estimated_cost_usd": 1.25}
		}`
		os.WriteFile(store.Path(), []byte(v1), 0644)

		m, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if m.SchemaVersion != SchemaVersion {
			t.Errorf("SchemaVersion = %d, want %d", m.SchemaVersion, SchemaVersion)
		}
		if m.Usage.EstimatedCostCents != 125 {
			t.Errorf("EstimatedCostCents = %v, want 125", m.Usage.EstimatedCostCents)
		}
		sess := m.Stages["transcribe"].Sessions["s1"]
		if sess.Backend != "openai" || sess.Model != "gpt-4o-mini" {
			t.Errorf("backend/model = %s/%s, want openai/gpt-4o-mini", sess.Backend, sess.Model)
		}
	})
}

func TestStore_LoadValidation(t *testing.T) {
	t.Run("running records are demoted to pending", func(t *testing.T) {
		store := NewStore(t.TempDir())
		m := NewManifest("p", "")
		m.Stage("transcribe").Session("s1").Status = StatusRunning
		m.Stage("cluster").Status = StatusRunning
		if err := store.Save(m); err != nil {
			t.Fatalf("Save: %v", err)
		}

		loaded, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got := loaded.Stages["transcribe"].Sessions["s1"].Status; got != StatusPending {
			t.Errorf("session status = %s, want pending", got)
		}
		if got := loaded.Stages["cluster"].Status; got != StatusPending {
			t.Errorf("stage status = %s, want pending", got)
		}
	})

	t.Run("complete session with missing artifact is demoted", func(t *testing.T) {
		store := NewStore(t.TempDir())
		m := NewManifest("p", "")
		sess := m.Stage("transcribe").Session("s1")
		sess.Status = StatusComplete
		sess.ArtifactPath = store.ArtifactPath("transcribe", "s1")
		sess.OutputHash = hash.ContentHash{Digest: "deadbeef", Size: 10, MtimeNS: 1}
		if err := store.Save(m); err != nil {
			t.Fatalf("Save: %v", err)
		}

		loaded, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		got := loaded.Stages["transcribe"].Sessions["s1"]
		if got.Status != StatusPending {
			t.Errorf("session status = %s, want pending", got.Status)
		}
		if loaded.Stages["transcribe"].Status != StatusPending {
			t.Errorf("stage status = %s, want pending (derived)", loaded.Stages["transcribe"].Status)
		}
	})

	t.Run("complete session with valid artifact survives", func(t *testing.T) {
		store := NewStore(t.TempDir())
		path, ch := writeArtifact(t, store, "transcribe", "s1", `{"text": "hello"}`)

		m := NewManifest("p", "")
		sess := m.Stage("transcribe").Session("s1")
		sess.Status = StatusComplete
		sess.ArtifactPath = path
		sess.OutputHash = ch
		if err := store.Save(m); err != nil {
			t.Fatalf("Save: %v", err)
		}

		loaded, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got := loaded.Stages["transcribe"].Sessions["s1"].Status; got != StatusComplete {
			t.Errorf("session status = %s, want complete", got)
		}
		if got := loaded.Stages["transcribe"].Status; got != StatusComplete {
			t.Errorf("stage status = %s, want complete", got)
		}
	})

	t.Run("missing merged artifact clears stage hash but keeps sessions", func(t *testing.T) {
		store := NewStore(t.TempDir())
		path, ch := writeArtifact(t, store, "transcribe", "s1", "item output")

		m := NewManifest("p", "")
		rec := m.Stage("transcribe")
		sess := rec.Session("s1")
		sess.Status = StatusComplete
		sess.ArtifactPath = path
		sess.OutputHash = ch
		rec.ArtifactPath = store.ArtifactPath("transcribe", "") // never written
		rec.ArtifactHash = hash.ContentHash{Digest: "feed", Size: 8, MtimeNS: 3}
		if err := store.Save(m); err != nil {
			t.Fatalf("Save: %v", err)
		}

		loaded, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		got := loaded.Stages["transcribe"]
		if got.Status != StatusComplete {
			t.Errorf("stage status = %s, want complete (sessions intact)", got.Status)
		}
		if got.Sessions["s1"].Status != StatusComplete {
			t.Errorf("session status = %s, want complete", got.Sessions["s1"].Status)
		}
		if !got.ArtifactHash.IsZero() {
			t.Errorf("ArtifactHash = %+v, want cleared for rebuild", got.ArtifactHash)
		}
	})

	t.Run("one bad session demotes stage to partial not pending", func(t *testing.T) {
		store := NewStore(t.TempDir())
		goodPath, goodHash := writeArtifact(t, store, "transcribe", "s1", "good output")

		m := NewManifest("p", "")
		s1 := m.Stage("transcribe").Session("s1")
		s1.Status = StatusComplete
		s1.ArtifactPath = goodPath
		s1.OutputHash = goodHash
		s2 := m.Stage("transcribe").Session("s2")
		s2.Status = StatusComplete
		s2.ArtifactPath = store.ArtifactPath("transcribe", "s2") // never written
		s2.OutputHash = hash.ContentHash{Digest: "cafe", Size: 4, MtimeNS: 9}
		if err := store.Save(m); err != nil {
			t.Fatalf("Save: %v", err)
		}

		loaded, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got := loaded.Stages["transcribe"].Status; got != StatusPartial {
			t.Errorf("stage status = %s, want partial", got)
		}
	})
}

func TestStore_Update(t *testing.T) {
	t.Run("update creates manifest on first committed work", func(t *testing.T) {
		store := NewStore(t.TempDir())
		_, err := store.Update(func(m *Manifest) error {
			m.Project = "fresh"
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		loaded, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded.Project != "fresh" {
			t.Errorf("Project = %s, want fresh", loaded.Project)
		}
	})

	t.Run("concurrent session commits are all retained", func(t *testing.T) {
		store := NewStore(t.TempDir())
		const n = 16

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("s%02d", i)
				err := store.UpdateSession("transcribe", id, func(s *SessionRecord) {
					s.Status = StatusComplete
				})
				if err != nil {
					t.Errorf("UpdateSession %s: %v", id, err)
				}
			}(i)
		}
		wg.Wait()

		// Skip artifact validation: these sessions have no artifacts.
		data, err := os.ReadFile(store.Path())
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got := len(m.Stages["transcribe"].Sessions); got != n {
			t.Errorf("sessions retained = %d, want %d", got, n)
		}
		if m.Stages["transcribe"].Status != StatusComplete {
			t.Errorf("stage status = %s, want complete (derived)", m.Stages["transcribe"].Status)
		}
	})
}

func TestStageRecord_DeriveStatus(t *testing.T) {
	cases := []struct {
		name     string
		statuses []StageStatus
		want     StageStatus
	}{
		{"all complete", []StageStatus{StatusComplete, StatusComplete}, StatusComplete},
		{"some complete", []StageStatus{StatusComplete, StatusPending}, StatusPartial},
		{"complete plus failed", []StageStatus{StatusComplete, StatusFailed}, StatusPartial},
		{"none complete", []StageStatus{StatusPending, StatusFailed}, StatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &StageRecord{}
			for i, st := range tc.statuses {
				rec.Session(fmt.Sprintf("s%d", i)).Status = st
			}
			if got := rec.DeriveStatus(); got != tc.want {
				t.Errorf("DeriveStatus = %s, want %s", got, tc.want)
			}
		})
	}

	t.Run("stage without sessions keeps own status", func(t *testing.T) {
		rec := &StageRecord{Status: StatusFailed}
		if got := rec.DeriveStatus(); got != StatusFailed {
			t.Errorf("DeriveStatus = %s, want failed", got)
		}
	})
}
