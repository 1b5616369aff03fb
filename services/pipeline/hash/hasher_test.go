// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hash

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHasher_Fingerprint(t *testing.T) {
	t.Run("produces known sha256 for small file", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "test.txt")
		if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		hasher := NewHasher()
		ch, err := hasher.Fingerprint(path)
		if err != nil {
			t.Fatalf("Fingerprint: %v", err)
		}

		// SHA256 of "hello world"
		want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
		if ch.Digest != want {
			t.Errorf("Digest = %s, want %s", ch.Digest, want)
		}
		if ch.Size != 11 {
			t.Errorf("Size = %d, want 11", ch.Size)
		}
		if ch.MtimeNS == 0 {
			t.Error("MtimeNS = 0, want non-zero")
		}
		if ch.Sampled {
			t.Error("Sampled = true, want false for small file")
		}
	})

	t.Run("digest is independent of mtime", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "test.txt")
		if err := os.WriteFile(path, []byte("stable content"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		hasher := NewHasher()
		first, err := hasher.Fingerprint(path)
		if err != nil {
			t.Fatalf("Fingerprint: %v", err)
		}

		// Touch mtime without changing bytes.
		future := time.Now().Add(time.Hour)
		if err := os.Chtimes(path, future, future); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}

		second, err := hasher.Fingerprint(path)
		if err != nil {
			t.Fatalf("Fingerprint after touch: %v", err)
		}
		if first.Digest != second.Digest {
			t.Errorf("digests differ after mtime touch: %s vs %s", first.Digest, second.Digest)
		}
		if first.MtimeNS == second.MtimeNS {
			t.Error("MtimeNS unchanged, expected touch to move it")
		}
	})

	t.Run("non-existent file returns ErrUnreadable", func(t *testing.T) {
		hasher := NewHasher()
		_, err := hasher.Fingerprint("/nonexistent/file.txt")
		if !errors.Is(err, ErrUnreadable) {
			t.Errorf("error = %v, want ErrUnreadable", err)
		}
	})

	t.Run("directory returns ErrNotRegular", func(t *testing.T) {
		hasher := NewHasher()
		_, err := hasher.Fingerprint(t.TempDir())
		if !errors.Is(err, ErrNotRegular) {
			t.Errorf("error = %v, want ErrNotRegular", err)
		}
	})

	t.Run("large file uses sampled digest", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "large.bin")
		if err := os.WriteFile(path, make([]byte, 4096), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		hasher := NewHasher(WithLargeFileThreshold(1024))
		ch, err := hasher.Fingerprint(path)
		if err != nil {
			t.Fatalf("Fingerprint: %v", err)
		}
		if !ch.Sampled {
			t.Error("Sampled = false, want true above threshold")
		}

		full := NewHasher()
		fullCh, err := full.Fingerprint(path)
		if err != nil {
			t.Fatalf("Fingerprint full: %v", err)
		}
		if fullCh.Sampled {
			t.Error("Sampled = true, want false below default threshold")
		}
		if ch.Digest == fullCh.Digest {
			t.Error("sampled and full digests collide, want distinct domains")
		}
	})
}

func TestHasher_Unchanged(t *testing.T) {
	t.Run("mtime touch with identical bytes reports unchanged", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "test.txt")
		if err := os.WriteFile(path, []byte("same bytes"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		hasher := NewHasher()
		prev, err := hasher.Fingerprint(path)
		if err != nil {
			t.Fatalf("Fingerprint: %v", err)
		}

		future := time.Now().Add(time.Hour)
		if err := os.Chtimes(path, future, future); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}

		unchanged, err := hasher.Unchanged(path, prev)
		if err != nil {
			t.Fatalf("Unchanged: %v", err)
		}
		if !unchanged {
			t.Error("Unchanged = false after mtime-only touch, want true")
		}
	})

	t.Run("fast path skips read when signature matches", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "test.txt")
		if err := os.WriteFile(path, []byte("content"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		hasher := NewHasher()
		prev, err := hasher.Fingerprint(path)
		if err != nil {
			t.Fatalf("Fingerprint: %v", err)
		}

		// Make the file unreadable. If the fast path stats only, the
		// signature match must still succeed.
		if err := os.Chmod(path, 0000); err != nil {
			t.Fatalf("Chmod: %v", err)
		}
		defer os.Chmod(path, 0644)

		unchanged, err := hasher.Unchanged(path, prev)
		if err != nil {
			t.Fatalf("Unchanged: %v", err)
		}
		if !unchanged {
			t.Error("Unchanged = false with matching signature, want true")
		}
	})

	t.Run("changed content reports changed", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "test.txt")
		if err := os.WriteFile(path, []byte("before"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		hasher := NewHasher()
		prev, err := hasher.Fingerprint(path)
		if err != nil {
			t.Fatalf("Fingerprint: %v", err)
		}

		if err := os.WriteFile(path, []byte("after!"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		unchanged, err := hasher.Unchanged(path, prev)
		if err != nil {
			t.Fatalf("Unchanged: %v", err)
		}
		if unchanged {
			t.Error("Unchanged = true after rewrite, want false")
		}
	})

	t.Run("deleted file reports changed without error", func(t *testing.T) {
		hasher := NewHasher()
		prev := ContentHash{Digest: "abc", Size: 3, MtimeNS: 1}
		unchanged, err := hasher.Unchanged("/nonexistent/file.txt", prev)
		if err != nil {
			t.Fatalf("Unchanged: %v", err)
		}
		if unchanged {
			t.Error("Unchanged = true for deleted file, want false")
		}
	})
}

func TestHasher_Verify(t *testing.T) {
	t.Run("exhaustive ignores signature and rehashes", func(t *testing.T) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "test.txt")
		if err := os.WriteFile(path, []byte("original"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		hasher := NewHasher()
		recorded, err := hasher.Fingerprint(path)
		if err != nil {
			t.Fatalf("Fingerprint: %v", err)
		}

		// Corrupt the content but forge the signature back.
		info, _ := os.Stat(path)
		if err := os.WriteFile(path, []byte("corrupt!"), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}

		ok, err := hasher.Verify(path, recorded, false)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !ok {
			t.Error("non-exhaustive Verify = false, want true (signature trusted)")
		}

		ok, err = hasher.Verify(path, recorded, true)
		if err != nil {
			t.Fatalf("Verify exhaustive: %v", err)
		}
		if ok {
			t.Error("exhaustive Verify = true for corrupted file, want false")
		}
	})

	t.Run("missing file fails verification without error", func(t *testing.T) {
		hasher := NewHasher()
		ok, err := hasher.Verify("/nonexistent", ContentHash{Digest: "abc", Size: 1}, false)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if ok {
			t.Error("Verify = true for missing file, want false")
		}
	})
}

func TestHasher_FingerprintBytes(t *testing.T) {
	hasher := NewHasher()
	ch := hasher.FingerprintBytes([]byte{})
	// SHA256 of empty input
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if ch.Digest != want {
		t.Errorf("Digest = %s, want %s", ch.Digest, want)
	}
	if ch.Size != 0 {
		t.Errorf("Size = %d, want 0", ch.Size)
	}
}
