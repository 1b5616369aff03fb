// Copyright (C) 2026 Inlet Labs (oss@inletlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const (
	// DefaultLargeFileThreshold is the size above which files are
	// fingerprinted from a prefix+suffix sample instead of full content.
	DefaultLargeFileThreshold = 64 << 20 // 64 MiB

	// sampleSize is the number of bytes read from each end of a large file.
	sampleSize = 1 << 20 // 1 MiB

	// DefaultMaxRetries is the retry count for hashing a file that is
	// being concurrently written.
	DefaultMaxRetries = 3
)

// ContentHash is a stable fingerprint of a file or byte sequence.
//
// Digest identifies the content. Size and MtimeNS form the cheap
// signature used for the fast-path equality check: if both match a
// previously recorded hash, the content is assumed unchanged without
// re-reading it. Sampled marks digests computed from a prefix+suffix
// sample of a large file.
type ContentHash struct {
	Digest  string `json:"digest"`
	Size    int64  `json:"size"`
	MtimeNS int64  `json:"mtime_ns"`
	Sampled bool   `json:"sampled,omitempty"`
}

// IsZero reports whether the hash has never been recorded.
func (h ContentHash) IsZero() bool {
	return h.Digest == ""
}

// SignatureMatches reports whether the stat info matches the recorded
// size+mtime signature. A match means the digest can be trusted without
// re-reading the file; a mismatch means nothing by itself.
func (h ContentHash) SignatureMatches(info os.FileInfo) bool {
	return !h.IsZero() && info.Size() == h.Size && info.ModTime().UnixNano() == h.MtimeNS
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithLargeFileThreshold sets the size above which sampling is used.
// A threshold of 0 disables sampling entirely.
func WithLargeFileThreshold(bytes int64) Option {
	return func(h *Hasher) {
		h.largeFileThreshold = bytes
	}
}

// WithMaxRetries sets the retry count for hashing unstable files.
func WithMaxRetries(n int) Option {
	return func(h *Hasher) {
		h.maxRetries = n
	}
}

// Hasher computes content fingerprints.
//
// Thread Safety: Hasher is safe for concurrent use.
type Hasher struct {
	largeFileThreshold int64
	maxRetries         int
}

// NewHasher creates a Hasher with the given options.
//
// Default configuration:
//   - largeFileThreshold: 64 MiB
//   - maxRetries: 3
func NewHasher(opts ...Option) *Hasher {
	h := &Hasher{
		largeFileThreshold: DefaultLargeFileThreshold,
		maxRetries:         DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.maxRetries < 1 {
		h.maxRetries = 1
	}
	return h
}

// FingerprintBytes fingerprints an in-memory byte sequence.
//
// The signature fields are Size=len(b) and MtimeNS=0; bytes have no
// stat info, so the fast path never applies to them.
func (h *Hasher) FingerprintBytes(b []byte) ContentHash {
	sum := sha256.Sum256(b)
	return ContentHash{
		Digest: hex.EncodeToString(sum[:]),
		Size:   int64(len(b)),
	}
}

// Fingerprint fingerprints the file at path.
//
// Description:
//
//	Stats the file, then hashes either the full content or, for files at
//	or above the large-file threshold, a prefix+suffix+size sample. The
//	stat is repeated after hashing: if size or mtime moved while reading,
//	the attempt is retried up to maxRetries times before returning
//	ErrUnstable.
//
// Outputs:
//
//	ContentHash - The fingerprint with its size+mtime signature.
//	error - ErrUnreadable, ErrNotRegular, or ErrUnstable.
func (h *Hasher) Fingerprint(path string) (ContentHash, error) {
	for attempt := 0; attempt < h.maxRetries; attempt++ {
		before, err := os.Stat(path)
		if err != nil {
			return ContentHash{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		if !before.Mode().IsRegular() {
			return ContentHash{}, fmt.Errorf("%w: %s", ErrNotRegular, path)
		}

		ch, err := h.digest(path, before.Size())
		if err != nil {
			return ContentHash{}, err
		}
		ch.Size = before.Size()
		ch.MtimeNS = before.ModTime().UnixNano()

		// TOCTOU check: re-stat and confirm the file held still.
		after, err := os.Stat(path)
		if err != nil {
			return ContentHash{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		if after.Size() == before.Size() && after.ModTime().Equal(before.ModTime()) {
			return ch, nil
		}
	}
	return ContentHash{}, fmt.Errorf("%w: %s", ErrUnstable, path)
}

// Unchanged reports whether the file at path still matches prev.
//
// Description:
//
//	Fast path first: if the size+mtime signature matches, the file is
//	assumed unchanged without reading it. Otherwise the digest is
//	recomputed and compared, so a touched mtime with identical bytes
//	still reports unchanged.
//
// Outputs:
//
//	bool - True if content is unchanged.
//	error - ErrUnreadable if the file cannot be statted or read. A
//	        missing file returns (false, nil): deletion is a change.
func (h *Hasher) Unchanged(path string, prev ContentHash) (bool, error) {
	if prev.IsZero() {
		return false, nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if prev.SignatureMatches(info) {
		return true, nil
	}
	current, err := h.Fingerprint(path)
	if err != nil {
		return false, err
	}
	return current.Digest == prev.Digest, nil
}

// Verify re-derives the file's fingerprint and compares it to expected.
//
// Description:
//
//	With exhaustive=false the size+mtime signature is trusted: a
//	matching signature verifies without reading the file. With
//	exhaustive=true the digest is always recomputed. Sampled digests
//	are recomputed with the same sampling strategy they were recorded
//	with, since a sampled and a full digest are not comparable.
func (h *Hasher) Verify(path string, expected ContentHash, exhaustive bool) (bool, error) {
	if expected.IsZero() {
		return false, nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if !exhaustive && expected.SignatureMatches(info) {
		return true, nil
	}

	var current ContentHash
	if expected.Sampled {
		current, err = h.sampledDigest(path, info.Size())
	} else {
		current, err = h.fullDigest(path)
	}
	if err != nil {
		return false, err
	}
	return current.Digest == expected.Digest, nil
}

// digest picks the hashing strategy by file size.
func (h *Hasher) digest(path string, size int64) (ContentHash, error) {
	if h.largeFileThreshold > 0 && size >= h.largeFileThreshold {
		return h.sampledDigest(path, size)
	}
	return h.fullDigest(path)
}

// fullDigest streams the entire file through SHA256.
func (h *Hasher) fullDigest(path string) (ContentHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return ContentHash{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return ContentHash{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return ContentHash{Digest: hex.EncodeToString(sum.Sum(nil))}, nil
}

// sampledDigest hashes the first and last sampleSize bytes plus the file
// size. Collisions require identical head, tail, and length, which is an
// accepted trade-off for media files that are expensive to read in full.
func (h *Hasher) sampledDigest(path string, size int64) (ContentHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return ContentHash{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	sum := sha256.New()

	head := make([]byte, sampleSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return ContentHash{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	sum.Write(head[:n])

	if size > sampleSize {
		tailStart := size - sampleSize
		if tailStart < sampleSize {
			tailStart = sampleSize
		}
		tail := make([]byte, size-tailStart)
		if _, err := f.ReadAt(tail, tailStart); err != nil && err != io.EOF {
			return ContentHash{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		sum.Write(tail)
	}

	var sizeBytes [8]byte
	binary.BigEndian.PutUint64(sizeBytes[:], uint64(size))
	sum.Write(sizeBytes[:])

	return ContentHash{
		Digest:  hex.EncodeToString(sum.Sum(nil)),
		Sampled: true,
	}, nil
}
