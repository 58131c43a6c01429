// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checksum

import (
	"archive/zip"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// DefaultMaxFileSize bounds how much data a hasher will read from one file.
const DefaultMaxFileSize int64 = 512 * 1024 * 1024

// Algorithm names accepted by NewHasher.
const (
	AlgorithmMD5    = "md5"
	AlgorithmSHA256 = "sha256"
)

// Hasher computes digests of files and of entries inside zip archives.
//
// # Description
//
// Implementations differ only in the underlying hash function and therefore
// in the digest length. All digests are lowercase hex.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Hasher interface {
	// HashFile returns the digest of the file at path.
	HashFile(path string) (string, error)

	// HashArchiveEntry returns the digest of the named entry in a zip archive.
	HashArchiveEntry(archivePath, entryName string) (string, error)

	// Length returns the digest length in hex characters.
	Length() int

	// Algorithm returns the algorithm name.
	Algorithm() string
}

// NewHasher returns the hasher for the given algorithm name.
//
// # Inputs
//
//   - algorithm: "md5" or "sha256". Empty selects md5.
//   - maxFileSize: per-file limit in bytes; 0 selects DefaultMaxFileSize.
//
// # Outputs
//
//   - Hasher: the hasher.
//   - error: non-nil for an unknown algorithm.
func NewHasher(algorithm string, maxFileSize int64) (Hasher, error) {
	switch strings.ToLower(algorithm) {
	case "", AlgorithmMD5:
		return NewMD5Hasher(maxFileSize), nil
	case AlgorithmSHA256:
		return NewSHA256Hasher(maxFileSize), nil
	default:
		return nil, fmt.Errorf("unknown checksum algorithm %q", algorithm)
	}
}

// streamHasher implements Hasher for any hash.Hash constructor.
type streamHasher struct {
	name        string
	newHash     func() hash.Hash
	length      int
	maxFileSize int64
}

// NewMD5Hasher creates a hasher producing 32 character digests.
func NewMD5Hasher(maxFileSize int64) Hasher {
	return newStreamHasher(AlgorithmMD5, md5.New, md5.Size*2, maxFileSize)
}

// NewSHA256Hasher creates a hasher producing 64 character digests.
func NewSHA256Hasher(maxFileSize int64) Hasher {
	return newStreamHasher(AlgorithmSHA256, sha256.New, sha256.Size*2, maxFileSize)
}

func newStreamHasher(name string, fn func() hash.Hash, length int, maxFileSize int64) *streamHasher {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &streamHasher{name: name, newHash: fn, length: length, maxFileSize: maxFileSize}
}

func (h *streamHasher) Length() int       { return h.length }
func (h *streamHasher) Algorithm() string { return h.name }

// HashFile streams the file through the hash function.
func (h *streamHasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: is a directory", path)
	}
	if info.Size() > h.maxFileSize {
		return "", fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, path, info.Size())
	}
	return h.sum(f)
}

// HashArchiveEntry opens the zip archive and hashes one entry's
// uncompressed content.
func (h *streamHasher) HashArchiveEntry(archivePath, entryName string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != entryName {
			continue
		}
		if int64(f.UncompressedSize64) > h.maxFileSize {
			return "", fmt.Errorf("%w: %s!%s", ErrFileTooLarge, archivePath, entryName)
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("opening entry %s: %w", entryName, err)
		}
		defer rc.Close()
		return h.sum(rc)
	}
	return "", fmt.Errorf("%w: %s!%s", ErrEntryNotFound, archivePath, entryName)
}

func (h *streamHasher) sum(r io.Reader) (string, error) {
	hh := h.newHash()
	if _, err := io.Copy(hh, io.LimitReader(r, h.maxFileSize+1)); err != nil {
		return "", err
	}
	return hex.EncodeToString(hh.Sum(nil)), nil
}

// IsWellFormed reports whether digest has the hasher's exact length and is
// lowercase hex.
func IsWellFormed(h Hasher, digest string) bool {
	if len(digest) != h.Length() {
		return false
	}
	for _, c := range digest {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// Equal compares two digests in constant time, ignoring case.
func Equal(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// VerifyFile hashes path and compares it with want.
//
// # Outputs
//
//   - error: nil on match, *MismatchError on mismatch, ErrMalformedDigest if
//     want is not well-formed, or the underlying I/O error.
func VerifyFile(h Hasher, path, want string) error {
	if !IsWellFormed(h, strings.ToLower(want)) {
		return fmt.Errorf("%w: %q", ErrMalformedDigest, want)
	}
	got, err := h.HashFile(path)
	if err != nil {
		return err
	}
	if !Equal(got, want) {
		return &MismatchError{Path: path, Want: strings.ToLower(want), Got: got}
	}
	return nil
}

// VerifyArchiveEntry hashes one archive entry and compares it with want.
func VerifyArchiveEntry(h Hasher, archivePath, entryName, want string) error {
	if !IsWellFormed(h, strings.ToLower(want)) {
		return fmt.Errorf("%w: %q", ErrMalformedDigest, want)
	}
	got, err := h.HashArchiveEntry(archivePath, entryName)
	if err != nil {
		return err
	}
	if !Equal(got, want) {
		return &MismatchError{Path: archivePath, Entry: entryName, Want: strings.ToLower(want), Got: got}
	}
	return nil
}
