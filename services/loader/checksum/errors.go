// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checksum computes and compares content digests for staged patch
// artifacts and for entries inside archived artifacts.
//
// Digests are lowercase hexadecimal strings. The default algorithm is MD5
// because that is what the patch producer writes into manifests; SHA256 is
// available for producers that emit 64 character digests.
//
// # Thread Safety
//
// Hashers are stateless and safe for concurrent use.
package checksum

import (
	"errors"
	"fmt"
)

// Sentinel errors for checksum operations.
var (
	// ErrMismatch is returned when a computed digest differs from the expected one.
	ErrMismatch = errors.New("checksum mismatch")

	// ErrFileTooLarge is returned when a file exceeds the hasher's size limit.
	ErrFileTooLarge = errors.New("file too large to hash")

	// ErrEntryNotFound is returned when an archive does not contain the requested entry.
	ErrEntryNotFound = errors.New("archive entry not found")

	// ErrMalformedDigest is returned when an expected digest is not well-formed
	// for the hasher in use.
	ErrMalformedDigest = errors.New("malformed digest")
)

// MismatchError describes a digest mismatch for a file or archive entry.
type MismatchError struct {
	// Path is the file that was hashed.
	Path string

	// Entry is the archive entry name, empty for plain files.
	Entry string

	// Want is the expected digest.
	Want string

	// Got is the computed digest.
	Got string
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("%s!%s: %v: want %s, got %s", e.Path, e.Entry, ErrMismatch, e.Want, e.Got)
	}
	return fmt.Sprintf("%s: %v: want %s, got %s", e.Path, ErrMismatch, e.Want, e.Got)
}

// Unwrap returns ErrMismatch for errors.Is support.
func (e *MismatchError) Unwrap() error {
	return ErrMismatch
}
