// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for ledger operations.
var (
	// ErrNotFound is returned when the ledger file does not exist.
	ErrNotFound = errors.New("ledger not found")

	// ErrCorrupted is returned when the ledger file fails validation.
	ErrCorrupted = errors.New("ledger corrupted")

	// ErrInvalidRecord is returned when Rewrite is given an inconsistent record.
	ErrInvalidRecord = errors.New("invalid ledger record")

	// ErrRewriteVerify is returned when the rewritten ledger does not read
	// back equal to the record that was written.
	ErrRewriteVerify = errors.New("ledger rewrite verification failed")
)

// CorruptedError describes why a ledger file was rejected.
type CorruptedError struct {
	// Path is the ledger file path.
	Path string

	// Detail describes the first problem found.
	Detail string
}

// Error implements the error interface.
func (e *CorruptedError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrCorrupted, e.Path, e.Detail)
}

// Unwrap returns ErrCorrupted for errors.Is support.
func (e *CorruptedError) Unwrap() error {
	return ErrCorrupted
}

func corrupted(path, format string, args ...any) *CorruptedError {
	return &CorruptedError{Path: path, Detail: fmt.Sprintf(format, args...)}
}
