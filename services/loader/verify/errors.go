// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"fmt"

	"github.com/AleutianAI/patchloader/services/loader/manifest"
)

// Reason discriminates verification failures.
type Reason string

const (
	// KindDirectoryMissing means the kind was staged incompletely.
	KindDirectoryMissing Reason = "KindDirectoryMissing"

	// ArtifactMissing means one artifact was never written or was deleted.
	ArtifactMissing Reason = "ArtifactMissing"

	// ArtifactUnreadable means an artifact exists but could not be hashed.
	ArtifactUnreadable Reason = "ArtifactUnreadable"

	// ChecksumMismatch means the artifact content is corrupted or tampered.
	ChecksumMismatch Reason = "ChecksumMismatch"

	// DerivedFormMissing means the compilation step never completed.
	DerivedFormMissing Reason = "DerivedFormMissing"

	// ManifestCorrupted means a manifest entry cannot be verified on the
	// active runtime variant.
	ManifestCorrupted Reason = "ManifestCorrupted"
)

// Failure is the error returned by Verifier.CheckComplete.
type Failure struct {
	// Reason is the failure class.
	Reason Reason

	// Kind is the artifact kind being verified.
	Kind manifest.Kind

	// Path is the offending directory, file or archive entry
	// ("archive!entry").
	Path string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("verify %s: %s: %s: %v", f.Kind, f.Reason, f.Path, f.Err)
	}
	return fmt.Sprintf("verify %s: %s: %s", f.Kind, f.Reason, f.Path)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}
