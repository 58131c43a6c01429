// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest parses the per-kind artifact manifests shipped inside a
// patch package.
//
// A manifest is newline separated text with one comma separated record per
// artifact. Each kind has a fixed field count; lines that do not parse are
// recorded as skipped and never fail the whole manifest.
//
// # Formats
//
//	code: name,path,checksumJIT,checksumAOT,diffChecksum,baselineChecksum,targetChecksum,packaging
//	lib:  name,path,checksum,sourceChecksum,baselineChecksum
//	res:  name,path,checksum,sourceChecksum,baselineChecksum
package manifest

import (
	"strings"

	"github.com/AleutianAI/patchloader/services/loader/checksum"
)

// Kind identifies an artifact kind.
type Kind string

const (
	// KindCode is compiled application code.
	KindCode Kind = "code"

	// KindLib is a native library.
	KindLib Kind = "lib"

	// KindRes is a resource bundle.
	KindRes Kind = "res"
)

// AllKinds lists kinds in verification and install order.
var AllKinds = []Kind{KindCode, KindLib, KindRes}

// String implements fmt.Stringer.
func (k Kind) String() string { return string(k) }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCode, KindLib, KindRes:
		return true
	}
	return false
}

// FieldCount returns the exact number of comma separated fields a record of
// this kind must have.
func (k Kind) FieldCount() int {
	if k == KindCode {
		return 8
	}
	return 5
}

// Variant identifies the host runtime variant. The same code artifact can
// have a different valid digest on each variant.
type Variant string

const (
	// VariantJIT is the interpreting/JIT runtime.
	VariantJIT Variant = "jit"

	// VariantAOT is the ahead-of-time compiling runtime. It is the only
	// variant that loads consolidated code archives.
	VariantAOT Variant = "aot"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	return v == VariantJIT || v == VariantAOT
}

// Packaging describes how an artifact is stored on disk.
type Packaging string

const (
	// PackagingRaw stores the artifact as-is.
	PackagingRaw Packaging = "raw"

	// PackagingArchived stores the artifact wrapped in a zip archive.
	PackagingArchived Packaging = "archived"
)

// NotNeededSentinel is the checksum value meaning "this runtime variant does
// not need this artifact".
const NotNeededSentinel = "0"

// rawCodeSuffix marks a raw code unit. Archived raw units get archiveSuffix
// appended to their storage name.
const (
	rawCodeSuffix = ".dex"
	archiveSuffix = ".jar"
)

// Entry is one artifact listed in a manifest.
type Entry struct {
	// Kind is the artifact kind.
	Kind Kind

	// LogicalName is the artifact name as known to the patch producer.
	LogicalName string

	// StoragePath is the producer-side relative path. May be empty.
	StoragePath string

	// Packaging is the on-disk packaging mode.
	Packaging Packaging

	// Checksums maps runtime variants to the expected digest. Non-code kinds
	// store the same digest under every variant.
	Checksums map[Variant]string

	// SourceChecksum is the digest of the diff input (the patch delta).
	SourceChecksum string

	// BaselineChecksum is the digest of the baseline artifact.
	BaselineChecksum string

	// TargetChecksum is the digest of the patched artifact before packaging.
	// Only code records carry it.
	TargetChecksum string
}

// ChecksumFor returns the expected digest for the given variant.
func (e Entry) ChecksumFor(v Variant) string {
	return e.Checksums[v]
}

// NotNeededOn reports whether the artifact is irrelevant on variant v.
func (e Entry) NotNeededOn(v Variant) bool {
	return e.ChecksumFor(v) == NotNeededSentinel
}

// Valid reports whether the entry can be verified on variant v with hasher h:
// the name is non-empty and the digest for v is well-formed.
func (e Entry) Valid(h checksum.Hasher, v Variant) bool {
	if strings.TrimSpace(e.LogicalName) == "" {
		return false
	}
	return checksum.IsWellFormed(h, strings.ToLower(e.ChecksumFor(v)))
}

// StorageName returns the file name the artifact has inside its kind
// directory.
func (e Entry) StorageName() string {
	if e.Kind == KindCode && e.Packaging == PackagingArchived && strings.HasSuffix(e.LogicalName, rawCodeSuffix) {
		return e.LogicalName + archiveSuffix
	}
	return e.LogicalName
}

// SkippedLine records a manifest line that could not be parsed.
type SkippedLine struct {
	// Line is the 1-based line number.
	Line int

	// Text is the raw line content.
	Text string

	// Reason explains why the line was skipped.
	Reason string
}

// Manifest is the parsed form of one kind's manifest text.
type Manifest struct {
	// Kind is the manifest's artifact kind.
	Kind Kind

	// Entries are the accepted records in file order.
	Entries []Entry

	// Skipped are the lines that did not parse.
	Skipped []SkippedLine
}

// Empty reports whether the manifest lists no artifacts.
func (m *Manifest) Empty() bool {
	return m == nil || len(m.Entries) == 0
}
