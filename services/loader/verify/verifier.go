// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify checks that a staged patch version is complete and intact
// for one artifact kind.
//
// One Verifier type serves every kind; a KindPolicy carries the per-kind
// differences. Verification only reads the filesystem and is idempotent.
package verify

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/AleutianAI/patchloader/services/loader/checksum"
	"github.com/AleutianAI/patchloader/services/loader/layout"
	"github.com/AleutianAI/patchloader/services/loader/ledger"
	"github.com/AleutianAI/patchloader/services/loader/manifest"
	"github.com/AleutianAI/patchloader/services/loader/order"
)

// KindPolicy describes how one artifact kind is verified.
type KindPolicy struct {
	// Kind is the artifact kind.
	Kind manifest.Kind

	// RequireDerived demands a derived form per artifact under the active
	// compilation mode directory.
	RequireDerived bool

	// Consolidate folds consolidation-pattern artifacts into one archive on
	// the AOT runtime variant.
	Consolidate bool

	// UseStoragePath places each artifact under its manifest storage path
	// inside the kind directory.
	UseStoragePath bool
}

// Policies for the built-in kinds.
var (
	CodePolicy = KindPolicy{Kind: manifest.KindCode, RequireDerived: true, Consolidate: true}
	LibPolicy  = KindPolicy{Kind: manifest.KindLib, UseStoragePath: true}
	ResPolicy  = KindPolicy{Kind: manifest.KindRes, UseStoragePath: true}
)

// PolicyFor returns the built-in policy of kind.
func PolicyFor(kind manifest.Kind) (KindPolicy, bool) {
	switch kind {
	case manifest.KindCode:
		return CodePolicy, true
	case manifest.KindLib:
		return LibPolicy, true
	case manifest.KindRes:
		return ResPolicy, true
	}
	return KindPolicy{}, false
}

// Request is the input of one verification pass.
type Request struct {
	// VersionDir is <root>/patch-<version>.
	VersionDir string

	// ManifestText is this kind's manifest. Empty means the kind has no patch.
	ManifestText string

	// Variant is the active runtime variant.
	Variant manifest.Variant

	// Mode selects the derived-forms directory. Must not be transitioning;
	// empty means default.
	Mode ledger.Mode
}

// Artifact is one verified, loadable file.
type Artifact struct {
	// Name is the file name inside the kind directory.
	Name string

	// Path is the absolute file path.
	Path string

	// DerivedPath is the derived form's path, empty when not applicable.
	DerivedPath string

	// Checksum is the verified digest for the active variant. Empty for a
	// consolidated archive.
	Checksum string

	// Entries lists the archive entries, in rank order, of a consolidated
	// archive. Empty for ordinary artifacts.
	Entries []string
}

// VerifiedSet is the result of a successful verification.
type VerifiedSet struct {
	// Kind is the verified kind.
	Kind manifest.Kind

	// Artifacts are the loadable files, unordered.
	Artifacts []Artifact

	// Index maps each verified manifest name to its digest. It is kept for
	// the install phase of the same attempt.
	Index map[string]string

	// Skipped lists manifest lines that were ignored.
	Skipped []manifest.SkippedLine
}

// Empty reports whether the kind has nothing to install.
func (s *VerifiedSet) Empty() bool {
	return s == nil || len(s.Artifacts) == 0
}

// Paths returns the artifact paths.
func (s *VerifiedSet) Paths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Artifacts))
	for _, a := range s.Artifacts {
		out = append(out, a.Path)
	}
	return out
}

// Verifier checks one kind of a staged version.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Verifier struct {
	policy     KindPolicy
	hasher     checksum.Hasher
	checksums  bool
	acceptAsIs func(name string) bool
	logger     *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithChecksums toggles digest verification. Existence checks always run.
func WithChecksums(enabled bool) Option {
	return func(v *Verifier) { v.checksums = enabled }
}

// AcceptAsIs lets artifacts for which pred returns true pass without a
// derived form.
func AcceptAsIs(pred func(name string) bool) Option {
	return func(v *Verifier) { v.acceptAsIs = pred }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// New creates a Verifier for policy using hasher for digests.
func New(policy KindPolicy, hasher checksum.Hasher, opts ...Option) *Verifier {
	v := &Verifier{policy: policy, hasher: hasher, checksums: true}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default().With("component", "verify.Verifier", "kind", string(policy.Kind))
	}
	return v
}

// Kind returns the kind this verifier checks.
func (v *Verifier) Kind() manifest.Kind { return v.policy.Kind }

// CheckComplete verifies one kind of a staged version.
//
// # Description
//
//  1. Parses the manifest. An empty manifest succeeds with an empty set.
//  2. Skips entries the active variant does not need.
//  3. Rejects entries that cannot be verified on the active variant.
//  4. On the AOT variant, consolidation-pattern code artifacts are verified
//     as entries of one consolidated archive; a marker artifact is folded in
//     last when consolidation artifacts exist.
//  5. Verifies every file exists and matches its digest.
//  6. For code, verifies a derived form exists under the mode directory.
//
// The first failure aborts the pass.
//
// # Outputs
//
//   - *VerifiedSet: The loadable artifacts.
//   - error: *Failure, or ctx.Err() when cancelled.
func (v *Verifier) CheckComplete(ctx context.Context, req Request) (*VerifiedSet, error) {
	kind := v.policy.Kind
	m, err := manifest.Parse(kind, req.ManifestText)
	if err != nil {
		return nil, v.fail(ManifestCorrupted, string(kind), err)
	}
	set := &VerifiedSet{Kind: kind, Index: make(map[string]string), Skipped: m.Skipped}
	for _, s := range m.Skipped {
		v.logger.Warn("skipping malformed manifest line", "line", s.Line, "reason", s.Reason)
	}
	if m.Empty() {
		return set, nil
	}

	kindDir := layout.KindDir(req.VersionDir, kind)
	if !layout.IsDir(kindDir) {
		return nil, v.fail(KindDirectoryMissing, kindDir, nil)
	}
	mode := req.Mode
	if mode == "" {
		mode = ledger.ModeDefault
	}

	var individual, consolidated []manifest.Entry
	var marker *manifest.Entry
	for i := range m.Entries {
		e := m.Entries[i]
		if e.NotNeededOn(req.Variant) {
			continue
		}
		if !e.Valid(v.hasher, req.Variant) {
			return nil, v.fail(ManifestCorrupted, e.LogicalName, errors.New("no well-formed checksum for the active runtime variant"))
		}
		if v.policy.UseStoragePath && e.StoragePath != "" && !filepath.IsLocal(e.StoragePath) {
			return nil, v.fail(ManifestCorrupted, e.StoragePath, layout.ErrPathTraversal)
		}
		set.Index[e.LogicalName] = e.ChecksumFor(req.Variant)

		consolidating := v.policy.Consolidate && req.Variant == manifest.VariantAOT
		switch {
		case consolidating && order.IsMarker(e.LogicalName):
			marker = &e
		case consolidating && order.IsConsolidation(e.LogicalName):
			consolidated = append(consolidated, e)
		default:
			individual = append(individual, e)
		}
	}
	if marker != nil {
		if len(consolidated) > 0 {
			consolidated = append(consolidated, *marker)
		} else {
			individual = append(individual, *marker)
		}
	}

	for _, e := range individual {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := v.checkFile(req, kindDir, mode, e)
		if err != nil {
			return nil, err
		}
		set.Artifacts = append(set.Artifacts, a)
	}
	if len(consolidated) > 0 {
		a, err := v.checkConsolidated(ctx, req, mode, consolidated)
		if err != nil {
			return nil, err
		}
		set.Artifacts = append(set.Artifacts, a)
	}

	v.logger.Debug("kind verified", "version_dir", req.VersionDir, "artifacts", len(set.Artifacts))
	return set, nil
}

func (v *Verifier) checkFile(req Request, kindDir string, mode ledger.Mode, e manifest.Entry) (Artifact, error) {
	name := e.StorageName()
	path := filepath.Join(kindDir, name)
	if v.policy.UseStoragePath && e.StoragePath != "" {
		path = filepath.Join(kindDir, e.StoragePath, name)
	}
	if !layout.IsFile(path) {
		return Artifact{}, v.fail(ArtifactMissing, path, nil)
	}
	want := e.ChecksumFor(req.Variant)
	if v.checksums {
		if err := checksum.VerifyFile(v.hasher, path, want); err != nil {
			return Artifact{}, v.hashFailure(path, err)
		}
	}

	a := Artifact{Name: name, Path: path, Checksum: want}
	if v.policy.RequireDerived {
		derived, err := v.checkDerived(req, mode, name)
		if err != nil {
			return Artifact{}, err
		}
		a.DerivedPath = derived
	}
	return a, nil
}

func (v *Verifier) checkConsolidated(ctx context.Context, req Request, mode ledger.Mode, entries []manifest.Entry) (Artifact, error) {
	archive := layout.ConsolidatedPath(req.VersionDir)
	if !layout.IsFile(archive) {
		return Artifact{}, v.fail(ArtifactMissing, archive, nil)
	}

	names := make([]string, 0, len(entries))
	byName := make(map[string]manifest.Entry, len(entries))
	for _, e := range entries {
		names = append(names, e.LogicalName)
		byName[e.LogicalName] = e
	}
	// Rank order: consolidation index ascending, folded marker last.
	names = order.Order(names)

	if v.checksums {
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return Artifact{}, err
			}
			want := byName[name].ChecksumFor(req.Variant)
			if err := checksum.VerifyArchiveEntry(v.hasher, archive, name, want); err != nil {
				return Artifact{}, v.hashFailure(archive+"!"+name, err)
			}
		}
	}

	a := Artifact{Name: layout.Consolidated, Path: archive, Entries: slices.Clip(names)}
	if v.policy.RequireDerived {
		derived, err := v.checkDerived(req, mode, layout.Consolidated)
		if err != nil {
			return Artifact{}, err
		}
		a.DerivedPath = derived
	}
	return a, nil
}

func (v *Verifier) checkDerived(req Request, mode ledger.Mode, name string) (string, error) {
	derived := layout.DerivedPath(req.VersionDir, string(mode), name)
	if layout.IsFile(derived) {
		return derived, nil
	}
	if v.acceptAsIs != nil && v.acceptAsIs(name) {
		v.logger.Debug("accepting artifact without derived form", "artifact", name)
		return "", nil
	}
	return "", v.fail(DerivedFormMissing, derived, nil)
}

func (v *Verifier) hashFailure(path string, err error) *Failure {
	switch {
	case errors.Is(err, checksum.ErrMismatch):
		return v.fail(ChecksumMismatch, path, err)
	case errors.Is(err, checksum.ErrEntryNotFound), errors.Is(err, fs.ErrNotExist):
		return v.fail(ArtifactMissing, path, err)
	case errors.Is(err, checksum.ErrMalformedDigest):
		return v.fail(ManifestCorrupted, path, err)
	default:
		return v.fail(ArtifactUnreadable, path, err)
	}
}

func (v *Verifier) fail(reason Reason, path string, err error) *Failure {
	f := &Failure{Reason: reason, Kind: v.policy.Kind, Path: path, Err: err}
	v.logger.Warn("verification failed", "reason", string(reason), "path", path, "error", err)
	return f
}
