// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package layout derives every on-disk path under the patch root directory.
//
//	<root>/ledger
//	<root>/ledger.lock
//	<root>/safemode
//	<root>/safemode.db/
//	<root>/proc/<pid>
//	<root>/patch-<version>/patch-<version>.pkg
//	<root>/patch-<version>/{code,lib,res}/
//	<root>/patch-<version>/code/derived-<mode>/
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/patchloader/services/loader/manifest"
)

// File and directory names under the root.
const (
	LedgerFile      = "ledger"
	LockFile        = "ledger.lock"
	SafeModeDir     = "safemode"
	SafeModeLock    = "safemode.lock"
	SafeModeDB      = "safemode.db"
	ProcDir         = "proc"
	VersionPrefix   = "patch-"
	PackageSuffix   = ".pkg"
	DerivedPrefix   = "derived-"
	DerivedSuffix   = ".odex"
	Consolidated    = "consolidated.apk"
	maxVersionBytes = 128
)

var (
	// ErrVersionInvalid is returned for a version that is not a single safe
	// path component.
	ErrVersionInvalid = errors.New("invalid version identifier")

	// ErrPathTraversal is returned when a path escapes the root.
	ErrPathTraversal = errors.New("path escapes patch root")
)

// Layout resolves paths under one patch root. The zero value is not usable;
// construct with New.
type Layout struct {
	root string
}

// New returns a Layout rooted at root. The root is cleaned but not required
// to exist.
func New(root string) Layout {
	return Layout{root: filepath.Clean(root)}
}

// Root returns the patch root directory.
func (l Layout) Root() string { return l.root }

// LedgerPath returns the ledger file path.
func (l Layout) LedgerPath() string { return filepath.Join(l.root, LedgerFile) }

// LockPath returns the ledger lock file path.
func (l Layout) LockPath() string { return filepath.Join(l.root, LockFile) }

// SafeModeDir returns the directory of the file-backed per-process
// safe-mode counters.
func (l Layout) SafeModeDir() string { return filepath.Join(l.root, SafeModeDir) }

// SafeModeLockPath returns the lock file serializing safe-mode counter
// updates.
func (l Layout) SafeModeLockPath() string { return filepath.Join(l.root, SafeModeLock) }

// SafeModeDBPath returns the badger-backed safe-mode counter directory.
func (l Layout) SafeModeDBPath() string { return filepath.Join(l.root, SafeModeDB) }

// ProcDir returns the process registry directory.
func (l Layout) ProcDir() string { return filepath.Join(l.root, ProcDir) }

// ValidateVersion checks that version is non-blank and a single path
// component that cannot escape the root.
func ValidateVersion(version string) error {
	switch {
	case strings.TrimSpace(version) == "":
		return fmt.Errorf("%w: blank", ErrVersionInvalid)
	case len(version) > maxVersionBytes:
		return fmt.Errorf("%w: longer than %d bytes", ErrVersionInvalid, maxVersionBytes)
	case version == "." || version == "..":
		return fmt.Errorf("%w: %q", ErrVersionInvalid, version)
	case strings.ContainsAny(version, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrVersionInvalid, version)
	case filepath.Base(version) != version:
		return fmt.Errorf("%w: %q is not a single path component", ErrVersionInvalid, version)
	}
	return nil
}

// VersionDir returns <root>/patch-<version>.
func (l Layout) VersionDir(version string) (string, error) {
	if err := ValidateVersion(version); err != nil {
		return "", err
	}
	dir := filepath.Join(l.root, VersionPrefix+version)
	if err := l.Contains(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// PackagePath returns <root>/patch-<version>/patch-<version>.pkg.
func (l Layout) PackagePath(version string) (string, error) {
	dir, err := l.VersionDir(version)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, VersionPrefix+version+PackageSuffix), nil
}

// KindDir returns the directory holding artifacts of kind under versionDir.
func KindDir(versionDir string, kind manifest.Kind) string {
	return filepath.Join(versionDir, string(kind))
}

// DerivedDir returns the derived-forms directory for mode under versionDir.
func DerivedDir(versionDir, mode string) string {
	return filepath.Join(KindDir(versionDir, manifest.KindCode), DerivedPrefix+mode)
}

// DerivedPath returns the derived-form path for a code artifact name.
func DerivedPath(versionDir, mode, artifactName string) string {
	stem := artifactName
	if i := strings.IndexByte(stem, '.'); i > 0 {
		stem = stem[:i]
	}
	return filepath.Join(DerivedDir(versionDir, mode), stem+DerivedSuffix)
}

// ConsolidatedPath returns the consolidated code archive path.
func ConsolidatedPath(versionDir string) string {
	return filepath.Join(KindDir(versionDir, manifest.KindCode), Consolidated)
}

// Contains returns ErrPathTraversal when path does not lie within the root.
func (l Layout) Contains(path string) error {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(l.root, path)
	}
	rel, err := filepath.Rel(l.root, filepath.Clean(abs))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPathTraversal, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	return nil
}

// RemoveVersion deletes the version directory. Absent directories are not
// an error.
func (l Layout) RemoveVersion(version string) error {
	dir, err := l.VersionDir(version)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing version directory %s: %w", dir, err)
	}
	return nil
}

// Versions lists the version identifiers that have a directory under the
// root, sorted.
func (l Layout) Versions() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), VersionPrefix) {
			continue
		}
		v := strings.TrimPrefix(e.Name(), VersionPrefix)
		if ValidateVersion(v) == nil {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out, nil
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// IsFile reports whether path exists and is a regular file.
func IsFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
