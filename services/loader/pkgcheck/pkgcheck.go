// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pkgcheck validates a staged patch package against the identity
// of the running baseline application and extracts its manifests.
//
// A package is a zip archive holding:
//
//	patch.yaml       baseline_id, patch_id, optional properties
//	meta/code.txt    code manifest (optional)
//	meta/lib.txt     library manifest (optional)
//	meta/res.txt     resource manifest (optional)
package pkgcheck

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/patchloader/services/loader/manifest"
)

// Archive entry names.
const (
	MetadataEntry   = "patch.yaml"
	manifestDir     = "meta/"
	manifestSuffix  = ".txt"
	maxMetadataSize = 1 << 20
	maxManifestSize = 16 << 20
)

// ManifestEntry returns the archive entry name of kind's manifest.
func ManifestEntry(kind manifest.Kind) string {
	return manifestDir + string(kind) + manifestSuffix
}

// Code discriminates package check failures.
type Code string

const (
	ArchiveUnreadable    Code = "ArchiveUnreadable"
	MetadataMissing      Code = "MetadataMissing"
	MetadataInvalid      Code = "MetadataInvalid"
	BaselineMismatch     Code = "BaselineMismatch"
	SamePatchAndBaseline Code = "SamePatchAndBaseline"
	KindNotEnabled       Code = "KindNotEnabled"
)

// CheckError is returned by Checker.CheckIdentity.
type CheckError struct {
	// Code is the failure class.
	Code Code

	// Path is the package archive path.
	Path string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("package check %s: %s: %v", e.Code, e.Path, e.Err)
	}
	return fmt.Sprintf("package check %s: %s", e.Code, e.Path)
}

// Unwrap returns the underlying error.
func (e *CheckError) Unwrap() error {
	return e.Err
}

// Metadata is the package identity record.
type Metadata struct {
	// BaselineID identifies the application build the patch applies to.
	BaselineID string `yaml:"baseline_id" validate:"required,max=256,identifier"`

	// PatchID identifies the patch build.
	PatchID string `yaml:"patch_id" validate:"required,max=256,identifier"`

	// Properties are free-form producer properties.
	Properties map[string]string `yaml:"properties" validate:"omitempty,max=64,dive,keys,required,max=128,endkeys,max=1024"`
}

// PackageInfo is what a successful check yields.
type PackageInfo struct {
	Metadata

	// Path is the package archive path.
	Path string

	// Manifests holds each present kind's manifest text.
	Manifests map[manifest.Kind]string
}

// Manifest returns kind's manifest text, empty when the package has none.
func (p *PackageInfo) Manifest(kind manifest.Kind) string {
	if p == nil {
		return ""
	}
	return p.Manifests[kind]
}

// Checker validates a package archive.
type Checker interface {
	// CheckIdentity returns the package info or a *CheckError.
	CheckIdentity(ctx context.Context, archivePath string) (*PackageInfo, error)
}

var metadataValidate *validator.Validate

func init() {
	metadataValidate = validator.New()
	_ = metadataValidate.RegisterValidation("identifier", validateIdentifier)
}

// validateIdentifier accepts printable characters without whitespace.
func validateIdentifier(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// ArchiveChecker is the zip-based Checker.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type ArchiveChecker struct {
	baselineID string
	enabled    map[manifest.Kind]bool
	logger     *slog.Logger
}

// Option configures an ArchiveChecker.
type Option func(*ArchiveChecker)

// WithEnabledKinds restricts the kinds a package may carry. All kinds are
// enabled by default.
func WithEnabledKinds(kinds ...manifest.Kind) Option {
	return func(c *ArchiveChecker) {
		c.enabled = make(map[manifest.Kind]bool, len(kinds))
		for _, k := range kinds {
			c.enabled[k] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *ArchiveChecker) { c.logger = l }
}

// NewArchiveChecker creates a checker for the running baseline. An empty
// baselineID skips the baseline comparison.
func NewArchiveChecker(baselineID string, opts ...Option) *ArchiveChecker {
	c := &ArchiveChecker{baselineID: baselineID}
	for _, opt := range opts {
		opt(c)
	}
	if c.enabled == nil {
		c.enabled = map[manifest.Kind]bool{manifest.KindCode: true, manifest.KindLib: true, manifest.KindRes: true}
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "pkgcheck.ArchiveChecker")
	}
	return c
}

// CheckIdentity implements Checker.
//
// # Description
//
// Opens the archive, validates patch.yaml, compares it with the running
// baseline and loads the manifests. Manifests of disabled kinds fail the
// check when non-empty.
func (c *ArchiveChecker) CheckIdentity(ctx context.Context, archivePath string) (*PackageInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &CheckError{Code: ArchiveUnreadable, Path: archivePath, Err: err}
	}
	defer zr.Close()

	raw, err := readEntry(zr, MetadataEntry, maxMetadataSize)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &CheckError{Code: MetadataMissing, Path: archivePath}
	}
	if err != nil {
		return nil, &CheckError{Code: ArchiveUnreadable, Path: archivePath, Err: err}
	}

	var meta Metadata
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, &CheckError{Code: MetadataInvalid, Path: archivePath, Err: err}
	}
	if err := metadataValidate.Struct(meta); err != nil {
		return nil, &CheckError{Code: MetadataInvalid, Path: archivePath, Err: err}
	}
	if c.baselineID != "" && meta.BaselineID != c.baselineID {
		return nil, &CheckError{Code: BaselineMismatch, Path: archivePath,
			Err: fmt.Errorf("package baseline %q, running %q", meta.BaselineID, c.baselineID)}
	}
	if meta.PatchID == meta.BaselineID {
		return nil, &CheckError{Code: SamePatchAndBaseline, Path: archivePath}
	}

	info := &PackageInfo{Metadata: meta, Path: archivePath, Manifests: make(map[manifest.Kind]string)}
	for _, kind := range manifest.AllKinds {
		text, err := readEntry(zr, ManifestEntry(kind), maxManifestSize)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, &CheckError{Code: ArchiveUnreadable, Path: archivePath, Err: err}
		}
		if strings.TrimSpace(string(text)) == "" {
			continue
		}
		if !c.enabled[kind] {
			return nil, &CheckError{Code: KindNotEnabled, Path: archivePath,
				Err: fmt.Errorf("package carries %s artifacts", kind)}
		}
		info.Manifests[kind] = string(text)
	}

	c.logger.Debug("package identity verified",
		"path", archivePath, "patch_id", meta.PatchID, "kinds", len(info.Manifests))
	return info, nil
}

func readEntry(zr *zip.ReadCloser, name string, limit int64) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry %s exceeds %d bytes", name, limit)
	}
	return data, nil
}
