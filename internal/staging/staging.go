// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package staging writes patch versions to disk the way the patch producer
// stages them: kind directories, derived forms, the consolidated code
// archive and the package archive with its metadata and manifests.
package staging

import (
	"archive/zip"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/patchloader/services/loader/layout"
	"github.com/AleutianAI/patchloader/services/loader/manifest"
)

// Artifact is one file of a staged version.
type Artifact struct {
	// Kind is the artifact kind.
	Kind manifest.Kind

	// Name is the logical name.
	Name string

	// Content is the file content.
	Content []byte

	// StoragePath is the sub-path inside the kind directory (lib and res).
	StoragePath string

	// Packaging is the code packaging mode. Defaults to raw.
	Packaging manifest.Packaging

	// Consolidated stores the artifact inside the consolidated code archive
	// instead of as a file.
	Consolidated bool

	// Checksums overrides the manifest digest per variant. Unset variants
	// get the MD5 of Content.
	Checksums map[manifest.Variant]string

	// SkipFile leaves the file out while still listing it in the manifest.
	SkipFile bool
}

// Bundle describes one version to stage.
type Bundle struct {
	// Version is the version identifier.
	Version string

	// BaselineID and PatchID go into the package metadata.
	BaselineID string
	PatchID    string

	// Properties are extra package metadata properties.
	Properties map[string]string

	// Artifacts are the staged files.
	Artifacts []Artifact

	// DerivedModes lists the compilation modes to create derived forms for.
	DerivedModes []string

	// SkipPackage leaves out the package archive.
	SkipPackage bool
}

// Staged is the outcome of Stage.
type Staged struct {
	// VersionDir is the staged version directory.
	VersionDir string

	// PackagePath is the package archive path.
	PackagePath string

	// Manifests holds each kind's manifest text.
	Manifests map[manifest.Kind]string
}

// MD5 returns the lowercase hex MD5 digest of data.
func MD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Stage writes b under root.
func Stage(root string, b Bundle) (*Staged, error) {
	lay := layout.New(root)
	versionDir, err := lay.VersionDir(b.Version)
	if err != nil {
		return nil, err
	}
	pkgPath, err := lay.PackagePath(b.Version)
	if err != nil {
		return nil, err
	}

	entries := make(map[manifest.Kind][]manifest.Entry)
	archived := make(map[string][]byte)
	for _, a := range b.Artifacts {
		e := entryFor(a)
		entries[a.Kind] = append(entries[a.Kind], e)
		if a.SkipFile {
			continue
		}
		if a.Consolidated {
			archived[a.Name] = a.Content
			continue
		}
		dir := layout.KindDir(versionDir, a.Kind)
		if a.StoragePath != "" && a.Kind != manifest.KindCode {
			dir = filepath.Join(dir, a.StoragePath)
		}
		if err := writeFile(filepath.Join(dir, e.StorageName()), a.Content); err != nil {
			return nil, err
		}
		if a.Kind == manifest.KindCode {
			for _, mode := range b.DerivedModes {
				if err := writeFile(layout.DerivedPath(versionDir, mode, e.StorageName()), []byte("derived:"+a.Name)); err != nil {
					return nil, err
				}
			}
		}
	}
	if len(archived) > 0 {
		if err := WriteZip(layout.ConsolidatedPath(versionDir), archived); err != nil {
			return nil, err
		}
		for _, mode := range b.DerivedModes {
			if err := writeFile(layout.DerivedPath(versionDir, mode, layout.Consolidated), []byte("derived:consolidated")); err != nil {
				return nil, err
			}
		}
	}

	staged := &Staged{VersionDir: versionDir, PackagePath: pkgPath, Manifests: make(map[manifest.Kind]string)}
	for kind, list := range entries {
		staged.Manifests[kind] = manifest.Format(kind, list)
	}
	if b.SkipPackage {
		return staged, os.MkdirAll(versionDir, 0o755)
	}
	if err := WritePackage(pkgPath, b, staged.Manifests); err != nil {
		return nil, err
	}
	return staged, nil
}

// WritePackage writes the package archive with its metadata and manifests.
func WritePackage(path string, b Bundle, manifests map[manifest.Kind]string) error {
	meta := struct {
		BaselineID string            `yaml:"baseline_id"`
		PatchID    string            `yaml:"patch_id"`
		Properties map[string]string `yaml:"properties,omitempty"`
	}{b.BaselineID, b.PatchID, b.Properties}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	files := map[string][]byte{"patch.yaml": data}
	for kind, text := range manifests {
		files["meta/"+string(kind)+".txt"] = []byte(text)
	}
	return WriteZip(path, files)
}

// WriteZip writes a zip archive holding files.
func WriteZip(path string, files map[string][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(content); err != nil {
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func entryFor(a Artifact) manifest.Entry {
	sum := MD5(a.Content)
	checksums := map[manifest.Variant]string{manifest.VariantJIT: sum, manifest.VariantAOT: sum}
	for v, s := range a.Checksums {
		checksums[v] = s
	}
	packaging := a.Packaging
	if packaging == "" {
		packaging = manifest.PackagingRaw
	}
	return manifest.Entry{
		Kind:             a.Kind,
		LogicalName:      a.Name,
		StoragePath:      a.StoragePath,
		Packaging:        packaging,
		Checksums:        checksums,
		SourceChecksum:   sum,
		BaselineChecksum: sum,
		TargetChecksum:   sum,
	}
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}
