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
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/patchloader/internal/staging"
	"github.com/AleutianAI/patchloader/services/loader/checksum"
	"github.com/AleutianAI/patchloader/services/loader/layout"
	"github.com/AleutianAI/patchloader/services/loader/ledger"
	"github.com/AleutianAI/patchloader/services/loader/manifest"
)

func codeArtifact(name, content string) staging.Artifact {
	return staging.Artifact{Kind: manifest.KindCode, Name: name, Content: []byte(content)}
}

func stage(t *testing.T, artifacts ...staging.Artifact) *staging.Staged {
	t.Helper()
	s, err := staging.Stage(t.TempDir(), staging.Bundle{
		Version:      "v1",
		Artifacts:    artifacts,
		DerivedModes: []string{string(ledger.ModeDefault)},
	})
	require.NoError(t, err)
	return s
}

func newVerifier(policy KindPolicy, opts ...Option) *Verifier {
	return New(policy, checksum.NewMD5Hasher(0), opts...)
}

func requireFailure(t *testing.T, err error, reason Reason) *Failure {
	t.Helper()
	require.Error(t, err)
	var f *Failure
	require.True(t, errors.As(err, &f), "want *Failure, got %T: %v", err, err)
	assert.Equal(t, reason, f.Reason, f.Error())
	return f
}

func TestCheckComplete_Code(t *testing.T) {
	ctx := context.Background()

	t.Run("empty manifest succeeds without a directory", func(t *testing.T) {
		set, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir: filepath.Join(t.TempDir(), "patch-v1"),
			Variant:    manifest.VariantJIT,
		})
		require.NoError(t, err)
		assert.True(t, set.Empty())
	})

	t.Run("all present", func(t *testing.T) {
		s := stage(t, codeArtifact("alpha.dex", "a"), codeArtifact("test.dex", "t"))
		set, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantJIT,
			Mode:         ledger.ModeDefault,
		})
		require.NoError(t, err)
		require.Len(t, set.Artifacts, 2)
		assert.Equal(t, staging.MD5([]byte("a")), set.Index["alpha.dex"])
		for _, a := range set.Artifacts {
			assert.NotEmpty(t, a.DerivedPath)
			assert.FileExists(t, a.Path)
		}
	})

	t.Run("kind directory missing", func(t *testing.T) {
		s := stage(t, codeArtifact("alpha.dex", "a"))
		require.NoError(t, os.RemoveAll(layout.KindDir(s.VersionDir, manifest.KindCode)))
		_, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantJIT,
		})
		requireFailure(t, err, KindDirectoryMissing)
	})

	t.Run("artifact missing", func(t *testing.T) {
		missing := codeArtifact("beta.dex", "b")
		missing.SkipFile = true
		s := stage(t, codeArtifact("alpha.dex", "a"), missing)
		_, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantJIT,
		})
		f := requireFailure(t, err, ArtifactMissing)
		assert.Equal(t, filepath.Join(s.VersionDir, "code", "beta.dex"), f.Path)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		s := stage(t, codeArtifact("alpha.dex", "a"))
		path := filepath.Join(s.VersionDir, "code", "alpha.dex")
		require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))
		_, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantJIT,
		})
		f := requireFailure(t, err, ChecksumMismatch)
		assert.Equal(t, path, f.Path)
		assert.ErrorIs(t, err, checksum.ErrMismatch)

		set, err := newVerifier(CodePolicy, WithChecksums(false)).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantJIT,
		})
		require.NoError(t, err, "existence-only verification ignores content")
		assert.Len(t, set.Artifacts, 1)
	})

	t.Run("derived form missing unless accepted as is", func(t *testing.T) {
		s := stage(t, codeArtifact("alpha.dex", "a"))
		req := Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantJIT,
			Mode:         ledger.ModeInterpreted,
		}
		f := requireFailure(t, func() error {
			_, err := newVerifier(CodePolicy).CheckComplete(ctx, req)
			return err
		}(), DerivedFormMissing)
		assert.True(t, strings.HasSuffix(f.Path, filepath.Join("derived-interpreted", "alpha.odex")))

		set, err := newVerifier(CodePolicy, AcceptAsIs(func(name string) bool { return name == "alpha.dex" })).CheckComplete(ctx, req)
		require.NoError(t, err)
		assert.Empty(t, set.Artifacts[0].DerivedPath)
	})

	t.Run("variant selects the checksum and the not-needed sentinel", func(t *testing.T) {
		jitOnly := codeArtifact("jitonly.dex", "j")
		jitOnly.Checksums = map[manifest.Variant]string{manifest.VariantAOT: manifest.NotNeededSentinel}
		s := stage(t, codeArtifact("alpha.dex", "a"), jitOnly)

		set, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantAOT,
		})
		require.NoError(t, err)
		require.Len(t, set.Artifacts, 1)
		assert.Equal(t, "alpha.dex", set.Artifacts[0].Name)
	})

	t.Run("malformed checksum for the active variant", func(t *testing.T) {
		bad := codeArtifact("alpha.dex", "a")
		bad.Checksums = map[manifest.Variant]string{manifest.VariantJIT: "xyz"}
		s := stage(t, bad)
		_, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantJIT,
		})
		requireFailure(t, err, ManifestCorrupted)
	})

	t.Run("archived packaging stores a jar", func(t *testing.T) {
		a := codeArtifact("alpha.dex", "a")
		a.Packaging = manifest.PackagingArchived
		s := stage(t, a)
		set, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantJIT,
		})
		require.NoError(t, err)
		assert.Equal(t, "alpha.dex.jar", set.Artifacts[0].Name)
	})
}

func TestCheckComplete_Consolidation(t *testing.T) {
	ctx := context.Background()

	consolidated := func(name, content string) staging.Artifact {
		a := codeArtifact(name, content)
		a.Consolidated = true
		return a
	}

	t.Run("marker folded into consolidated archive on AOT", func(t *testing.T) {
		s := stage(t,
			consolidated("classes2.dex", "c2"),
			consolidated("classes.dex", "c1"),
			consolidated("test.dex", "t"),
			codeArtifact("extra.dex", "e"),
		)
		set, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantAOT,
		})
		require.NoError(t, err)
		require.Len(t, set.Artifacts, 2)

		var archive Artifact
		for _, a := range set.Artifacts {
			if a.Name == layout.Consolidated {
				archive = a
			}
		}
		assert.Equal(t, []string{"classes.dex", "classes2.dex", "test.dex"}, archive.Entries)
		assert.Equal(t, layout.ConsolidatedPath(s.VersionDir), archive.Path)
		assert.NotEmpty(t, archive.DerivedPath)
	})

	t.Run("archive entry mismatch names the entry", func(t *testing.T) {
		s := stage(t, consolidated("classes.dex", "c1"), consolidated("classes2.dex", "c2"))
		require.NoError(t, staging.WriteZip(layout.ConsolidatedPath(s.VersionDir), map[string][]byte{
			"classes.dex":  []byte("c1"),
			"classes2.dex": []byte("stale"),
		}))
		_, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantAOT,
		})
		f := requireFailure(t, err, ChecksumMismatch)
		assert.True(t, strings.HasSuffix(f.Path, "!classes2.dex"))
	})

	t.Run("archive entry absent", func(t *testing.T) {
		s := stage(t, consolidated("classes.dex", "c1"), consolidated("classes2.dex", "c2"))
		require.NoError(t, staging.WriteZip(layout.ConsolidatedPath(s.VersionDir), map[string][]byte{
			"classes.dex": []byte("c1"),
		}))
		_, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantAOT,
		})
		requireFailure(t, err, ArtifactMissing)
	})

	t.Run("no consolidation on JIT", func(t *testing.T) {
		s := stage(t, codeArtifact("classes.dex", "c1"), codeArtifact("test.dex", "t"))
		set, err := newVerifier(CodePolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: s.Manifests[manifest.KindCode],
			Variant:      manifest.VariantJIT,
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"classes.dex", "test.dex"}, []string{set.Artifacts[0].Name, set.Artifacts[1].Name})
	})
}

func TestCheckComplete_LibAndRes(t *testing.T) {
	ctx := context.Background()

	lib := staging.Artifact{Kind: manifest.KindLib, Name: "libnative.so", StoragePath: "arm64", Content: []byte("elf")}
	res := staging.Artifact{Kind: manifest.KindRes, Name: "resources.arsc", Content: []byte("res")}
	s := stage(t, lib, res)

	set, err := newVerifier(LibPolicy).CheckComplete(ctx, Request{
		VersionDir:   s.VersionDir,
		ManifestText: s.Manifests[manifest.KindLib],
		Variant:      manifest.VariantAOT,
	})
	require.NoError(t, err)
	require.Len(t, set.Artifacts, 1)
	assert.Equal(t, filepath.Join(s.VersionDir, "lib", "arm64", "libnative.so"), set.Artifacts[0].Path)
	assert.Empty(t, set.Artifacts[0].DerivedPath)

	set, err = newVerifier(ResPolicy).CheckComplete(ctx, Request{
		VersionDir:   s.VersionDir,
		ManifestText: s.Manifests[manifest.KindRes],
		Variant:      manifest.VariantJIT,
	})
	require.NoError(t, err)
	assert.Len(t, set.Artifacts, 1)

	t.Run("storage path may not escape", func(t *testing.T) {
		text := "evil.so,../../etc," + staging.MD5([]byte("x")) + ",,\n"
		_, err := newVerifier(LibPolicy).CheckComplete(ctx, Request{
			VersionDir:   s.VersionDir,
			ManifestText: text,
			Variant:      manifest.VariantJIT,
		})
		requireFailure(t, err, ManifestCorrupted)
	})
}

func TestCheckComplete_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := stage(t, codeArtifact("alpha.dex", "a"), codeArtifact("beta.dex", "b"))
	req := Request{
		VersionDir:   s.VersionDir,
		ManifestText: s.Manifests[manifest.KindCode],
		Variant:      manifest.VariantJIT,
	}
	v := newVerifier(CodePolicy)
	first, err1 := v.CheckComplete(ctx, req)
	second, err2 := v.CheckComplete(ctx, req)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first, second)

	require.NoError(t, os.Remove(filepath.Join(s.VersionDir, "code", "beta.dex")))
	_, err1 = v.CheckComplete(ctx, req)
	_, err2 = v.CheckComplete(ctx, req)
	assert.Equal(t, err1.Error(), err2.Error())
}

func TestPolicyFor(t *testing.T) {
	for _, k := range manifest.AllKinds {
		p, ok := PolicyFor(k)
		assert.True(t, ok)
		assert.Equal(t, k, p.Kind)
	}
	_, ok := PolicyFor("bogus")
	assert.False(t, ok)
}
