// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package activation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/patchloader/services/loader/layout"
	"github.com/AleutianAI/patchloader/services/loader/ledger"
	"github.com/AleutianAI/patchloader/services/loader/manifest"
	"github.com/AleutianAI/patchloader/services/loader/verify"
)

// DefaultRecompileParallelism bounds concurrent recompilations.
const DefaultRecompileParallelism = 4

// PlatformProbe describes the host platform.
type PlatformProbe interface {
	// Fingerprint identifies the host platform build.
	Fingerprint() string

	// ReconcileSupported reports whether derived forms can be recompiled
	// for a new platform build.
	ReconcileSupported() bool
}

// StaticProbe is a PlatformProbe with fixed answers.
type StaticProbe struct {
	FingerprintValue string
	Supported        bool
}

// Fingerprint implements PlatformProbe.
func (p StaticProbe) Fingerprint() string { return p.FingerprintValue }

// ReconcileSupported implements PlatformProbe.
func (p StaticProbe) ReconcileSupported() bool { return p.Supported }

// Recompiler produces a derived form from a code artifact.
//
// Implementations must be idempotent and safe for concurrent use with
// distinct targets.
type Recompiler interface {
	Recompile(ctx context.Context, source, target string) error
}

// RecompilerFunc adapts a function to Recompiler.
type RecompilerFunc func(ctx context.Context, source, target string) error

// Recompile implements Recompiler.
func (f RecompilerFunc) Recompile(ctx context.Context, source, target string) error {
	return f(ctx, source, target)
}

// needsReconciliation reports whether the host platform changed under
// derived forms that the platform can rebuild.
//
// A blank recorded fingerprint never triggers reconciliation; there is
// nothing to compare against.
func needsReconciliation(probe PlatformProbe, variant manifest.Variant, rec ledger.Record) bool {
	if probe == nil || variant != manifest.VariantAOT || !probe.ReconcileSupported() {
		return false
	}
	current := probe.Fingerprint()
	if rec.PlatformFingerprint == "" || current == "" {
		return false
	}
	return current != rec.PlatformFingerprint
}

// reconcile recompiles every verified code artifact into the interpreted
// derived-forms directory.
//
// # Description
//
// Recompilations run concurrently, bounded by parallelism. Every failure is
// collected; derived forms that were produced stay on disk for the next
// attempt. On success the artifacts' derived paths point at the new forms.
//
// # Outputs
//
//   - error: nil, or the combined recompilation failures.
func reconcile(ctx context.Context, rc Recompiler, set *verify.VerifiedSet, versionDir string, parallelism int) error {
	if set.Empty() {
		return nil
	}
	if rc == nil {
		return fmt.Errorf("no recompiler configured")
	}
	if parallelism <= 0 {
		parallelism = DefaultRecompileParallelism
	}

	targets := make([]string, len(set.Artifacts))
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(parallelism)
	for i, a := range set.Artifacts {
		a := a
		target := layout.DerivedPath(versionDir, string(ledger.ModeInterpreted), a.Name)
		targets[i] = target
		g.Go(func() error {
			if err := rc.Recompile(ctx, a.Path, target); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("recompiling %s: %w", a.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if errs != nil {
		return errs
	}
	for i := range set.Artifacts {
		set.Artifacts[i].DerivedPath = targets[i]
	}
	return nil
}
