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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/patchloader/internal/staging"
	"github.com/AleutianAI/patchloader/services/loader/installer"
	"github.com/AleutianAI/patchloader/services/loader/layout"
	"github.com/AleutianAI/patchloader/services/loader/ledger"
	"github.com/AleutianAI/patchloader/services/loader/manifest"
	"github.com/AleutianAI/patchloader/services/loader/pkgcheck"
	"github.com/AleutianAI/patchloader/services/loader/safemode"
	"github.com/AleutianAI/patchloader/services/loader/telemetry"
)

// =============================================================================
// Fixture
// =============================================================================

type fakeCoordinator struct {
	terminated atomic.Int32
	stable     atomic.Int32
}

func (c *fakeCoordinator) NotifyStable(context.Context) error {
	c.stable.Add(1)
	return nil
}

func (c *fakeCoordinator) TerminateSiblings(context.Context) error {
	c.terminated.Add(1)
	return nil
}

type failingInstaller struct{ err error }

func (f failingInstaller) Install(context.Context, []string, string) error { return f.err }
func (f failingInstaller) Uninstall(context.Context, int) error { return nil }
func (f failingInstaller) Name() string { return "failing" }

type fixture struct {
	root    string
	lay     layout.Layout
	ledger  *ledger.Ledger
	code    *installer.SearchPath
	lib     *installer.SearchPath
	res     *installer.SearchPath
	coord   *fakeCoordinator
	counter *safemode.FileStore
	reader  *sdkmetric.ManualReader
	spans   *tracetest.SpanRecorder
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "patch")
	require.NoError(t, os.MkdirAll(root, 0o755))
	lay := layout.New(root)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := telemetry.NewMetrics(mp)
	require.NoError(t, err)

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return &fixture{
		root:    root,
		lay:     lay,
		ledger:  ledger.New(lay),
		code:    installer.NewSearchPath("code", "/base/classes.dex"),
		lib:     installer.NewSearchPath("lib", "/base/lib"),
		res:     installer.NewSearchPath("res", "/base/res.arsc"),
		coord:   &fakeCoordinator{},
		counter: safemode.NewFileStore(lay.SafeModeDir()),
		reader:  reader,
		spans:   spans,
		metrics: metrics,
		tracer:  telemetry.NewTracer(tp, nil, true),
	}
}

func (f *fixture) installers() installer.Set {
	return installer.Set{manifest.KindCode: f.code, manifest.KindLib: f.lib, manifest.KindRes: f.res}
}

func (f *fixture) machine(opts ...Option) *Machine {
	base := []Option{
		WithLedger(f.ledger),
		WithInstallers(f.installers()),
		WithCoordinator(f.coord),
		WithSafeMode(safemode.New(safemode.WithLock(f.lay.SafeModeLockPath(), 0)), f.counter),
		WithPackageChecker(pkgcheck.NewArchiveChecker("app-1.0")),
		WithMetrics(f.metrics),
		WithTracer(f.tracer),
	}
	return New(f.lay, append(base, opts...)...)
}

func bundle(version string) staging.Bundle {
	return staging.Bundle{
		Version:    version,
		BaselineID: "app-1.0",
		PatchID:    "app-1.0-" + version,
		Artifacts: []staging.Artifact{
			{Kind: manifest.KindCode, Name: "beta.dex", Content: []byte("beta " + version)},
			{Kind: manifest.KindCode, Name: "alpha.dex", Content: []byte("alpha " + version)},
			{Kind: manifest.KindLib, Name: "libx.so", StoragePath: "arm64", Content: []byte("lib " + version)},
			{Kind: manifest.KindRes, Name: "resources.arsc", Content: []byte("res " + version)},
		},
		DerivedModes: []string{string(ledger.ModeDefault), string(ledger.ModeInterpreted)},
	}
}

func (f *fixture) stage(t *testing.T, b staging.Bundle) *staging.Staged {
	t.Helper()
	s, err := staging.Stage(f.root, b)
	require.NoError(t, err)
	return s
}

func (f *fixture) writeLedger(t *testing.T, rec ledger.Record) {
	t.Helper()
	if rec.Mode == "" {
		rec.Mode = ledger.ModeDefault
	}
	require.NoError(t, f.ledger.Rewrite(context.Background(), rec))
}

func (f *fixture) readLedger(t *testing.T) ledger.Record {
	t.Helper()
	rec, err := f.ledger.Read(context.Background())
	require.NoError(t, err)
	return rec
}

func (f *fixture) ledgerBytes(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(f.lay.LedgerPath())
	require.NoError(t, err)
	return data
}

func requireFailed(t *testing.T, res *Result, reason Reason) {
	t.Helper()
	require.NotNil(t, res)
	require.Equal(t, OutcomeFailed, res.Outcome, "result: %s", Describe(res))
	require.Equal(t, reason, res.Reason, "result: %s err=%v", Describe(res), res.Err)
	assert.Equal(t, StateFailed, res.States[len(res.States)-1])
}

func activationCount(t *testing.T, reader sdkmetric.Reader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "patchloader_activation_total" {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// =============================================================================
// End-to-end scenarios
// =============================================================================

func TestRun_DirectoryMissing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.root))

	res, err := f.machine().Run(context.Background(), RoleMain)
	require.NoError(t, err)
	requireFailed(t, res, ReasonDirectoryMissing)
	assert.Equal(t, []State{StateDisabled, StateDirectoryCheck, StateFailed}, res.States)
	assert.Equal(t, f.root, res.Path)
	assert.NoDirExists(t, f.root, "a failed attempt creates nothing")
}

func TestRun_ActivatesPendingVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stage(t, bundle("v1"))
	v2 := f.stage(t, bundle("v2"))
	f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v2"})

	res, err := f.machine().Run(ctx, RoleMain)
	require.NoError(t, err)
	require.True(t, res.OK(), Describe(res))

	assert.Equal(t, "v2", res.Version)
	assert.True(t, res.VersionChanged)
	assert.Equal(t, []State{
		StateDisabled, StateDirectoryCheck, StateLedgerCheck, StateVersionResolve,
		StatePackageCheck, StateKindVerification, StateSafeModeCheck,
		StateInstall, StateCommitLedger, StateDone,
	}, res.States)

	rec := f.readLedger(t)
	assert.Equal(t, "v2", rec.InstalledVersion)
	assert.Equal(t, "v2", rec.PendingVersion)
	assert.Equal(t, rec, res.Record)
	assert.Equal(t, int32(1), f.coord.terminated.Load(), "siblings told to restart")

	codeDir := layout.KindDir(v2.VersionDir, manifest.KindCode)
	assert.Equal(t, []string{
		filepath.Join(codeDir, "alpha.dex"),
		filepath.Join(codeDir, "beta.dex"),
		"/base/classes.dex",
	}, f.code.Entries())
	got, ok := f.lib.Lookup("libx.so")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(layout.KindDir(v2.VersionDir, manifest.KindLib), "arm64", "libx.so"), got)
	assert.Len(t, f.res.Entries(), 2)

	require.Len(t, res.Installed, 3)
	assert.Equal(t, manifest.KindCode, res.Installed[0].Kind)
	assert.Equal(t, manifest.KindLib, res.Installed[1].Kind)
	assert.Equal(t, manifest.KindRes, res.Installed[2].Kind)

	count, err := f.counter.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "attempt recorded until the process reports stable")

	t.Run("telemetry", func(t *testing.T) {
		assert.Equal(t, int64(1), activationCount(t, f.reader))
		ended := f.spans.Ended()
		require.Len(t, ended, 1)
		assert.Equal(t, "patchloader.activate", ended[0].Name())
		assert.Len(t, ended[0].Events(), len(res.States))
	})

	t.Run("second start has nothing new", func(t *testing.T) {
		res, err := f.machine().Run(ctx, RoleMain)
		require.NoError(t, err)
		require.True(t, res.OK(), Describe(res))
		assert.False(t, res.VersionChanged)
		assert.NotContains(t, res.States, StateCommitLedger)
		assert.Equal(t, int32(1), f.coord.terminated.Load())
	})
}

func TestRun_ChecksumMismatchLeavesLedger(t *testing.T) {
	f := newFixture(t)
	b := bundle("v2")
	b.Artifacts[1].Checksums = map[manifest.Variant]string{manifest.VariantJIT: staging.MD5([]byte("something else"))}
	s := f.stage(t, b)
	f.stage(t, bundle("v1"))
	f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v2"})
	before := f.ledgerBytes(t)

	res, err := f.machine().Run(context.Background(), RoleMain)
	require.NoError(t, err)
	requireFailed(t, res, ReasonChecksumMismatch)
	assert.Equal(t, manifest.KindCode, res.Kind)
	assert.Equal(t, filepath.Join(layout.KindDir(s.VersionDir, manifest.KindCode), "alpha.dex"), res.Path)
	assert.Equal(t, before, f.ledgerBytes(t))
	assert.Empty(t, res.Installed)
	assert.Equal(t, []string{"/base/classes.dex"}, f.code.Entries())
	assert.Zero(t, f.coord.terminated.Load())
}

func TestRun_RemovalOfConvergedVersionRollsBack(t *testing.T) {
	f := newFixture(t)
	s := f.stage(t, bundle("v2"))
	f.writeLedger(t, ledger.Record{InstalledVersion: "v2", PendingVersion: "v2", MarkedForRemoval: true})

	res, err := f.machine().Run(context.Background(), RoleMain)
	require.NoError(t, err)
	requireFailed(t, res, ReasonRolledBack)
	assert.Contains(t, res.States, StateStaleVersionCleanup)

	assert.NoDirExists(t, s.VersionDir)
	rec := f.readLedger(t)
	assert.Equal(t, "", rec.InstalledVersion)
	assert.Equal(t, "", rec.PendingVersion)
	assert.False(t, rec.MarkedForRemoval)
	assert.Equal(t, int32(1), f.coord.terminated.Load())
}

// =============================================================================
// Version resolution
// =============================================================================

func TestRun_RemovalOfUnloadedVersionFallsBack(t *testing.T) {
	f := newFixture(t)
	v1 := f.stage(t, bundle("v1"))
	v2 := f.stage(t, bundle("v2"))
	f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v2", MarkedForRemoval: true})

	res, err := f.machine().Run(context.Background(), RoleMain)
	require.NoError(t, err)
	require.True(t, res.OK(), Describe(res))
	assert.Equal(t, "v1", res.Version)
	assert.False(t, res.VersionChanged)

	assert.NoDirExists(t, v2.VersionDir)
	assert.DirExists(t, v1.VersionDir)
	rec := f.readLedger(t)
	assert.Equal(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1", Mode: ledger.ModeDefault}, rec)
	assert.Zero(t, f.coord.terminated.Load())
}

func TestRun_RemovalMarkWithoutPendingIsCleared(t *testing.T) {
	ctx := context.Background()

	t.Run("dry run clears it in the result only", func(t *testing.T) {
		f := newFixture(t)
		f.writeLedger(t, ledger.Record{MarkedForRemoval: true})
		before := f.ledgerBytes(t)
		res, err := f.machine(WithDryRun()).Run(ctx, RoleMain)
		require.NoError(t, err)
		requireFailed(t, res, ReasonNoVersionToLoad)
		assert.False(t, res.Record.MarkedForRemoval)
		assert.Equal(t, before, f.ledgerBytes(t))
	})

	t.Run("main start clears the flag", func(t *testing.T) {
		f := newFixture(t)
		f.writeLedger(t, ledger.Record{MarkedForRemoval: true})
		res, err := f.machine().Run(ctx, RoleMain)
		require.NoError(t, err)
		requireFailed(t, res, ReasonNoVersionToLoad)
		assert.Contains(t, res.States, StateStaleVersionCleanup)
		assert.False(t, res.Record.MarkedForRemoval)
		assert.False(t, f.readLedger(t).MarkedForRemoval)
		assert.Zero(t, f.coord.terminated.Load())

		res, err = f.machine().Run(ctx, RoleMain)
		require.NoError(t, err)
		requireFailed(t, res, ReasonNoVersionToLoad)
		assert.NotContains(t, res.States, StateStaleVersionCleanup, "the flag does not survive into the next start")
	})

	t.Run("secondary leaves it for the main process", func(t *testing.T) {
		f := newFixture(t)
		f.writeLedger(t, ledger.Record{MarkedForRemoval: true})
		res, err := f.machine().Run(ctx, RoleSecondary)
		require.NoError(t, err)
		requireFailed(t, res, ReasonNoVersionToLoad)
		assert.True(t, f.readLedger(t).MarkedForRemoval)
	})
}

func TestRun_SecondaryLoadsInstalledVersion(t *testing.T) {
	f := newFixture(t)
	f.stage(t, bundle("v1"))
	f.stage(t, bundle("v2"))
	f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v2", MarkedForRemoval: true})
	before := f.ledgerBytes(t)

	res, err := f.machine().Run(context.Background(), RoleSecondary)
	require.NoError(t, err)
	require.True(t, res.OK(), Describe(res))
	assert.Equal(t, "v1", res.Version)
	assert.False(t, res.VersionChanged)
	assert.NotContains(t, res.States, StateStaleVersionCleanup)
	assert.NotContains(t, res.States, StateCommitLedger)
	assert.Equal(t, before, f.ledgerBytes(t), "secondaries never write the ledger")
	assert.Zero(t, f.coord.terminated.Load())
}

func TestRun_EarlyFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t)
		res, _ := f.machine(WithEnabled(false)).Run(ctx, RoleMain)
		requireFailed(t, res, ReasonDisabled)
		res, _ = f.machine().Run(ctx, RolePatchWorker)
		requireFailed(t, res, ReasonDisabled)
		res, _ = f.machine(WithKinds()).Run(ctx, RoleMain)
		requireFailed(t, res, ReasonDisabled)
	})

	t.Run("ledger missing", func(t *testing.T) {
		f := newFixture(t)
		res, _ := f.machine().Run(ctx, RoleMain)
		requireFailed(t, res, ReasonLedgerMissing)
		assert.Equal(t, f.lay.LedgerPath(), res.Path)
	})

	t.Run("ledger corrupted", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, os.WriteFile(f.lay.LedgerPath(), []byte("installed_version: v1\n"), 0o644))
		res, _ := f.machine().Run(ctx, RoleMain)
		requireFailed(t, res, ReasonLedgerCorrupted)
		assert.True(t, errors.Is(res.Err, ledger.ErrCorrupted))
	})

	t.Run("no version to load", func(t *testing.T) {
		f := newFixture(t)
		f.writeLedger(t, ledger.Record{})
		for _, role := range []Role{RoleMain, RoleSecondary} {
			res, _ := f.machine().Run(ctx, role)
			requireFailed(t, res, ReasonNoVersionToLoad)
		}
	})

	t.Run("version invalid", func(t *testing.T) {
		f := newFixture(t)
		f.writeLedger(t, ledger.Record{InstalledVersion: "..", PendingVersion: ".."})
		res, _ := f.machine().Run(ctx, RoleMain)
		requireFailed(t, res, ReasonVersionInvalid)
		assert.True(t, errors.Is(res.Err, layout.ErrVersionInvalid))
	})

	t.Run("version directory missing", func(t *testing.T) {
		f := newFixture(t)
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})
		res, _ := f.machine().Run(ctx, RoleMain)
		requireFailed(t, res, ReasonVersionDirectoryMissing)
		assert.Equal(t, "v1", res.Version)
	})

	t.Run("package file missing", func(t *testing.T) {
		f := newFixture(t)
		b := bundle("v1")
		b.SkipPackage = true
		f.stage(t, b)
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})
		res, _ := f.machine().Run(ctx, RoleMain)
		requireFailed(t, res, ReasonPackageFileMissing)
	})

	t.Run("package check failed", func(t *testing.T) {
		f := newFixture(t)
		f.stage(t, bundle("v1"))
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})
		res, _ := f.machine(WithPackageChecker(pkgcheck.NewArchiveChecker("app-2.0"))).Run(ctx, RoleMain)
		requireFailed(t, res, ReasonPackageCheckFailed)
		assert.Equal(t, pkgcheck.BaselineMismatch, res.PackageCode)
	})

	t.Run("derived form missing", func(t *testing.T) {
		f := newFixture(t)
		b := bundle("v1")
		b.DerivedModes = nil
		f.stage(t, b)
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})
		res, _ := f.machine().Run(ctx, RoleMain)
		requireFailed(t, res, ReasonDerivedFormMissing)
		assert.Equal(t, manifest.KindCode, res.Kind)

		res, _ = f.machine(WithAcceptAsIs(func(string) bool { return true })).Run(ctx, RoleMain)
		assert.True(t, res.OK(), Describe(res))
	})

	t.Run("kind staged incompletely", func(t *testing.T) {
		f := newFixture(t)
		b := bundle("v1")
		b.Artifacts[2].SkipFile = true
		s := f.stage(t, b)
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})

		res, _ := f.machine().Run(ctx, RoleMain)
		requireFailed(t, res, ReasonKindDirectoryMissing)
		assert.Equal(t, manifest.KindLib, res.Kind)
		assert.Equal(t, layout.KindDir(s.VersionDir, manifest.KindLib), res.Path)

		checker := pkgcheck.NewArchiveChecker("app-1.0", pkgcheck.WithEnabledKinds(manifest.KindCode, manifest.KindRes))
		res, _ = f.machine(WithKinds(manifest.KindCode, manifest.KindRes), WithPackageChecker(checker)).Run(ctx, RoleMain)
		requireFailed(t, res, ReasonPackageCheckFailed)
		assert.Equal(t, pkgcheck.KindNotEnabled, res.PackageCode)
	})
}

// =============================================================================
// Modes, safe mode, reconciliation
// =============================================================================

func TestRun_TransitioningMode(t *testing.T) {
	ctx := context.Background()

	t.Run("main resolves to default and persists it", func(t *testing.T) {
		f := newFixture(t)
		s := f.stage(t, bundle("v1"))
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1", Mode: ledger.ModeTransitioning})

		res, err := f.machine().Run(ctx, RoleMain)
		require.NoError(t, err)
		require.True(t, res.OK(), Describe(res))
		assert.Contains(t, res.States, StateCommitLedger)
		assert.Equal(t, ledger.ModeDefault, f.readLedger(t).Mode)
		assert.NoDirExists(t, layout.DerivedDir(s.VersionDir, string(ledger.ModeInterpreted)))
		assert.Zero(t, f.coord.terminated.Load(), "mode change alone does not restart siblings")
	})

	t.Run("secondary resolves to interpreted", func(t *testing.T) {
		f := newFixture(t)
		b := bundle("v1")
		b.DerivedModes = []string{string(ledger.ModeInterpreted)}
		f.stage(t, b)
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1", Mode: ledger.ModeTransitioning})

		res, err := f.machine().Run(ctx, RoleSecondary)
		require.NoError(t, err)
		require.True(t, res.OK(), Describe(res))
		assert.Equal(t, ledger.ModeTransitioning, f.readLedger(t).Mode)
	})
}

func TestRun_SafeMode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stage(t, bundle("v1"))
	f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})
	require.NoError(t, f.counter.Store(ctx, "main", 2))

	res, err := f.machine().Run(ctx, RoleMain)
	require.NoError(t, err)
	requireFailed(t, res, ReasonTooManyAttempts)
	assert.Empty(t, res.Installed)
	count, err := f.counter.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "refusal resets the budget")

	res, err = f.machine().Run(ctx, RoleMain)
	require.NoError(t, err)
	assert.True(t, res.OK(), Describe(res))

	t.Run("disabled guard", func(t *testing.T) {
		require.NoError(t, f.counter.Store(ctx, "main", 2))
		res, err := f.machine(WithoutSafeMode()).Run(ctx, RoleMain)
		require.NoError(t, err)
		assert.True(t, res.OK(), Describe(res))
	})
}

func TestRun_SafeModeCountsPerProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("main and two secondaries share one root", func(t *testing.T) {
		f := newFixture(t)
		f.stage(t, bundle("v1"))
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})

		for _, role := range []Role{RoleMain, RoleSecondary, RoleSecondary} {
			res, err := f.machine().Run(ctx, role)
			require.NoError(t, err)
			require.True(t, res.OK(), "%s: %s", role, Describe(res))
			assert.Equal(t, role.String(), res.Process)
		}
		count, err := f.counter.Load(ctx, "main")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		count, err = f.counter.Load(ctx, "secondary")
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("named processes get their own budget", func(t *testing.T) {
		f := newFixture(t)
		f.stage(t, bundle("v1"))
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})
		require.NoError(t, f.counter.Store(ctx, "main", 2))

		for _, name := range []string{"app:push", "app:sync", "app:push", "app:sync"} {
			res, err := f.machine(WithProcessName(name)).Run(ctx, RoleSecondary)
			require.NoError(t, err)
			require.True(t, res.OK(), "%s: %s", name, Describe(res))
			assert.Equal(t, name, res.Process)
		}

		res, err := f.machine().Run(ctx, RoleMain)
		require.NoError(t, err)
		requireFailed(t, res, ReasonTooManyAttempts)
	})

	t.Run("concurrent starts do not lose attempts", func(t *testing.T) {
		f := newFixture(t)
		f.stage(t, bundle("v1"))
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})
		guard := safemode.New(safemode.WithMaxAttempts(100), safemode.WithLock(f.lay.SafeModeLockPath(), 0))

		const starts = 8
		var wg sync.WaitGroup
		results := make([]*Result, starts)
		for i := 0; i < starts; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, _ := f.machine(WithSafeMode(guard, f.counter)).Run(ctx, RoleSecondary)
				results[i] = res
			}()
		}
		wg.Wait()
		for _, res := range results {
			require.True(t, res.OK(), Describe(res))
		}
		count, err := f.counter.Load(ctx, "secondary")
		require.NoError(t, err)
		assert.Equal(t, starts, count)
	})
}

func writeDerived(ctx context.Context, source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, []byte("recompiled:"+filepath.Base(source)), 0o644)
}

func TestRun_Reconciliation(t *testing.T) {
	ctx := context.Background()
	probe := StaticProbe{FingerprintValue: "build-2", Supported: true}

	t.Run("recompiles and commits the new fingerprint", func(t *testing.T) {
		f := newFixture(t)
		b := bundle("v1")
		b.DerivedModes = []string{string(ledger.ModeDefault)}
		s := f.stage(t, b)
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1", PlatformFingerprint: "build-1"})

		var calls atomic.Int32
		rc := RecompilerFunc(func(ctx context.Context, source, target string) error {
			calls.Add(1)
			return writeDerived(ctx, source, target)
		})
		res, err := f.machine(WithVariant(manifest.VariantAOT), WithPlatform(probe, rc)).Run(ctx, RoleMain)
		require.NoError(t, err)
		require.True(t, res.OK(), Describe(res))
		assert.True(t, res.Reconciled)
		assert.Equal(t, int32(2), calls.Load())
		assert.FileExists(t, layout.DerivedPath(s.VersionDir, string(ledger.ModeInterpreted), "alpha.dex"))

		rec := f.readLedger(t)
		assert.Equal(t, "build-2", rec.PlatformFingerprint)
		assert.Equal(t, ledger.ModeInterpreted, rec.Mode)
	})

	t.Run("partial failure keeps successful forms", func(t *testing.T) {
		f := newFixture(t)
		s := f.stage(t, bundle("v1"))
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1", PlatformFingerprint: "build-1"})
		before := f.ledgerBytes(t)

		boom := errors.New("compiler crashed")
		var mu sync.Mutex
		var done []string
		rc := RecompilerFunc(func(ctx context.Context, source, target string) error {
			if strings.HasSuffix(source, "beta.dex") {
				return boom
			}
			mu.Lock()
			done = append(done, filepath.Base(source))
			mu.Unlock()
			return writeDerived(ctx, source, target)
		})
		interpreted := layout.DerivedDir(s.VersionDir, string(ledger.ModeInterpreted))
		require.NoError(t, os.RemoveAll(interpreted))

		res, err := f.machine(WithVariant(manifest.VariantAOT), WithPlatform(probe, rc), WithRecompileParallelism(1)).Run(ctx, RoleMain)
		require.NoError(t, err)
		requireFailed(t, res, ReasonReconciliationFailed)
		assert.True(t, errors.Is(res.Err, boom))
		assert.Equal(t, []string{"alpha.dex"}, done)
		assert.FileExists(t, filepath.Join(interpreted, "alpha.odex"))
		assert.Equal(t, before, f.ledgerBytes(t))
		assert.Empty(t, res.Installed)
	})

	t.Run("not needed on jit or without a recorded fingerprint", func(t *testing.T) {
		f := newFixture(t)
		f.stage(t, bundle("v1"))
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1", PlatformFingerprint: "build-1"})
		rc := RecompilerFunc(func(context.Context, string, string) error { return errors.New("unexpected") })

		res, err := f.machine(WithPlatform(probe, rc)).Run(ctx, RoleMain)
		require.NoError(t, err)
		assert.True(t, res.OK(), Describe(res))
		assert.False(t, res.Reconciled)

		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})
		res, err = f.machine(WithVariant(manifest.VariantAOT), WithPlatform(probe, rc)).Run(ctx, RoleMain)
		require.NoError(t, err)
		assert.True(t, res.OK(), Describe(res))
		assert.False(t, res.Reconciled)
	})
}

// =============================================================================
// Install failures
// =============================================================================

func TestRun_InstallFailurePropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stage(t, bundle("v1"))
	f.stage(t, bundle("v2"))
	f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v2"})
	before := f.ledgerBytes(t)

	boom := errors.New("search path frozen")
	set := f.installers()
	set[manifest.KindLib] = failingInstaller{err: boom}

	res, err := f.machine(WithInstallers(set)).Run(ctx, RoleMain)
	require.Error(t, err)
	var ie *InstallError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, manifest.KindLib, ie.Kind)
	assert.True(t, errors.Is(err, boom))

	requireFailed(t, res, ReasonInstallException)
	assert.Equal(t, manifest.KindLib, res.Kind)
	assert.Same(t, ie, res.Err)
	require.Len(t, res.Installed, 1)
	assert.Equal(t, manifest.KindCode, res.Installed[0].Kind)
	assert.Equal(t, before, f.ledgerBytes(t))
	assert.Zero(t, f.coord.terminated.Load())

	require.NoError(t, Rollback(ctx, res, res.Installers))
	assert.Equal(t, []string{"/base/classes.dex"}, f.code.Entries())
}

func TestRun_InstallerUnavailable(t *testing.T) {
	f := newFixture(t)
	f.stage(t, bundle("v1"))
	f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})

	set := f.installers()
	delete(set, manifest.KindRes)
	res, err := f.machine(WithInstallers(set)).Run(context.Background(), RoleMain)
	require.NoError(t, err)
	requireFailed(t, res, ReasonInstallerUnavailable)
	assert.Equal(t, manifest.KindRes, res.Kind)
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.stage(t, bundle("v1"))
	s2 := f.stage(t, bundle("v2"))
	f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v2"})
	before := f.ledgerBytes(t)

	res, err := f.machine(WithDryRun()).Run(ctx, RoleMain)
	require.NoError(t, err)
	require.True(t, res.OK(), Describe(res))
	assert.Equal(t, "v2", res.Record.InstalledVersion, "result shows the record that would be written")
	assert.Equal(t, before, f.ledgerBytes(t))
	assert.DirExists(t, s2.VersionDir)
	assert.Zero(t, f.coord.terminated.Load())
	count, err := f.counter.Load(ctx, "main")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRun_RestrictedModeSelectsStrategy(t *testing.T) {
	ctx := context.Background()
	registry := func() map[manifest.Kind][]installer.Strategy {
		out := make(map[manifest.Kind][]installer.Strategy)
		for _, k := range manifest.AllKinds {
			full := installer.SearchPathStrategy(string(k) + "-full")
			full.Supports = func(caps installer.Capabilities) bool { return !caps.Restricted }
			out[k] = []installer.Strategy{full, installer.SearchPathStrategy(string(k) + "-restricted")}
		}
		return out
	}
	names := func(res *Result) []string {
		var out []string
		for _, k := range res.Installed {
			out = append(out, k.Installer)
		}
		return out
	}

	t.Run("unrestricted ledger", func(t *testing.T) {
		f := newFixture(t)
		f.stage(t, bundle("v1"))
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1"})
		res, err := f.machine(WithStrategies(installer.Capabilities{}, registry())).Run(ctx, RoleMain)
		require.NoError(t, err)
		require.True(t, res.OK(), Describe(res))
		assert.Equal(t, []string{"code-full", "lib-full", "res-full"}, names(res))
		assert.False(t, res.Record.RestrictedMode)
	})

	t.Run("restricted ledger", func(t *testing.T) {
		f := newFixture(t)
		f.stage(t, bundle("v1"))
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1", RestrictedMode: true})
		res, err := f.machine(WithStrategies(installer.Capabilities{}, registry())).Run(ctx, RoleSecondary)
		require.NoError(t, err)
		require.True(t, res.OK(), Describe(res))
		assert.Equal(t, []string{"code-restricted", "lib-restricted", "res-restricted"}, names(res))
		require.Len(t, res.Installers, 3)
		require.NoError(t, Rollback(ctx, res, res.Installers))
	})

	t.Run("no restricted strategy", func(t *testing.T) {
		f := newFixture(t)
		f.stage(t, bundle("v1"))
		f.writeLedger(t, ledger.Record{InstalledVersion: "v1", PendingVersion: "v1", RestrictedMode: true})
		only := registry()
		for k := range only {
			only[k] = only[k][:1]
		}
		res, err := f.machine(WithStrategies(installer.Capabilities{}, only)).Run(ctx, RoleMain)
		require.NoError(t, err)
		requireFailed(t, res, ReasonInstallerUnavailable)
		assert.Equal(t, manifest.KindCode, res.Kind)
		assert.ErrorIs(t, res.Err, installer.ErrNoStrategy)
		assert.Empty(t, res.Installed)
	})
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Rollback(ctx, nil, nil))

	res := &Result{Installed: []InstalledKind{{Kind: manifest.KindCode, Paths: []string{"a"}}, {Kind: manifest.KindRes, Paths: []string{"b"}}}}
	err := Rollback(ctx, res, installer.Set{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, installer.ErrNoStrategy))
	assert.Contains(t, err.Error(), "code")
	assert.Contains(t, err.Error(), "res")
}
