// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package activation runs the per-process-start patch activation state
// machine.
//
// # Description
//
// One Run walks:
//
//	Disabled -> DirectoryCheck -> LedgerCheck -> VersionResolve
//	  [-> StaleVersionCleanup] -> PackageCheck -> KindVerification
//	  -> SafeModeCheck [-> Reconciliation] -> Install [-> CommitLedger] -> Done
//
// and may stop in Failed from any state. Every handled failure is reported
// as Result data; only installer failures are also returned as an error so
// the caller can roll back installed kinds.
//
// # Thread Safety
//
// A Machine is immutable after New. Run is not reentrant within one
// process; concurrent Runs across processes serialize on the ledger lock.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/patchloader/services/loader/checksum"
	"github.com/AleutianAI/patchloader/services/loader/coordinator"
	"github.com/AleutianAI/patchloader/services/loader/installer"
	"github.com/AleutianAI/patchloader/services/loader/layout"
	"github.com/AleutianAI/patchloader/services/loader/ledger"
	"github.com/AleutianAI/patchloader/services/loader/manifest"
	"github.com/AleutianAI/patchloader/services/loader/order"
	"github.com/AleutianAI/patchloader/services/loader/pkgcheck"
	"github.com/AleutianAI/patchloader/services/loader/safemode"
	"github.com/AleutianAI/patchloader/services/loader/telemetry"
	"github.com/AleutianAI/patchloader/services/loader/verify"
)

// errLedgerChanged aborts a cleanup when the ledger moved under it.
var errLedgerChanged = errors.New("ledger changed during cleanup")

// Machine runs activation attempts for one patch root.
type Machine struct {
	layout      layout.Layout
	ledger      *ledger.Ledger
	checker     pkgcheck.Checker
	hasher      checksum.Hasher
	installers  installer.Set
	strategies  map[manifest.Kind][]installer.Strategy
	caps        installer.Capabilities
	coordinator coordinator.Coordinator
	guard       *safemode.Guard
	counter     safemode.CounterStore
	noSafeMode  bool
	process     string
	probe       PlatformProbe
	recompiler  Recompiler
	enabled     bool
	kinds       []manifest.Kind
	variant     manifest.Variant
	checksums   bool
	acceptAsIs  func(name string) bool
	parallelism int
	dryRun      bool
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	logger      *slog.Logger
	verifiers   map[manifest.Kind]*verify.Verifier
}

// Option configures a Machine.
type Option func(*Machine)

// WithLedger sets the ledger. Defaults to the ledger under the layout.
func WithLedger(l *ledger.Ledger) Option {
	return func(m *Machine) { m.ledger = l }
}

// WithPackageChecker sets the package identity checker. Defaults to an
// archive checker without a baseline comparison.
func WithPackageChecker(c pkgcheck.Checker) Option {
	return func(m *Machine) { m.checker = c }
}

// WithHasher sets the checksum hasher. Defaults to MD5.
func WithHasher(h checksum.Hasher) Option {
	return func(m *Machine) { m.hasher = h }
}

// WithInstallers sets fixed per-kind installers. The ledger's restricted
// flag does not affect them; use WithStrategies for that.
func WithInstallers(set installer.Set) Option {
	return func(m *Machine) { m.installers = set }
}

// WithStrategies makes every attempt select its installers from registry.
//
// # Description
//
// caps is the detected platform capability set. Each attempt copies it,
// marks it restricted when the ledger record says so, fills in the
// configured runtime variant when caps leaves it blank, and selects the
// first supporting strategy per kind. Takes precedence over
// WithInstallers.
func WithStrategies(caps installer.Capabilities, registry map[manifest.Kind][]installer.Strategy) Option {
	return func(m *Machine) {
		m.caps = caps
		m.strategies = registry
	}
}

// WithCoordinator sets the process coordinator. Defaults to coordinator.Noop.
func WithCoordinator(c coordinator.Coordinator) Option {
	return func(m *Machine) { m.coordinator = c }
}

// WithSafeMode sets the safe-mode guard and its counter store. Defaults to
// a guard with the default budget over the layout's counter directory,
// serialized through the layout's safe-mode lock file.
func WithSafeMode(g *safemode.Guard, store safemode.CounterStore) Option {
	return func(m *Machine) {
		m.guard = g
		m.counter = store
	}
}

// WithProcessName sets the name this process's safe-mode counter is kept
// under. Defaults to the role name, so processes of one role share a
// budget unless they are given distinct names.
func WithProcessName(name string) Option {
	return func(m *Machine) { m.process = name }
}

// WithoutSafeMode disables the safe-mode check.
func WithoutSafeMode() Option {
	return func(m *Machine) { m.noSafeMode = true }
}

// WithPlatform enables host-platform reconciliation.
func WithPlatform(probe PlatformProbe, rc Recompiler) Option {
	return func(m *Machine) {
		m.probe = probe
		m.recompiler = rc
	}
}

// WithEnabled switches the loader on or off. Enabled by default.
func WithEnabled(enabled bool) Option {
	return func(m *Machine) { m.enabled = enabled }
}

// WithKinds restricts the enabled artifact kinds. All kinds by default.
func WithKinds(kinds ...manifest.Kind) Option {
	return func(m *Machine) { m.kinds = append([]manifest.Kind{}, kinds...) }
}

// WithVariant sets the host runtime variant. Defaults to JIT.
func WithVariant(v manifest.Variant) Option {
	return func(m *Machine) { m.variant = v }
}

// WithChecksums toggles digest verification. On by default.
func WithChecksums(enabled bool) Option {
	return func(m *Machine) { m.checksums = enabled }
}

// WithAcceptAsIs lets code artifacts matching pred load without a derived
// form.
func WithAcceptAsIs(pred func(name string) bool) Option {
	return func(m *Machine) { m.acceptAsIs = pred }
}

// WithRecompileParallelism bounds concurrent recompilations.
func WithRecompileParallelism(n int) Option {
	return func(m *Machine) { m.parallelism = n }
}

// WithDryRun runs every check and the install phase but never writes the
// ledger, deletes directories or signals siblings.
func WithDryRun() Option {
	return func(m *Machine) { m.dryRun = true }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(m *Machine) { m.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New creates a Machine for the patch root described by lay.
func New(lay layout.Layout, opts ...Option) *Machine {
	m := &Machine{
		layout:      lay,
		enabled:     true,
		variant:     manifest.VariantJIT,
		checksums:   true,
		parallelism: DefaultRecompileParallelism,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default().With("component", "activation.Machine")
	}
	if m.metrics == nil {
		m.metrics = telemetry.Default()
	}
	if m.tracer == nil {
		m.tracer = telemetry.NewTracer(nil, m.logger, true)
	}
	m.kinds = canonicalKinds(m.kinds)
	if m.ledger == nil {
		m.ledger = ledger.New(lay, ledger.WithMetrics(m.metrics))
	}
	if m.checker == nil {
		m.checker = pkgcheck.NewArchiveChecker("", pkgcheck.WithEnabledKinds(m.kinds...))
	}
	if m.hasher == nil {
		m.hasher = checksum.NewMD5Hasher(0)
	}
	if m.coordinator == nil {
		m.coordinator = coordinator.Noop{}
	}
	if m.noSafeMode {
		m.guard, m.counter = nil, nil
	} else {
		if m.guard == nil {
			m.guard = safemode.New(
				safemode.WithMetrics(m.metrics),
				safemode.WithLock(lay.SafeModeLockPath(), 0),
			)
		}
		if m.counter == nil {
			m.counter = safemode.NewFileStore(lay.SafeModeDir())
		}
	}

	m.verifiers = make(map[manifest.Kind]*verify.Verifier, len(m.kinds))
	for _, kind := range m.kinds {
		policy, _ := verify.PolicyFor(kind)
		vopts := []verify.Option{verify.WithChecksums(m.checksums), verify.WithLogger(m.logger.With("kind", string(kind)))}
		if m.acceptAsIs != nil {
			vopts = append(vopts, verify.AcceptAsIs(m.acceptAsIs))
		}
		m.verifiers[kind] = verify.New(policy, m.hasher, vopts...)
	}
	return m
}

// canonicalKinds returns the known kinds of kinds in verification order.
// nil selects every kind.
func canonicalKinds(kinds []manifest.Kind) []manifest.Kind {
	if kinds == nil {
		return slices.Clone(manifest.AllKinds)
	}
	out := make([]manifest.Kind, 0, len(manifest.AllKinds))
	for _, k := range manifest.AllKinds {
		if slices.Contains(kinds, k) {
			out = append(out, k)
		}
	}
	return out
}

// Kinds returns the enabled kinds in verification order.
func (m *Machine) Kinds() []manifest.Kind {
	return slices.Clone(m.kinds)
}

// Run performs one activation attempt.
//
// # Description
//
// Creates a fresh ActivationContext and walks the state machine to Done or
// Failed. The attempt is traced as one span with an event per state and
// counted in the activation metrics.
//
// # Inputs
//
//   - ctx: Bounds lock waits and filesystem work.
//   - role: The calling process's role.
//
// # Outputs
//
//   - *Result: Always non-nil.
//   - error: Non-nil only when an installer failed; it is the
//     *InstallError also stored in Result.Err.
func (m *Machine) Run(ctx context.Context, role Role) (*Result, error) {
	ac := newActivationContext(role)
	ac.Process = m.process
	if strings.TrimSpace(ac.Process) == "" {
		ac.Process = role.String()
	}
	ctx, ac.span = m.tracer.StartAttempt(ctx, ac.AttemptID, ac.IsMain())
	logger := m.logger.With("attempt_id", ac.AttemptID, "role", role.String(), "process", ac.Process)

	res, err := m.run(ctx, ac, logger)

	res.AttemptID = ac.AttemptID
	res.Role = role.String()
	res.Process = ac.Process
	res.Version = ac.Version
	res.Record = ac.Record
	res.VersionChanged = ac.VersionChanged
	res.Reconciled = ac.Reconciled
	res.Installed = ac.Installed
	res.Installers = ac.Installers
	res.States = ac.States()
	res.Duration = time.Since(ac.Started)

	m.metrics.RecordActivation(ctx, string(res.Outcome), string(res.Reason), res.Duration)
	m.tracer.EndAttempt(ac.span, string(res.Outcome), string(res.Reason), res.Version, res.Err)
	if res.OK() {
		logger.Info("activation done",
			"version", res.Version, "version_changed", res.VersionChanged,
			"kinds", len(res.Installed), "duration", res.Duration)
	} else {
		logger.Warn("activation failed",
			"reason", string(res.Reason), "kind", string(res.Kind), "path", res.Path,
			"version", res.Version, "error", res.Err)
	}
	return res, err
}

func (m *Machine) run(ctx context.Context, ac *ActivationContext, logger *slog.Logger) (*Result, error) {
	m.enter(ac, StateDisabled)
	if !m.enabled || len(m.kinds) == 0 || ac.Role == RolePatchWorker {
		return m.fail(ac, ReasonDisabled, "", nil), nil
	}

	m.enter(ac, StateDirectoryCheck)
	if !layout.IsDir(m.layout.Root()) {
		return m.fail(ac, ReasonDirectoryMissing, m.layout.Root(), nil), nil
	}

	m.enter(ac, StateLedgerCheck)
	rec, err := m.ledger.Read(ctx)
	switch {
	case err == nil:
		ac.Record = rec
	case errors.Is(err, ledger.ErrNotFound):
		return m.fail(ac, ReasonLedgerMissing, m.ledger.Path(), err), nil
	case errors.Is(err, ledger.ErrCorrupted):
		return m.fail(ac, ReasonLedgerCorrupted, m.ledger.Path(), err), nil
	default:
		return m.fail(ac, ReasonLedgerUnavailable, m.ledger.Path(), err), nil
	}
	ac.Capabilities = m.caps
	ac.Capabilities.Restricted = m.caps.Restricted || ac.Record.RestrictedMode
	if ac.Capabilities.Runtime == "" {
		ac.Capabilities.Runtime = m.variant
	}

	m.enter(ac, StateVersionResolve)
	if ac.IsMain() && ac.Record.MarkedForRemoval {
		if res := m.cleanupStale(ctx, ac, logger); res != nil {
			return res, nil
		}
	}
	pkgPath, res := m.resolve(ac)
	if res != nil {
		return res, nil
	}

	m.enter(ac, StatePackageCheck)
	info, err := m.checker.CheckIdentity(ctx, pkgPath)
	if err != nil {
		res := m.fail(ac, ReasonPackageCheckFailed, pkgPath, err)
		var ce *pkgcheck.CheckError
		if errors.As(err, &ce) {
			res.PackageCode = ce.Code
		}
		return res, nil
	}
	ac.Package = info

	m.enter(ac, StateKindVerification)
	for _, kind := range m.kinds {
		set, err := m.verifiers[kind].CheckComplete(ctx, verify.Request{
			VersionDir:   ac.VersionDir,
			ManifestText: info.Manifest(kind),
			Variant:      m.variant,
			Mode:         ac.Mode,
		})
		if err != nil {
			var f *verify.Failure
			if errors.As(err, &f) {
				res := m.fail(ac, Reason(f.Reason), f.Path, err)
				res.Kind = kind
				return res, nil
			}
			res := m.fail(ac, ReasonInterrupted, ac.VersionDir, err)
			res.Kind = kind
			return res, nil
		}
		ac.Verified[kind] = set
	}
	if ac.IsMain() && ac.ModeChanged && !m.dryRun {
		interpreted := layout.DerivedDir(ac.VersionDir, string(ledger.ModeInterpreted))
		if err := os.RemoveAll(interpreted); err != nil {
			logger.Warn("failed to delete interpreted derived forms", "path", interpreted, "error", err)
		}
	}

	m.enter(ac, StateSafeModeCheck)
	if m.guard != nil && m.counter != nil && !m.dryRun {
		ok, err := m.guard.Enter(ctx, m.counter, ac.Process)
		if err != nil {
			return m.fail(ac, ReasonSafeModeUnavailable, "", err), nil
		}
		if !ok {
			return m.fail(ac, ReasonTooManyAttempts, "", nil), nil
		}
	}

	if needsReconciliation(m.probe, m.variant, ac.Record) {
		m.enter(ac, StateReconciliation)
		logger.Info("host platform changed, recompiling derived forms",
			"recorded", ac.Record.PlatformFingerprint, "current", m.probe.Fingerprint())
		if err := reconcile(ctx, m.recompiler, ac.Verified[manifest.KindCode], ac.VersionDir, m.parallelism); err != nil {
			res := m.fail(ac, ReasonReconciliationFailed, ac.VersionDir, err)
			res.Kind = manifest.KindCode
			return res, nil
		}
		ac.Reconciled = true
		ac.Mode = ledger.ModeInterpreted
	}

	m.enter(ac, StateInstall)
	if res := m.selectInstallers(ac); res != nil {
		return res, nil
	}
	if res, err := m.install(ctx, ac); res != nil {
		return res, err
	}

	if ac.IsMain() && (ac.VersionChanged || ac.ModeChanged || ac.Reconciled) {
		m.enter(ac, StateCommitLedger)
		if err := m.commit(ctx, ac); err != nil {
			return m.fail(ac, ReasonLedgerRewriteFailed, m.ledger.Path(), err), nil
		}
	}

	m.enter(ac, StateDone)
	if ac.IsMain() && ac.VersionChanged {
		m.terminateSiblings(ctx, logger)
	}
	return &Result{Outcome: OutcomeDone}, nil
}

// cleanupStale discards a version marked for removal. It returns a
// terminal result when the attempt must stop.
func (m *Machine) cleanupStale(ctx context.Context, ac *ActivationContext, logger *slog.Logger) *Result {
	m.enter(ac, StateStaleVersionCleanup)
	before := ac.Record
	stale := before.PendingVersion
	if strings.TrimSpace(stale) == "" {
		return m.clearRemovalMark(ctx, ac, logger)
	}
	staleDir, err := m.layout.VersionDir(stale)
	if err != nil {
		return m.fail(ac, ReasonVersionInvalid, stale, err)
	}

	// Converged versions mean the stale version was already activated, so
	// siblings may be running it.
	converged := before.InstalledVersion == before.PendingVersion
	collapse := func(r *ledger.Record) {
		if converged {
			r.InstalledVersion = ""
		}
		r.PendingVersion = r.InstalledVersion
		r.MarkedForRemoval = false
	}

	if m.dryRun {
		collapse(&ac.Record)
	} else {
		updated, err := m.ledger.Update(ctx, func(r *ledger.Record) error {
			if *r != before {
				return errLedgerChanged
			}
			collapse(r)
			return nil
		})
		if err != nil {
			return m.fail(ac, ReasonLedgerRewriteFailed, m.ledger.Path(), err)
		}
		ac.Record = updated
		if err := m.layout.RemoveVersion(stale); err != nil {
			logger.Warn("failed to delete stale version", "version", stale, "error", err)
		}
	}
	logger.Info("discarded version marked for removal", "version", stale, "converged", converged)

	if converged {
		m.terminateSiblings(ctx, logger)
		return m.fail(ac, ReasonRolledBack, staleDir, nil)
	}
	return nil
}

// clearRemovalMark drops a removal mark that has no pending version to
// discard, so it is not carried into every later start.
func (m *Machine) clearRemovalMark(ctx context.Context, ac *ActivationContext, logger *slog.Logger) *Result {
	if m.dryRun {
		ac.Record.MarkedForRemoval = false
		return nil
	}
	before := ac.Record
	updated, err := m.ledger.Update(ctx, func(r *ledger.Record) error {
		if *r != before {
			return errLedgerChanged
		}
		r.MarkedForRemoval = false
		return nil
	})
	if err != nil {
		return m.fail(ac, ReasonLedgerRewriteFailed, m.ledger.Path(), err)
	}
	ac.Record = updated
	logger.Info("cleared removal mark without a pending version")
	return nil
}

// resolve picks the version this process loads and its compilation mode.
func (m *Machine) resolve(ac *ActivationContext) (string, *Result) {
	version := ac.Record.InstalledVersion
	if ac.IsMain() && ac.Record.HasPending() {
		version = ac.Record.PendingVersion
		ac.VersionChanged = true
	}
	if strings.TrimSpace(version) == "" {
		return "", m.fail(ac, ReasonNoVersionToLoad, "", nil)
	}
	ac.Version = version

	dir, err := m.layout.VersionDir(version)
	if err != nil {
		return "", m.fail(ac, ReasonVersionInvalid, version, err)
	}
	ac.VersionDir = dir
	if !layout.IsDir(dir) {
		return "", m.fail(ac, ReasonVersionDirectoryMissing, dir, nil)
	}
	pkgPath, err := m.layout.PackagePath(version)
	if err != nil {
		return "", m.fail(ac, ReasonVersionInvalid, version, err)
	}
	if !layout.IsFile(pkgPath) {
		return "", m.fail(ac, ReasonPackageFileMissing, pkgPath, nil)
	}

	ac.Mode = ac.Record.Mode
	if ac.Mode == ledger.ModeTransitioning {
		ac.ModeChanged = true
		ac.Mode = ledger.ModeInterpreted
		if ac.IsMain() {
			ac.Mode = ledger.ModeDefault
		}
	}
	return pkgPath, nil
}

// selectInstallers fixes the installer of every kind with artifacts for
// this attempt.
func (m *Machine) selectInstallers(ac *ActivationContext) *Result {
	if m.strategies == nil {
		ac.Installers = m.installers
		return nil
	}
	ac.Installers = make(installer.Set, len(m.kinds))
	for _, kind := range m.kinds {
		if ac.Verified[kind].Empty() {
			continue
		}
		strategies, ok := m.strategies[kind]
		if !ok {
			continue
		}
		inst, err := installer.Select(ac.Capabilities, strategies...)
		if err != nil {
			res := m.fail(ac, ReasonInstallerUnavailable, "", err)
			res.Kind = kind
			return res
		}
		ac.Installers[kind] = inst
	}
	return nil
}

// install hands each non-empty kind to its installer in verification order.
func (m *Machine) install(ctx context.Context, ac *ActivationContext) (*Result, error) {
	for _, kind := range m.kinds {
		set := ac.Verified[kind]
		if set.Empty() {
			continue
		}
		inst := ac.Installers[kind]
		if inst == nil {
			res := m.fail(ac, ReasonInstallerUnavailable, "", installer.ErrNoStrategy)
			res.Kind = kind
			return res, nil
		}

		ordered := order.Order(set.Paths())
		workDir := layout.KindDir(ac.VersionDir, kind)
		if kind == manifest.KindCode {
			workDir = layout.DerivedDir(ac.VersionDir, string(ac.Mode))
		}
		if err := inst.Install(ctx, ordered, workDir); err != nil {
			ie := &InstallError{Kind: kind, Installer: inst.Name(), Err: err}
			res := m.fail(ac, ReasonInstallException, "", ie)
			res.Kind = kind
			return res, ie
		}
		ac.Installed = append(ac.Installed, InstalledKind{Kind: kind, Installer: inst.Name(), Paths: ordered})
	}
	return nil, nil
}

// commit persists the activated version, resolved mode and fingerprint.
func (m *Machine) commit(ctx context.Context, ac *ActivationContext) error {
	apply := func(r *ledger.Record) {
		if ac.VersionChanged {
			r.InstalledVersion = ac.Version
		}
		r.Mode = ac.Mode
		if m.probe != nil && m.probe.Fingerprint() != "" {
			r.PlatformFingerprint = m.probe.Fingerprint()
		}
	}
	if m.dryRun {
		apply(&ac.Record)
		return nil
	}
	updated, err := m.ledger.Update(ctx, func(r *ledger.Record) error {
		apply(r)
		return nil
	})
	if err != nil {
		return err
	}
	ac.Record = updated
	return nil
}

func (m *Machine) terminateSiblings(ctx context.Context, logger *slog.Logger) {
	if m.dryRun {
		return
	}
	if err := m.coordinator.TerminateSiblings(ctx); err != nil {
		logger.Warn("failed to terminate sibling processes", "error", err)
	}
}

func (m *Machine) enter(ac *ActivationContext, s State) {
	ac.states = append(ac.states, s)
	m.tracer.Transition(ac.span, string(s))
}

func (m *Machine) fail(ac *ActivationContext, reason Reason, path string, err error) *Result {
	m.enter(ac, StateFailed)
	return &Result{Outcome: OutcomeFailed, Reason: reason, Path: path, Err: err}
}

// Describe summarizes a result on one line.
func Describe(r *Result) string {
	if r.OK() {
		return fmt.Sprintf("done version=%s changed=%t", r.Version, r.VersionChanged)
	}
	s := fmt.Sprintf("failed reason=%s", r.Reason)
	if r.Kind != "" {
		s += " kind=" + string(r.Kind)
	}
	if r.Path != "" {
		s += " path=" + r.Path
	}
	return s
}
