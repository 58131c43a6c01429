// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchloader/services/loader/activation"
	"github.com/AleutianAI/patchloader/services/loader/coordinator"
	"github.com/AleutianAI/patchloader/services/loader/installer"
	"github.com/AleutianAI/patchloader/services/loader/ledger"
	"github.com/AleutianAI/patchloader/services/loader/manifest"
	"github.com/AleutianAI/patchloader/services/loader/order"
	"github.com/AleutianAI/patchloader/services/loader/pkgcheck"
	"github.com/AleutianAI/patchloader/services/loader/telemetry"
	"github.com/AleutianAI/patchloader/services/loader/verify"
)

// errNothingStaged is returned by mark-removal when the ledger names no
// version.
var errNothingStaged = errors.New("ledger names no version")

// ledgerView is the JSON form of a ledger record.
type ledgerView struct {
	InstalledVersion    string `json:"installed_version"`
	PendingVersion      string `json:"pending_version"`
	Mode                string `json:"overlay_mode"`
	MarkedForRemoval    bool   `json:"marked_for_removal"`
	PlatformFingerprint string `json:"platform_fingerprint"`
	RestrictedMode      bool   `json:"restricted_mode"`
}

func viewOf(r ledger.Record) ledgerView {
	return ledgerView{
		InstalledVersion:    r.InstalledVersion,
		PendingVersion:      r.PendingVersion,
		Mode:                string(r.Mode),
		MarkedForRemoval:    r.MarkedForRemoval,
		PlatformFingerprint: r.PlatformFingerprint,
		RestrictedMode:      r.RestrictedMode,
	}
}

func writeRecord(w io.Writer, r ledger.Record) {
	fmt.Fprintf(w, "installed:   %s\n", orNone(r.InstalledVersion))
	fmt.Fprintf(w, "pending:     %s\n", orNone(r.PendingVersion))
	fmt.Fprintf(w, "mode:        %s\n", r.Mode)
	fmt.Fprintf(w, "removal:     %t\n", r.MarkedForRemoval)
	fmt.Fprintf(w, "fingerprint: %s\n", orNone(r.PlatformFingerprint))
	fmt.Fprintf(w, "restricted:  %t\n", r.RestrictedMode)
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// status
// =============================================================================

type statusView struct {
	Root        string     `json:"root"`
	Ledger      ledgerView `json:"ledger"`
	Versions    []string   `json:"versions"`
	Attempts    int        `json:"safe_mode_attempts"`
	MaxAttempts int        `json:"safe_mode_max_attempts"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the version ledger and staged versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			lay := a.cfg.Layout()
			rec, err := a.ledger().Read(ctx)
			if err != nil {
				return fmt.Errorf("reading ledger: %w", err)
			}
			versions, err := lay.Versions()
			if err != nil {
				return fmt.Errorf("listing versions: %w", err)
			}
			attempts, err := a.cfg.SafeModeStore().Load(ctx, activation.RoleMain.String())
			if err != nil {
				return fmt.Errorf("reading safe-mode counter: %w", err)
			}
			view := statusView{
				Root:        lay.Root(),
				Ledger:      viewOf(rec),
				Versions:    versions,
				Attempts:    attempts,
				MaxAttempts: a.guard().MaxAttempts(),
			}
			return a.emit(view, func(w io.Writer) error {
				fmt.Fprintf(w, "root:        %s\n", view.Root)
				writeRecord(w, rec)
				fmt.Fprintf(w, "versions:    %s\n", orNone(strings.Join(versions, ", ")))
				fmt.Fprintf(w, "safe mode:   %d/%d\n", view.Attempts, view.MaxAttempts)
				return nil
			})
		},
	}
}

// =============================================================================
// verify
// =============================================================================

type kindView struct {
	Kind    manifest.Kind `json:"kind"`
	Paths   []string      `json:"paths"`
	Skipped int           `json:"skipped_lines"`
}

type failureView struct {
	Kind   manifest.Kind `json:"kind,omitempty"`
	Reason string        `json:"reason"`
	Path   string        `json:"path,omitempty"`
	Error  string        `json:"error"`
}

type verifyView struct {
	Version string       `json:"version"`
	Mode    ledger.Mode  `json:"mode"`
	Kinds   []kindView   `json:"kinds"`
	Failure *failureView `json:"failure,omitempty"`
}

func newVerifyCmd(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "verify [version]",
		Short: "Verify every enabled kind of a staged version without installing it",
		Long: `verify runs the package check and per-kind verification for a version.
Without an argument the ledger's pending version is used, falling back to the
installed version.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := ledger.Mode(mode)
			if !m.Valid() || m == ledger.ModeTransitioning {
				return fmt.Errorf("invalid --mode %q", mode)
			}
			version, err := a.targetVersion(ctx, args)
			if err != nil {
				return err
			}
			view, err := a.verifyVersion(ctx, version, m)
			if perr := a.emit(view, func(w io.Writer) error { return writeVerify(w, view) }); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(ledger.ModeDefault), "derived forms mode: default or interpreted")
	return cmd
}

func (a *app) targetVersion(ctx context.Context, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	rec, err := a.ledger().Read(ctx)
	if err != nil {
		return "", fmt.Errorf("reading ledger: %w", err)
	}
	if rec.PendingVersion != "" {
		return rec.PendingVersion, nil
	}
	if rec.InstalledVersion != "" {
		return rec.InstalledVersion, nil
	}
	return "", errNothingStaged
}

func (a *app) verifyVersion(ctx context.Context, version string, mode ledger.Mode) (verifyView, error) {
	view := verifyView{Version: version, Mode: mode, Kinds: []kindView{}}
	fail := func(kind manifest.Kind, reason, path string, err error) (verifyView, error) {
		view.Failure = &failureView{Kind: kind, Reason: reason, Path: path, Error: err.Error()}
		return view, fmt.Errorf("verification failed: %w", err)
	}

	lay := a.cfg.Layout()
	versionDir, err := lay.VersionDir(version)
	if err != nil {
		return fail("", string(activation.ReasonVersionInvalid), "", err)
	}
	pkgPath, err := lay.PackagePath(version)
	if err != nil {
		return fail("", string(activation.ReasonVersionInvalid), "", err)
	}
	kinds := a.cfg.EnabledKinds()
	checker := pkgcheck.NewArchiveChecker(a.cfg.BaselineID,
		pkgcheck.WithEnabledKinds(kinds...),
		pkgcheck.WithLogger(a.slog().With("component", "pkgcheck.ArchiveChecker")),
	)
	info, err := checker.CheckIdentity(ctx, pkgPath)
	if err != nil {
		return fail("", string(activation.ReasonPackageCheckFailed), pkgPath, err)
	}
	hasher, err := a.cfg.Hasher()
	if err != nil {
		return view, err
	}

	for _, kind := range kinds {
		policy, ok := verify.PolicyFor(kind)
		if !ok {
			continue
		}
		v := verify.New(policy, hasher,
			verify.WithChecksums(a.cfg.VerifyChecksums),
			verify.WithLogger(a.slog().With("component", "verify.Verifier", "kind", kind)),
		)
		set, err := v.CheckComplete(ctx, verify.Request{
			VersionDir:   versionDir,
			ManifestText: info.Manifest(kind),
			Variant:      a.cfg.Variant(),
			Mode:         mode,
		})
		if err != nil {
			var f *verify.Failure
			if errors.As(err, &f) {
				return fail(kind, string(f.Reason), f.Path, err)
			}
			return fail(kind, string(activation.ReasonInterrupted), versionDir, err)
		}
		view.Kinds = append(view.Kinds, kindView{Kind: kind, Paths: order.Order(set.Paths()), Skipped: len(set.Skipped)})
	}
	return view, nil
}

func writeVerify(w io.Writer, v verifyView) error {
	fmt.Fprintf(w, "version %s (mode %s)\n", v.Version, v.Mode)
	for _, k := range v.Kinds {
		fmt.Fprintf(w, "  %-4s ok, %d artifact(s)", k.Kind, len(k.Paths))
		if k.Skipped > 0 {
			fmt.Fprintf(w, ", %d skipped line(s)", k.Skipped)
		}
		fmt.Fprintln(w)
	}
	if f := v.Failure; f != nil {
		fmt.Fprintf(w, "  FAILED %s", f.Reason)
		if f.Kind != "" {
			fmt.Fprintf(w, " kind=%s", f.Kind)
		}
		if f.Path != "" {
			fmt.Fprintf(w, " path=%s", f.Path)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// =============================================================================
// order
// =============================================================================

type orderEntry struct {
	Position int    `json:"position"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

func newOrderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "order <dir>",
		Short: "Print the overlay order of the artifacts in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := os.ReadDir(args[0])
			if err != nil {
				return err
			}
			var paths []string
			for _, e := range entries {
				if e.Type().IsRegular() {
					paths = append(paths, filepath.Join(args[0], e.Name()))
				}
			}
			out := []orderEntry{}
			for i, p := range order.Order(paths) {
				out = append(out, orderEntry{Position: i, Name: filepath.Base(p), Path: p})
			}
			return a.emit(out, func(w io.Writer) error {
				for _, e := range out {
					fmt.Fprintf(w, "%3d  %s\n", e.Position, e.Name)
				}
				return nil
			})
		},
	}
}

// =============================================================================
// safemode
// =============================================================================

type safeModeView struct {
	Process     string `json:"process"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Refusing    bool   `json:"refusing"`
}

func newSafeModeCmd(a *app) *cobra.Command {
	var process string
	cmd := &cobra.Command{
		Use:   "safemode",
		Short: "Inspect or reset a process's crash-loop counter",
	}
	cmd.PersistentFlags().StringVar(&process, "process", activation.RoleMain.String(), "process name the counter is kept under")
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the attempt counter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := a.cfg.SafeModeStore().Load(cmd.Context(), process)
			if err != nil {
				return fmt.Errorf("reading safe-mode counter: %w", err)
			}
			limit := a.guard().MaxAttempts()
			view := safeModeView{Process: process, Attempts: n, MaxAttempts: limit, Refusing: n >= limit-1}
			return a.emit(view, func(w io.Writer) error {
				state := "allowing"
				if view.Refusing {
					state = "refusing next attempt"
				}
				fmt.Fprintf(w, "%s: %d/%d attempts, %s\n", view.Process, view.Attempts, view.MaxAttempts, state)
				return nil
			})
		},
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset the attempt counter to zero",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g := a.guard()
			if err := g.Reset(cmd.Context(), a.cfg.SafeModeStore(), process); err != nil {
				return err
			}
			view := safeModeView{Process: process, MaxAttempts: g.MaxAttempts()}
			return a.emit(view, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "safe-mode counter of %s reset\n", process)
				return err
			})
		},
	}
	cmd.AddCommand(show, reset)
	return cmd
}

// =============================================================================
// mark-removal
// =============================================================================

func newMarkRemovalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-removal",
		Short: "Ask the next main-process start to discard the pending version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := a.ledger().Update(cmd.Context(), func(r *ledger.Record) error {
				if r.PendingVersion == "" && r.InstalledVersion == "" {
					return errNothingStaged
				}
				r.MarkedForRemoval = true
				return nil
			})
			if err != nil {
				return fmt.Errorf("marking for removal: %w", err)
			}
			return a.emit(viewOf(rec), func(w io.Writer) error {
				writeRecord(w, rec)
				return nil
			})
		},
	}
}

// =============================================================================
// activate
// =============================================================================

func newActivateCmd(a *app) *cobra.Command {
	var (
		dryRun     bool
		role       string
		process    string
		restricted bool
	)
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Run the activation state machine against the patch root",
		Long: `activate runs one activation attempt with in-process search-path
installers. With --dry-run (the default) nothing on disk changes: no ledger
write, no deletion, no safe-mode counter update and no signals. With
--dry-run=false a main-role run commits the ledger and terminates registered
sibling processes when the version changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := parseRole(role)
			if err != nil {
				return err
			}
			return a.activate(cmd.Context(), activateOptions{
				role:       r,
				dryRun:     dryRun,
				process:    process,
				restricted: restricted,
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "leave the patch root untouched")
	cmd.Flags().StringVar(&role, "role", activation.RoleMain.String(), "main or secondary")
	cmd.Flags().StringVar(&process, "process", "", "safe-mode process name, defaults to the role")
	cmd.Flags().BoolVar(&restricted, "restricted", false, "treat the platform as restricted regardless of the ledger")
	return cmd
}

func parseRole(s string) (activation.Role, error) {
	switch s {
	case activation.RoleMain.String():
		return activation.RoleMain, nil
	case activation.RoleSecondary.String():
		return activation.RoleSecondary, nil
	}
	return 0, fmt.Errorf("invalid --role %q", s)
}

type activateOptions struct {
	role       activation.Role
	dryRun     bool
	process    string
	restricted bool
}

// searchPathRegistry offers a reference installer per kind, with a separate
// strategy for restricted platforms.
func searchPathRegistry() map[manifest.Kind][]installer.Strategy {
	registry := make(map[manifest.Kind][]installer.Strategy, len(manifest.AllKinds))
	for _, k := range manifest.AllKinds {
		unrestricted := installer.SearchPathStrategy(string(k))
		unrestricted.Supports = func(caps installer.Capabilities) bool { return !caps.Restricted }
		restricted := installer.SearchPathStrategy(string(k) + "-restricted")
		registry[k] = []installer.Strategy{unrestricted, restricted}
	}
	return registry
}

func (a *app) activate(ctx context.Context, ao activateOptions) error {
	cfg := a.cfg
	lay := cfg.Layout()
	logger := a.slog()
	role, dryRun := ao.role, ao.dryRun

	caps := installer.Capabilities{Runtime: cfg.Variant(), Restricted: ao.restricted}
	hasher, err := cfg.Hasher()
	if err != nil {
		return err
	}
	store := cfg.SafeModeStore()
	guard := a.guard()

	opts := []activation.Option{
		activation.WithLedger(a.ledger()),
		activation.WithPackageChecker(pkgcheck.NewArchiveChecker(cfg.BaselineID,
			pkgcheck.WithEnabledKinds(cfg.EnabledKinds()...),
			pkgcheck.WithLogger(logger.With("component", "pkgcheck.ArchiveChecker")),
		)),
		activation.WithHasher(hasher),
		activation.WithStrategies(caps, searchPathRegistry()),
		activation.WithSafeMode(guard, store),
		activation.WithProcessName(ao.process),
		activation.WithEnabled(cfg.Enabled),
		activation.WithKinds(cfg.EnabledKinds()...),
		activation.WithVariant(cfg.Variant()),
		activation.WithChecksums(cfg.VerifyChecksums),
		activation.WithRecompileParallelism(cfg.RecompileParallelism),
		activation.WithTracer(telemetry.NewTracer(nil, logger, cfg.Telemetry.Tracing)),
		activation.WithLogger(logger),
	}
	if dryRun {
		opts = append(opts, activation.WithDryRun(), activation.WithCoordinator(coordinator.Noop{}))
	} else {
		opts = append(opts, activation.WithCoordinator(coordinator.NewRegistry(lay,
			coordinator.WithSafeMode(guard, store, processName(ao.process, role)),
			coordinator.WithLogger(logger.With("component", "coordinator.Registry")),
		)))
	}

	res, runErr := activation.New(lay, opts...).Run(ctx, role)
	if res == nil {
		return runErr
	}
	var ie *activation.InstallError
	if errors.As(runErr, &ie) {
		if err := activation.Rollback(ctx, res, res.Installers); err != nil {
			logger.Error("Rollback failed", "error", err)
		}
	}
	if err := a.emit(res, func(w io.Writer) error {
		fmt.Fprintln(w, activation.Describe(res))
		states := make([]string, 0, len(res.States))
		for _, s := range res.States {
			states = append(states, string(s))
		}
		fmt.Fprintf(w, "states: %s\n", strings.Join(states, " -> "))
		for _, k := range res.Installed {
			fmt.Fprintf(w, "%s via %s:\n", k.Kind, k.Installer)
			for _, p := range k.Paths {
				fmt.Fprintf(w, "  %s\n", p)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if !res.OK() {
		return fmt.Errorf("activation failed: %s", res.Reason)
	}
	return nil
}

func processName(process string, role activation.Role) string {
	if strings.TrimSpace(process) == "" {
		return role.String()
	}
	return process
}

// =============================================================================
// watch
// =============================================================================

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the ledger every time it changes, until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			l := a.ledger()
			return coordinator.WatchLedger(ctx, l.Path(), func() {
				rec, err := l.Read(ctx)
				if err != nil {
					a.slog().Warn("Ledger unreadable after change", "error", err)
					return
				}
				_ = a.emit(viewOf(rec), func(w io.Writer) error {
					writeRecord(w, rec)
					fmt.Fprintln(w)
					return nil
				})
			})
		},
	}
}
