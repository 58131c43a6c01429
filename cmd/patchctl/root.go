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
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/patchloader/pkg/logging"
	"github.com/AleutianAI/patchloader/services/loader/config"
	"github.com/AleutianAI/patchloader/services/loader/ledger"
	"github.com/AleutianAI/patchloader/services/loader/safemode"
	"github.com/AleutianAI/patchloader/services/loader/telemetry"
)

// app holds the flags and the state built by PersistentPreRunE.
type app struct {
	configPath string
	rootDir    string
	logLevel   string
	jsonOut    bool

	cfg    config.Config
	logger *logging.Logger
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{out: stdout, errOut: stderr}
	root := &cobra.Command{
		Use:   "patchctl",
		Short: "Inspect and drive the runtime patch loader",
		Long: `patchctl reads the patch root configured in patchloader.yaml (or
given with --root) and exposes the loader's ledger, verification, overlay
ordering, safe-mode counter and activation state machine.`,
		SilenceUsage:       true,
		PersistentPreRunE:  func(cmd *cobra.Command, _ []string) error { return a.setup() },
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error { return a.close() },
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", defaultConfigPath(), "config file")
	f.StringVar(&a.rootDir, "root", "", "patch root directory, overrides root_dir")
	f.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error, overrides logging.level")
	f.BoolVar(&a.jsonOut, "json", !isTerminal(stdout), "print JSON instead of text")

	root.AddCommand(
		newStatusCmd(a),
		newVerifyCmd(a),
		newOrderCmd(a),
		newSafeModeCmd(a),
		newMarkRemovalCmd(a),
		newActivateCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.rootDir != "" {
		cfg.RootDir = a.rootDir
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	telemetry.SetMetricsEnabled(cfg.Telemetry.Metrics)
	a.logger = logging.New(logging.Config{
		Level:   cfg.LogLevel(),
		LogDir:  cfg.Logging.Dir,
		Service: "patchctl",
		JSON:    cfg.Logging.JSON,
		Output:  a.errOut,
	})
	slog.SetDefault(a.logger.Slog())
	return nil
}

func (a *app) close() error {
	if a.logger == nil {
		return nil
	}
	return a.logger.Close()
}

func (a *app) slog() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

func (a *app) ledger() *ledger.Ledger {
	return ledger.New(a.cfg.Layout(),
		ledger.WithLockTimeout(a.cfg.LockTimeout),
		ledger.WithLogger(a.slog().With("component", "ledger.Ledger")),
	)
}

func (a *app) guard() *safemode.Guard {
	return a.cfg.SafeModeGuard(safemode.WithLogger(a.slog().With("component", "safemode.Guard")))
}

// emit prints v as indented JSON or calls text.
func (a *app) emit(v any, text func(w io.Writer) error) error {
	if a.jsonOut {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(a.out)
}

func defaultConfigPath() string {
	if p, ok := os.LookupEnv(config.EnvPrefix + "CONFIG"); ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "patchloader.yaml"
	}
	return filepath.Join(home, ".patchloader", "patchloader.yaml")
}

// isTerminal reports whether w is a terminal. Non-file writers are treated
// as terminals so tests get text output unless --json is given.
func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return true
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
