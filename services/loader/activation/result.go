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
	"fmt"
	"time"

	"github.com/AleutianAI/patchloader/services/loader/installer"
	"github.com/AleutianAI/patchloader/services/loader/ledger"
	"github.com/AleutianAI/patchloader/services/loader/manifest"
	"github.com/AleutianAI/patchloader/services/loader/pkgcheck"
)

// InstalledKind records one kind handed to its installer.
type InstalledKind struct {
	// Kind is the artifact kind.
	Kind manifest.Kind `json:"kind"`

	// Installer is the installer name.
	Installer string `json:"installer"`

	// Paths is the installed order.
	Paths []string `json:"paths"`
}

// InstallError wraps an installer failure. It is the only error Run
// returns.
type InstallError struct {
	// Kind is the kind being installed.
	Kind manifest.Kind

	// Installer is the failing installer's name.
	Installer string

	// Err is the installer's error, unchanged.
	Err error
}

// Error implements the error interface.
func (e *InstallError) Error() string {
	return fmt.Sprintf("installing %s with %s: %v", e.Kind, e.Installer, e.Err)
}

// Unwrap returns the installer's error.
func (e *InstallError) Unwrap() error {
	return e.Err
}

// Result is the structured outcome of one attempt.
type Result struct {
	// AttemptID identifies the attempt in logs and traces.
	AttemptID string `json:"attempt_id"`

	// Role is the role the attempt ran as.
	Role string `json:"role"`

	// Process is the safe-mode process name the attempt counted against.
	Process string `json:"process"`

	// Outcome is done or failed.
	Outcome Outcome `json:"outcome"`

	// Reason is set when Outcome is failed.
	Reason Reason `json:"reason,omitempty"`

	// Kind is the artifact kind a verification or install failure concerns.
	Kind manifest.Kind `json:"kind,omitempty"`

	// Path is the offending path or version directory, when known.
	Path string `json:"path,omitempty"`

	// Version is the resolved version, when resolution got that far.
	Version string `json:"version,omitempty"`

	// PackageCode is the package check failure class.
	PackageCode pkgcheck.Code `json:"package_code,omitempty"`

	// Err is the underlying error, if any.
	Err error `json:"-"`

	// Installed lists the kinds handed to installers, in install order.
	Installed []InstalledKind `json:"installed,omitempty"`

	// Installers is the installer set the attempt selected. Pass it to
	// Rollback.
	Installers installer.Set `json:"-"`

	// Record is the ledger record as last read or written.
	Record ledger.Record `json:"record"`

	// VersionChanged is set when the main process activated a new version.
	VersionChanged bool `json:"version_changed"`

	// Reconciled is set when derived forms were recompiled for a new host
	// platform.
	Reconciled bool `json:"reconciled"`

	// States is the path through the state machine, terminal state last.
	States []State `json:"states"`

	// Duration is the attempt's wall time.
	Duration time.Duration `json:"duration"`
}

// OK reports whether the attempt reached Done.
func (r *Result) OK() bool {
	return r != nil && r.Outcome == OutcomeDone
}

// ErrorMessage returns the underlying error message, empty when there is
// none.
func (r *Result) ErrorMessage() string {
	if r == nil || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
