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
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/patchloader/services/loader/installer"
	"github.com/AleutianAI/patchloader/services/loader/ledger"
	"github.com/AleutianAI/patchloader/services/loader/manifest"
	"github.com/AleutianAI/patchloader/services/loader/pkgcheck"
	"github.com/AleutianAI/patchloader/services/loader/verify"
)

// ActivationContext is the state of one attempt. A new one is created per
// Run and discarded when the attempt ends.
type ActivationContext struct {
	// AttemptID is a fresh uuid.
	AttemptID string

	// Role is the process role.
	Role Role

	// Process is the name the safe-mode counter is kept under.
	Process string

	// Started is when the attempt began.
	Started time.Time

	// Record is the working ledger record.
	Record ledger.Record

	// Version is the resolved version.
	Version string

	// VersionDir is the resolved version's directory.
	VersionDir string

	// VersionChanged is set when the main process resolved to a pending
	// version.
	VersionChanged bool

	// Mode is the resolved compilation mode. Never transitioning.
	Mode ledger.Mode

	// ModeChanged is set when a transitioning mode was resolved.
	ModeChanged bool

	// Package is the checked package.
	Package *pkgcheck.PackageInfo

	// Verified holds each kind's verified set. The install phase reads the
	// artifact index from here.
	Verified map[manifest.Kind]*verify.VerifiedSet

	// Reconciled is set when derived forms were recompiled.
	Reconciled bool

	// Capabilities is the platform capability set installers are selected
	// against, restricted when the ledger says so.
	Capabilities installer.Capabilities

	// Installers is the installer per kind chosen for this attempt.
	Installers installer.Set

	// Installed lists the kinds installed so far.
	Installed []InstalledKind

	states []State
	span   trace.Span
}

func newActivationContext(role Role) *ActivationContext {
	return &ActivationContext{
		AttemptID: uuid.NewString(),
		Role:      role,
		Started:   time.Now(),
		Verified:  make(map[manifest.Kind]*verify.VerifiedSet),
	}
}

// IsMain reports whether the attempt runs in the main process.
func (ac *ActivationContext) IsMain() bool {
	return ac.Role == RoleMain
}

// States returns the states visited so far.
func (ac *ActivationContext) States() []State {
	return append([]State(nil), ac.states...)
}
