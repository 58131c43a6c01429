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

import "github.com/AleutianAI/patchloader/services/loader/verify"

// State is one step of an activation attempt.
type State string

const (
	StateDisabled            State = "Disabled"
	StateDirectoryCheck      State = "DirectoryCheck"
	StateLedgerCheck         State = "LedgerCheck"
	StateVersionResolve      State = "VersionResolve"
	StateStaleVersionCleanup State = "StaleVersionCleanup"
	StatePackageCheck        State = "PackageCheck"
	StateKindVerification    State = "KindVerification"
	StateSafeModeCheck       State = "SafeModeCheck"
	StateReconciliation      State = "Reconciliation"
	StateInstall             State = "Install"
	StateCommitLedger        State = "CommitLedger"
	StateDone                State = "Done"
	StateFailed              State = "Failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Outcome is the terminal verdict of an attempt.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
)

// Reason discriminates failed attempts.
type Reason string

const (
	ReasonDisabled                Reason = "Disabled"
	ReasonDirectoryMissing        Reason = "DirectoryMissing"
	ReasonLedgerMissing           Reason = "LedgerMissing"
	ReasonLedgerCorrupted         Reason = "LedgerCorrupted"
	ReasonLedgerUnavailable       Reason = "LedgerUnavailable"
	ReasonVersionInvalid          Reason = "VersionInvalid"
	ReasonRolledBack              Reason = "RolledBack"
	ReasonNoVersionToLoad         Reason = "NoVersionToLoad"
	ReasonVersionDirectoryMissing Reason = "VersionDirectoryMissing"
	ReasonPackageFileMissing      Reason = "PackageFileMissing"
	ReasonPackageCheckFailed      Reason = "PackageCheckFailed"
	ReasonTooManyAttempts         Reason = "TooManyAttempts"
	ReasonSafeModeUnavailable     Reason = "SafeModeUnavailable"
	ReasonReconciliationFailed    Reason = "PlatformReconciliationFailed"
	ReasonInstallerUnavailable    Reason = "InstallerUnavailable"
	ReasonInstallException        Reason = "InstallException"
	ReasonLedgerRewriteFailed     Reason = "LedgerRewriteFailed"
	ReasonInterrupted             Reason = "Interrupted"

	// Kind verification reasons carry the verifier's classification.
	ReasonKindDirectoryMissing = Reason(verify.KindDirectoryMissing)
	ReasonArtifactMissing      = Reason(verify.ArtifactMissing)
	ReasonArtifactUnreadable   = Reason(verify.ArtifactUnreadable)
	ReasonChecksumMismatch     = Reason(verify.ChecksumMismatch)
	ReasonDerivedFormMissing   = Reason(verify.DerivedFormMissing)
	ReasonManifestCorrupted    = Reason(verify.ManifestCorrupted)
)

// Role is the part a process plays in the application.
type Role int

const (
	// RoleMain is the single process allowed to mutate the ledger.
	RoleMain Role = iota

	// RoleSecondary only reads the ledger.
	RoleSecondary

	// RolePatchWorker is the process that stages patches. It never
	// activates one.
	RolePatchWorker
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleSecondary:
		return "secondary"
	case RolePatchWorker:
		return "patch-worker"
	}
	return "unknown"
}
