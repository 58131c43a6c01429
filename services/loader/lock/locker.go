// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides cross-process advisory file locks with bounded waits.
//
// The ledger and every other file shared by the processes of one application
// are guarded by a sibling lock file. The lock file only provides mutual
// exclusion; the holder information written into it is for debugging.
package lock

import (
	"errors"
	"fmt"
	"os"
)

// Sentinel errors for lock operations.
var (
	// ErrFileLocked is returned by a single non-blocking attempt when another
	// process holds the lock.
	ErrFileLocked = errors.New("file is locked by another process")

	// ErrLockTimeout is returned when the bounded wait elapses before the
	// lock could be acquired.
	ErrLockTimeout = errors.New("timed out waiting for file lock")

	// ErrReleased is returned when a released handle is used again.
	ErrReleased = errors.New("lock already released")
)

// TimeoutError carries the lock path and wait duration of a lock timeout.
type TimeoutError struct {
	// Path is the lock file path.
	Path string

	// Attempts is how many non-blocking attempts were made.
	Attempts int

	// Holder is the last holder information read from the lock file, if any.
	Holder *HolderInfo
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("%v: %s after %d attempts (held by pid %d)", ErrLockTimeout, e.Path, e.Attempts, e.Holder.PID)
	}
	return fmt.Sprintf("%v: %s after %d attempts", ErrLockTimeout, e.Path, e.Attempts)
}

// Unwrap returns ErrLockTimeout for errors.Is support.
func (e *TimeoutError) Unwrap() error {
	return ErrLockTimeout
}

// FileLocker abstracts platform-specific file locking operations.
//
// # Description
//
// Unix uses flock(2), Windows uses LockFileEx. Both are advisory,
// exclusive and released when the file is closed or the process exits.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
type FileLocker interface {
	// TryLock attempts to acquire an exclusive lock without blocking.
	// Returns ErrFileLocked when another holder has it.
	TryLock(f *os.File) error

	// Unlock releases the lock. Safe to call even if not locked.
	Unlock(f *os.File) error
}

// IsProcessAlive checks if a process with the given PID is still running.
//
// # Description
//
// Used by the process coordinator to prune registry entries of dead
// processes. On Unix, uses kill -0. On Windows, uses OpenProcess.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return isProcessAlive(pid)
}

// NewFileLocker creates the platform-appropriate FileLocker.
func NewFileLocker() FileLocker {
	return newPlatformLocker()
}
