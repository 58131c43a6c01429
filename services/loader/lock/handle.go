// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout is the bounded wait used when callers pass a zero timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetryInterval paces non-blocking attempts while waiting.
const DefaultRetryInterval = 25 * time.Millisecond

// HolderInfo is written into the lock file by the current holder.
type HolderInfo struct {
	// PID is the holder's process id.
	PID int `json:"pid"`

	// Purpose names the operation holding the lock.
	Purpose string `json:"purpose,omitempty"`

	// AcquiredAt is when the lock was acquired.
	AcquiredAt time.Time `json:"acquired_at"`
}

// Handle is a held exclusive lock. Release it exactly once.
//
// # Thread Safety
//
// Release is safe to call from multiple goroutines; only the first call
// releases.
type Handle struct {
	path   string
	file   *os.File
	locker FileLocker
	once   sync.Once
	err    error
}

// Path returns the lock file path.
func (h *Handle) Path() string {
	return h.path
}

// Release unlocks and closes the lock file. The lock file itself is left in
// place; deleting it would race with processes already blocked on it.
func (h *Handle) Release() error {
	released := true
	h.once.Do(func() {
		released = false
		_ = h.file.Truncate(0)
		unlockErr := h.locker.Unlock(h.file)
		closeErr := h.file.Close()
		h.err = errors.Join(unlockErr, closeErr)
	})
	if released {
		return ErrReleased
	}
	return h.err
}

// Option configures Acquire.
type Option func(*acquireOptions)

type acquireOptions struct {
	locker   FileLocker
	interval time.Duration
	purpose  string
}

// WithLocker overrides the platform FileLocker.
func WithLocker(l FileLocker) Option {
	return func(o *acquireOptions) { o.locker = l }
}

// WithRetryInterval sets the pacing between non-blocking attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(o *acquireOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithPurpose records what the lock is held for in the holder info.
func WithPurpose(p string) Option {
	return func(o *acquireOptions) { o.purpose = p }
}

// Acquire takes an exclusive lock on lockPath, waiting at most timeout.
//
// # Description
//
// Makes repeated non-blocking attempts paced by a rate limiter until the
// lock is acquired, the timeout elapses or ctx is cancelled. The lock file
// and its parent directory are created when absent. After acquisition the
// holder info is written into the lock file.
//
// # Inputs
//
//   - ctx: Cancellation for the wait.
//   - lockPath: Path of the lock file.
//   - timeout: Bounded wait. Zero means DefaultTimeout.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *Handle: The held lock. Call Release when done.
//   - error: *TimeoutError (unwraps to ErrLockTimeout), ctx.Err(), or an I/O error.
//
// # Example
//
//	h, err := lock.Acquire(ctx, filepath.Join(root, "ledger.lock"), 2*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
func Acquire(ctx context.Context, lockPath string, timeout time.Duration, opts ...Option) (*Handle, error) {
	o := acquireOptions{interval: DefaultRetryInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = NewFileLocker()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory for %s: %w", lockPath, err)
	}
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", lockPath, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(o.interval), 1)

	attempts := 0
	for {
		attempts++
		err := o.locker.TryLock(f)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrFileLocked) {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", lockPath, err)
		}
		if werr := limiter.Wait(waitCtx); werr != nil {
			f.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TimeoutError{Path: lockPath, Attempts: attempts, Holder: ReadHolder(lockPath)}
		}
	}

	h := &Handle{path: lockPath, file: f, locker: o.locker}
	if err := writeHolder(f, HolderInfo{PID: os.Getpid(), Purpose: o.purpose, AcquiredAt: time.Now()}); err != nil {
		slog.Debug("writing lock holder info", "path", lockPath, "error", err)
	}
	if attempts > 1 {
		slog.Debug("acquired lock after contention", "path", lockPath, "attempts", attempts)
	}
	return h, nil
}

// ReadHolder returns the holder info recorded in the lock file, or nil when
// none can be read.
func ReadHolder(lockPath string) *HolderInfo {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return nil
	}
	var info HolderInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

func writeHolder(f *os.File, info HolderInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err = f.WriteAt(data, 0)
	return err
}
