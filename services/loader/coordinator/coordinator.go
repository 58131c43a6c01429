// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator tells cooperating processes of one application about
// ledger commits.
//
// The Coordinator interface is what the activation state machine consumes.
// Registry is a file-based reference implementation: every process
// registers <root>/proc/<pid>, and the main process signals the others to
// restart after it commits a new version. WatchLedger offers secondaries a
// cooperative alternative to being killed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/AleutianAI/patchloader/services/loader/layout"
	"github.com/AleutianAI/patchloader/services/loader/lock"
	"github.com/AleutianAI/patchloader/services/loader/safemode"
)

var (
	// ErrNotRegistered is returned by Unregister when the process never
	// registered.
	ErrNotRegistered = errors.New("process not registered")

	// ErrEntryLocked is returned by Register when another live registry
	// already holds the entry for the same pid.
	ErrEntryLocked = errors.New("registry entry held by another registry")
)

// Coordinator is the process coordination boundary.
type Coordinator interface {
	// NotifyStable reports that this process ran long enough after an
	// activation to be considered stable.
	NotifyStable(ctx context.Context) error

	// TerminateSiblings asks every other process of the application to
	// restart.
	TerminateSiblings(ctx context.Context) error
}

// Noop is a Coordinator that does nothing.
type Noop struct{}

// NotifyStable implements Coordinator.
func (Noop) NotifyStable(context.Context) error { return nil }

// TerminateSiblings implements Coordinator.
func (Noop) TerminateSiblings(context.Context) error { return nil }

// Registry is the pid-file based Coordinator.
//
// # Description
//
// Registry files live under <root>/proc and are named by pid. A registered
// process holds an exclusive file lock on its entry until it unregisters or
// exits. Whenever siblings are enumerated, entries of dead processes are
// pruned, and so are entries nobody holds locked: their pid may already
// belong to an unrelated process.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	dir     string
	pid     int
	signal  func(pid int) error
	alive   func(pid int) bool
	locker  lock.FileLocker
	guard   *safemode.Guard
	store   safemode.CounterStore
	process string
	logger  *slog.Logger

	mu    sync.Mutex
	entry *os.File
}

// Option configures a Registry.
type Option func(*Registry)

// WithPID overrides the registering pid. Defaults to os.Getpid().
func WithPID(pid int) Option {
	return func(r *Registry) { r.pid = pid }
}

// WithSignaler overrides how a sibling is asked to terminate.
func WithSignaler(fn func(pid int) error) Option {
	return func(r *Registry) { r.signal = fn }
}

// WithLiveness overrides the process liveness check.
func WithLiveness(fn func(pid int) bool) Option {
	return func(r *Registry) { r.alive = fn }
}

// WithLocker overrides the platform FileLocker used on registry entries.
func WithLocker(l lock.FileLocker) Option {
	return func(r *Registry) { r.locker = l }
}

// WithSafeMode makes NotifyStable reset the counter of process.
func WithSafeMode(guard *safemode.Guard, store safemode.CounterStore, process string) Option {
	return func(r *Registry) {
		r.guard = guard
		r.store = store
		r.process = process
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a Registry under lay's proc directory.
func NewRegistry(lay layout.Layout, opts ...Option) *Registry {
	r := &Registry{
		dir:    lay.ProcDir(),
		pid:    os.Getpid(),
		signal: terminate,
		alive:  lock.IsProcessAlive,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locker == nil {
		r.locker = lock.NewFileLocker()
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "coordinator.Registry")
	}
	return r
}

// PID returns the pid this registry registers as.
func (r *Registry) PID() int { return r.pid }

// Register records this process in the registry.
//
// # Description
//
// Creates <root>/proc/<pid>, locks it and writes the registration time
// into it. The lock is held until Unregister or process exit. Registering
// again is a no-op.
//
// # Outputs
//
//   - error: ErrEntryLocked when another live registry holds the entry, or
//     an I/O error.
func (r *Registry) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entry != nil {
		return nil
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	for attempt := 0; ; attempt++ {
		f, err := r.lockEntry()
		if err != nil {
			return err
		}
		// A concurrent prune may have unlinked the file between open and lock.
		if r.linked(f) {
			r.entry = f
			return nil
		}
		_ = r.locker.Unlock(f)
		f.Close()
		if attempt == 2 {
			return fmt.Errorf("registering pid %d: entry keeps disappearing", r.pid)
		}
	}
}

func (r *Registry) lockEntry() (*os.File, error) {
	path := r.entryPath(r.pid)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("registering pid %d: %w", r.pid, err)
	}
	if err := r.locker.TryLock(f); err != nil {
		f.Close()
		if errors.Is(err, lock.ErrFileLocked) {
			return nil, fmt.Errorf("registering pid %d: %w", r.pid, ErrEntryLocked)
		}
		return nil, fmt.Errorf("locking registry entry %s: %w", path, err)
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	if err := writeStamp(f, stamp); err != nil {
		_ = r.locker.Unlock(f)
		f.Close()
		return nil, fmt.Errorf("registering pid %d: %w", r.pid, err)
	}
	return f, nil
}

// linked reports whether f is still the file at this process's entry path.
func (r *Registry) linked(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	cur, err := os.Stat(r.entryPath(r.pid))
	return err == nil && os.SameFile(info, cur)
}

// Unregister releases and removes this process's entry.
func (r *Registry) Unregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entry == nil {
		return ErrNotRegistered
	}
	f := r.entry
	r.entry = nil
	err := errors.Join(r.locker.Unlock(f), f.Close())
	if rmErr := os.Remove(r.entryPath(r.pid)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}

func writeStamp(f *os.File, stamp []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(stamp, 0); err != nil {
		return err
	}
	return f.Sync()
}

// Siblings returns the live registered pids other than this one.
//
// # Description
//
// An entry counts as live when its pid is alive and its lock is held. An
// entry whose pid is dead, or whose lock can be taken, is pruned. An
// unlocked empty entry belongs to a process still registering and is
// skipped without pruning.
func (r *Registry) Siblings(ctx context.Context) ([]int, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	var pids []int
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid <= 0 || e.IsDir() {
			continue
		}
		if pid == r.pid {
			continue
		}
		if !r.alive(pid) {
			r.prune(pid, "process exited")
			continue
		}
		switch r.checkEntry(pid) {
		case entryHeld:
			pids = append(pids, pid)
		case entryStale:
			r.prune(pid, "entry not held")
		}
	}
	return pids, nil
}

type entryState int

const (
	entryHeld entryState = iota
	entryStale
	entryRegistering
)

// checkEntry tries the lock of pid's entry without keeping it. Entries
// that cannot be opened or locked for other reasons count as held.
func (r *Registry) checkEntry(pid int) entryState {
	path := r.entryPath(pid)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entryRegistering
		}
		r.logger.Debug("cannot open registry entry", "pid", pid, "error", err)
		return entryHeld
	}
	defer f.Close()
	if err := r.locker.TryLock(f); err != nil {
		if !errors.Is(err, lock.ErrFileLocked) {
			r.logger.Debug("cannot test registry entry lock", "pid", pid, "error", err)
		}
		return entryHeld
	}
	defer func() { _ = r.locker.Unlock(f) }()

	info, err := f.Stat()
	if err != nil {
		return entryHeld
	}
	if info.Size() == 0 {
		return entryRegistering
	}
	// A replacement registered under the same pid lives in a new file.
	if cur, err := os.Stat(path); err != nil || !os.SameFile(info, cur) {
		return entryRegistering
	}
	return entryStale
}

func (r *Registry) prune(pid int, why string) {
	if err := os.Remove(r.entryPath(pid)); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("failed to prune registry entry", "pid", pid, "error", err)
		return
	}
	r.logger.Debug("pruned registry entry", "pid", pid, "reason", why)
}

// TerminateSiblings implements Coordinator.
//
// # Description
//
// Signals every live sibling. Signal failures are aggregated; a failure for
// one sibling does not stop the others from being signalled.
func (r *Registry) TerminateSiblings(ctx context.Context) error {
	pids, err := r.Siblings(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, pid := range pids {
		if err := r.signal(pid); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("signalling pid %d: %w", pid, err))
			continue
		}
		r.logger.Info("signalled sibling process", "pid", pid)
	}
	return errs
}

// NotifyStable implements Coordinator.
func (r *Registry) NotifyStable(ctx context.Context) error {
	if r.guard == nil || r.store == nil {
		return nil
	}
	return r.guard.Reset(ctx, r.store, r.process)
}

func (r *Registry) entryPath(pid int) string {
	return filepath.Join(r.dir, strconv.Itoa(pid))
}
