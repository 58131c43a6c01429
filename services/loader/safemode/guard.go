// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safemode gates activation attempts with a persisted retry budget.
//
// Every attempt increments a counter before it proceeds. Once the counter
// reaches max-1 the guard refuses the attempt and resets the counter, so a
// patch that crashes the process during activation cannot cause an endless
// crash loop. Counters are kept per process name, so processes of the same
// application sharing a patch root each get their own budget. The
// embedding application resets its counter once the process has run long
// enough to be considered stable.
package safemode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/patchloader/services/loader/lock"
	"github.com/AleutianAI/patchloader/services/loader/telemetry"
)

const (
	// DefaultMaxAttempts is the default attempt budget.
	DefaultMaxAttempts = 3

	// MinMaxAttempts is the smallest budget that still allows one attempt.
	MinMaxAttempts = 2
)

var (
	// ErrCounterCorrupted is returned by a CounterStore whose persisted value
	// cannot be parsed. The guard treats it as a zero count.
	ErrCounterCorrupted = errors.New("safe-mode counter corrupted")

	// ErrInvalidProcess is returned for a blank process name.
	ErrInvalidProcess = errors.New("safe-mode process name is empty")
)

// CounterStore persists one attempt counter per process name.
type CounterStore interface {
	// Load returns the count of process. An absent counter is zero.
	Load(ctx context.Context, process string) (int, error)

	// Store persists n for process.
	Store(ctx context.Context, process string, n int) error
}

// Guard applies the attempt budget to a CounterStore.
//
// # Thread Safety
//
// Guard itself is immutable. With WithLock, Enter and Reset run under an
// exclusive file lock, so concurrent processes updating the same store do
// not lose increments. Without it they are not atomic.
type Guard struct {
	max         int
	lockPath    string
	lockTimeout time.Duration
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithMaxAttempts sets the attempt budget. Values below MinMaxAttempts are
// raised to MinMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(g *Guard) { g.max = n }
}

// WithLock serializes Enter and Reset through the file lock at path,
// waiting at most timeout. Zero means lock.DefaultTimeout.
func WithLock(path string, timeout time.Duration) Option {
	return func(g *Guard) {
		g.lockPath = path
		g.lockTimeout = timeout
	}
}

// WithMetrics sets the metric instruments. Defaults to telemetry.Default().
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	g := &Guard{max: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(g)
	}
	if g.max < MinMaxAttempts {
		g.max = MinMaxAttempts
	}
	if g.metrics == nil {
		g.metrics = telemetry.Default()
	}
	if g.logger == nil {
		g.logger = slog.Default().With("component", "safemode.Guard")
	}
	return g
}

// MaxAttempts returns the configured budget.
func (g *Guard) MaxAttempts() int { return g.max }

// LockPath returns the lock file set with WithLock, or "".
func (g *Guard) LockPath() string { return g.lockPath }

// ShouldAttempt reports whether another attempt by process is allowed.
//
// # Description
//
// Refuses when the count has reached max-1 and resets the counter to zero
// as a side effect, so the next start begins with a fresh budget. Does not
// take the guard lock; use Enter for a locked check-and-record.
//
// # Outputs
//
//   - bool: True if the attempt may proceed.
//   - error: Store failure. The boolean is still meaningful: a refusal
//     whose reset failed returns false with the error.
func (g *Guard) ShouldAttempt(ctx context.Context, store CounterStore, process string) (bool, error) {
	count, err := g.load(ctx, store, process)
	if err != nil {
		return false, err
	}
	if count >= g.max-1 {
		g.metrics.RecordSafeModeRefusal(ctx)
		g.logger.Warn("safe-mode budget exhausted, refusing activation",
			"process", process, "count", count, "max", g.max)
		if err := store.Store(ctx, process, 0); err != nil {
			return false, fmt.Errorf("resetting safe-mode counter: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// RecordAttempt increments the counter of process.
func (g *Guard) RecordAttempt(ctx context.Context, store CounterStore, process string) error {
	count, err := g.load(ctx, store, process)
	if err != nil {
		return err
	}
	if err := store.Store(ctx, process, count+1); err != nil {
		return fmt.Errorf("recording safe-mode attempt: %w", err)
	}
	return nil
}

// Reset sets the counter of process to zero. Called once the process is
// stable.
func (g *Guard) Reset(ctx context.Context, store CounterStore, process string) error {
	return g.locked(ctx, func() error {
		if err := store.Store(ctx, process, 0); err != nil {
			return fmt.Errorf("resetting safe-mode counter: %w", err)
		}
		return nil
	})
}

// Enter combines ShouldAttempt and RecordAttempt under the guard lock: it
// either refuses (and resets) or records the attempt and allows it.
//
// # Outputs
//
//   - bool: True if the attempt may proceed.
//   - error: Store failure, or a lock error when the guard lock cannot be
//     taken in time.
func (g *Guard) Enter(ctx context.Context, store CounterStore, process string) (bool, error) {
	var ok bool
	err := g.locked(ctx, func() error {
		allowed, err := g.ShouldAttempt(ctx, store, process)
		if err != nil || !allowed {
			return err
		}
		if err := g.RecordAttempt(ctx, store, process); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (g *Guard) locked(ctx context.Context, fn func() error) error {
	if g.lockPath == "" {
		return fn()
	}
	h, err := lock.Acquire(ctx, g.lockPath, g.lockTimeout, lock.WithPurpose("safemode"))
	if err != nil {
		return fmt.Errorf("locking safe-mode counter: %w", err)
	}
	return errors.Join(fn(), h.Release())
}

func (g *Guard) load(ctx context.Context, store CounterStore, process string) (int, error) {
	count, err := store.Load(ctx, process)
	if errors.Is(err, ErrCounterCorrupted) {
		g.logger.Warn("safe-mode counter unreadable, treating as zero", "process", process, "error", err)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading safe-mode counter: %w", err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}
