// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger persists the per-application version record shared by all
// processes of that application.
//
// Every read and every rewrite takes the sibling lock file first, so ledger
// mutations are serialized across processes. Rewrites replace the file
// atomically; readers never observe a torn record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/patchloader/services/loader/layout"
	"github.com/AleutianAI/patchloader/services/loader/lock"
	"github.com/AleutianAI/patchloader/services/loader/telemetry"
)

// Ledger reads and rewrites the ledger file under its lock.
//
// # Description
//
// Holds no cached record; each call reads the file fresh.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent callers in one process serialize on
// the same file lock as callers in other processes.
type Ledger struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	lockOpts    []lock.Option
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLockTimeout bounds the wait for the ledger lock.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.lockTimeout = d }
}

// WithLockOptions passes options through to lock.Acquire.
func WithLockOptions(opts ...lock.Option) Option {
	return func(l *Ledger) { l.lockOpts = append(l.lockOpts, opts...) }
}

// WithMetrics sets the metric instruments. Defaults to telemetry.Default().
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger for the layout's ledger and lock files.
func New(lay layout.Layout, opts ...Option) *Ledger {
	l := &Ledger{
		path:        lay.LedgerPath(),
		lockPath:    lay.LockPath(),
		lockTimeout: lock.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = telemetry.Default()
	}
	if l.logger == nil {
		l.logger = slog.Default().With("component", "ledger.Ledger")
	}
	return l
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Exists reports whether the ledger file is present. It does not lock.
func (l *Ledger) Exists() bool {
	return layout.IsFile(l.path)
}

// Read returns the current record.
//
// # Outputs
//
//   - Record: The fully validated record.
//   - error: ErrNotFound, *CorruptedError, a lock error (lock.ErrLockTimeout)
//     or an I/O error.
func (l *Ledger) Read(ctx context.Context) (Record, error) {
	h, err := l.acquire(ctx, "read")
	if err != nil {
		return Record{}, err
	}
	defer h.Release()
	return l.readLocked()
}

// Rewrite atomically replaces the ledger with rec.
//
// # Description
//
// Takes the lock, removes temp files left by crashed writers, writes rec
// through a durable atomic replace and reads it back. A read-back mismatch
// is retried once before ErrRewriteVerify is returned.
//
// # Outputs
//
//   - error: ErrInvalidRecord, a lock error, ErrRewriteVerify or an I/O error.
func (l *Ledger) Rewrite(ctx context.Context, rec Record) error {
	h, err := l.acquire(ctx, "rewrite")
	if err != nil {
		l.metrics.RecordLedgerRewrite(ctx, false)
		return err
	}
	defer h.Release()
	err = l.rewriteLocked(rec)
	l.metrics.RecordLedgerRewrite(ctx, err == nil)
	return err
}

// Update performs a read-modify-write under a single lock scope.
//
// # Description
//
// fn receives the current record and mutates it in place. If fn returns an
// error nothing is written and the error is returned. The file is only
// rewritten when the record changed.
//
// # Outputs
//
//   - Record: The record as persisted after the update.
//   - error: Any error from reading, fn, or rewriting.
func (l *Ledger) Update(ctx context.Context, fn func(*Record) error) (Record, error) {
	h, err := l.acquire(ctx, "update")
	if err != nil {
		return Record{}, err
	}
	defer h.Release()

	cur, err := l.readLocked()
	if err != nil {
		return Record{}, err
	}
	next := cur
	if err := fn(&next); err != nil {
		return cur, err
	}
	if next == cur {
		return cur, nil
	}
	err = l.rewriteLocked(next)
	l.metrics.RecordLedgerRewrite(ctx, err == nil)
	if err != nil {
		return cur, err
	}
	return next, nil
}

func (l *Ledger) acquire(ctx context.Context, purpose string) (*lock.Handle, error) {
	opts := append([]lock.Option{lock.WithPurpose("ledger " + purpose)}, l.lockOpts...)
	h, err := lock.Acquire(ctx, l.lockPath, l.lockTimeout, opts...)
	if err != nil {
		return nil, fmt.Errorf("acquiring ledger lock: %w", err)
	}
	return h, nil
}

func (l *Ledger) readLocked() (Record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, l.path)
		}
		return Record{}, fmt.Errorf("reading ledger: %w", err)
	}
	return Unmarshal(l.path, data)
}

func (l *Ledger) rewriteLocked(rec Record) error {
	data, err := Marshal(rec)
	if err != nil {
		return err
	}
	if n, err := layout.RemoveStaleTemps(l.path); err == nil && n > 0 {
		l.logger.Info("removed stale ledger temp files", "count", n)
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if err := layout.WriteFileAtomic(l.path, data, 0o644); err != nil {
			lastErr = fmt.Errorf("rewriting ledger: %w", err)
			l.logger.Warn("ledger rewrite failed", "attempt", attempt, "error", err)
			continue
		}
		got, err := l.readLocked()
		if err == nil && got == rec {
			l.logger.Debug("ledger rewritten",
				"installed_version", rec.InstalledVersion,
				"pending_version", rec.PendingVersion,
				"overlay_mode", rec.Mode)
			return nil
		}
		lastErr = fmt.Errorf("%w: read back %+v: %v", ErrRewriteVerify, got, err)
		l.logger.Warn("ledger read-back mismatch", "attempt", attempt, "error", err)
	}
	return lastErr
}
