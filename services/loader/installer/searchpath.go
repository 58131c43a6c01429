// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// SearchPath is an in-memory ordered search path.
//
// # Description
//
// Install prepends the ordered block so that ordered[0] is looked up first.
// Every path must exist at install time; on failure nothing is installed.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type SearchPath struct {
	name    string
	mu      sync.Mutex
	entries []string
}

// NewSearchPath creates a SearchPath seeded with the baseline entries.
func NewSearchPath(name string, baseline ...string) *SearchPath {
	return &SearchPath{name: name, entries: slices.Clone(baseline)}
}

// SearchPathStrategy returns a strategy that supports every platform.
func SearchPathStrategy(name string) Strategy {
	return Strategy{
		Name:     "searchpath",
		Supports: func(Capabilities) bool { return true },
		New:      func() Installer { return NewSearchPath(name) },
	}
}

// Name implements Installer.
func (s *SearchPath) Name() string { return s.name }

// Install implements Installer.
func (s *SearchPath) Install(ctx context.Context, ordered []string, workDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range ordered {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%s: installing %s: %w", s.name, p, err)
		}
	}
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return fmt.Errorf("%s: creating work dir: %w", s.name, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(slices.Clone(ordered), s.entries...)
	return nil
}

// Uninstall implements Installer.
func (s *SearchPath) Uninstall(ctx context.Context, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if count < 0 || count > len(s.entries) {
		return fmt.Errorf("%s: cannot uninstall %d of %d entries", s.name, count, len(s.entries))
	}
	s.entries = slices.Clone(s.entries[count:])
	return nil
}

// Entries returns a snapshot of the search path, highest precedence first.
func (s *SearchPath) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Lookup returns the first entry whose base name is name.
func (s *SearchPath) Lookup(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if filepath.Base(e) == name {
			return e, true
		}
	}
	return "", false
}
