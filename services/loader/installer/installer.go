// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package installer defines the overlay installer boundary and selects an
// installer strategy once, at process start, from detected capabilities.
//
// Physically splicing artifacts into a live process is platform specific
// and lives outside this module. SearchPath is a reference installer that
// models the search path in memory.
package installer

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/patchloader/services/loader/manifest"
)

// ErrNoStrategy is returned when no strategy supports the capabilities.
var ErrNoStrategy = errors.New("no installer strategy supports this platform")

// Installer splices ordered artifacts ahead of a process's search path.
type Installer interface {
	// Install places ordered ahead of the existing entries. ordered[0] gets
	// the highest precedence. workDir holds installer scratch state.
	Install(ctx context.Context, ordered []string, workDir string) error

	// Uninstall removes the count most recently installed entries.
	Uninstall(ctx context.Context, count int) error

	// Name identifies the installer in logs and results.
	Name() string
}

// Capabilities is the outcome of platform capability detection.
type Capabilities struct {
	// PlatformLevel is the host platform API level.
	PlatformLevel int

	// Restricted is set when the platform forbids the unrestricted
	// installation mechanisms.
	Restricted bool

	// Runtime is the host runtime variant.
	Runtime manifest.Variant
}

// Strategy is one installer implementation and the capabilities it needs.
type Strategy struct {
	// Name identifies the strategy.
	Name string

	// Supports reports whether the strategy works with caps.
	Supports func(caps Capabilities) bool

	// New creates an installer instance.
	New func() Installer
}

// Select returns an installer from the first strategy that supports caps.
//
// # Description
//
// Strategies are tried in order, so list the most specific first. Called
// once per process start; the hot path never re-selects.
func Select(caps Capabilities, strategies ...Strategy) (Installer, error) {
	for _, s := range strategies {
		if s.Supports == nil || s.Supports(caps) {
			return s.New(), nil
		}
	}
	return nil, fmt.Errorf("%w: level=%d restricted=%t runtime=%s", ErrNoStrategy, caps.PlatformLevel, caps.Restricted, caps.Runtime)
}

// Set holds one installer per artifact kind.
type Set map[manifest.Kind]Installer

// SelectSet selects one installer per kind from the strategies registered
// for that kind.
func SelectSet(caps Capabilities, registry map[manifest.Kind][]Strategy) (Set, error) {
	set := make(Set, len(registry))
	for kind, strategies := range registry {
		inst, err := Select(caps, strategies...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		set[kind] = inst
	}
	return set, nil
}
