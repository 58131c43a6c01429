// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package order computes the deterministic install order for patch artifacts.
//
// The installer prepends the ordered list to the process search path, so the
// position of each artifact decides which one shadows which. The rules are:
//
//  1. The test marker artifact always sorts last.
//  2. Consolidation artifacts (classes.dex, classes2.dex, ...) sort first,
//     ascending by their numeric index; a missing index counts as 1.
//  3. Everything else sorts lexicographically by base name.
//
// Equal base names in different directories fall back to the full path.
package order

import (
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// MarkerPrefix identifies the test marker artifact.
const MarkerPrefix = "test.dex"

// consolidationPrefix is the fixed name prefix of consolidation artifacts;
// the numeric index starts right after it.
const consolidationPrefix = "classes"

// ConsolidationPattern matches consolidation artifact names.
var ConsolidationPattern = regexp.MustCompile(`^classes(?:[2-9]?|[1-9][0-9]+)\.dex(?:\.jar)?$`)

// IsMarker reports whether name (a base name or path) is the test marker.
func IsMarker(name string) bool {
	return strings.HasPrefix(filepath.Base(name), MarkerPrefix)
}

// IsConsolidation reports whether name (a base name or path) matches the
// consolidation pattern.
func IsConsolidation(name string) bool {
	return ConsolidationPattern.MatchString(filepath.Base(name))
}

// Index returns the numeric index embedded in a consolidation name, or 1 when
// the name carries none.
func Index(name string) int {
	base := filepath.Base(name)
	dot := strings.IndexByte(base, '.')
	if dot <= len(consolidationPrefix) {
		return 1
	}
	n, err := strconv.Atoi(base[len(consolidationPrefix):dot])
	if err != nil {
		return 1
	}
	return n
}

// Compare orders two artifact paths by the overlay rules. It returns a
// negative number when a sorts before b, zero only when a and b are the same
// path, and a positive number otherwise.
func Compare(a, b string) int {
	an, bn := filepath.Base(a), filepath.Base(b)
	if an == bn {
		return strings.Compare(a, b)
	}

	aMarker, bMarker := IsMarker(an), IsMarker(bn)
	switch {
	case aMarker && bMarker:
		return strings.Compare(an, bn)
	case aMarker:
		return 1
	case bMarker:
		return -1
	}

	aCons, bCons := IsConsolidation(an), IsConsolidation(bn)
	switch {
	case aCons && bCons:
		if d := Index(an) - Index(bn); d != 0 {
			return d
		}
		// classes.dex and classes.dex.jar share an index.
		return strings.Compare(an, bn)
	case aCons:
		return -1
	case bCons:
		return 1
	}
	return strings.Compare(an, bn)
}

// Order returns a new slice with paths sorted by Compare. The input is not
// modified. Order is a pure function of its input.
func Order(paths []string) []string {
	out := slices.Clone(paths)
	slices.SortStableFunc(out, Compare)
	return out
}
