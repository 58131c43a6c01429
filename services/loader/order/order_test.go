// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package order

import (
	"fmt"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestOrder(t *testing.T) {
	t.Run("marker last, consolidation first by index, rest by name", func(t *testing.T) {
		in := []string{
			"/p/code/test.dex",
			"/p/code/zeta.dex",
			"/p/code/classes10.dex",
			"/p/code/alpha.dex",
			"/p/code/classes2.dex",
			"/p/code/classes.dex.jar",
		}
		got := Order(in)
		want := []string{
			"/p/code/classes.dex.jar",
			"/p/code/classes2.dex",
			"/p/code/classes10.dex",
			"/p/code/alpha.dex",
			"/p/code/zeta.dex",
			"/p/code/test.dex",
		}
		assert.Equal(t, want, got)
		assert.Equal(t, "/p/code/test.dex", in[0], "input must not be mutated")
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, Order(nil))
	})

	t.Run("same base name in different directories", func(t *testing.T) {
		in := []string{"/p/lib/x86/libfoo.so", "/p/lib/arm64/libfoo.so", "/p/lib/arm64/liba.so"}
		want := []string{"/p/lib/arm64/liba.so", "/p/lib/arm64/libfoo.so", "/p/lib/x86/libfoo.so"}
		assert.Equal(t, want, Order(in))
		reversed := slices.Clone(in)
		slices.Reverse(reversed)
		assert.Equal(t, want, Order(reversed), "input order does not decide ties")
		assert.Negative(t, Compare("/a/classes.dex", "/b/classes.dex"))
		assert.Zero(t, Compare("/a/classes.dex", "/a/classes.dex"))
	})

	t.Run("names that only look like consolidation", func(t *testing.T) {
		got := Order([]string{"classes1.dex", "classes.dex", "classes01.dex", "b.dex"})
		// classes1.dex and classes01.dex do not match the pattern.
		assert.Equal(t, []string{"classes.dex", "b.dex", "classes01.dex", "classes1.dex"}, got)
	})
}

func TestIndex(t *testing.T) {
	cases := map[string]int{
		"classes.dex":      1,
		"classes.dex.jar":  1,
		"classes2.dex":     2,
		"classes12.dex":    12,
		"/x/classes3.dex":  3,
		"classesX.dex":     1,
		"consolidated.apk": 1,
	}
	for name, want := range cases {
		assert.Equal(t, want, Index(name), name)
	}
}

func TestOrder_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	nameGen := gen.OneGenOf(
		gen.IntRange(1, 40).Map(func(i int) string {
			if i == 1 {
				return "classes.dex"
			}
			return fmt.Sprintf("classes%d.dex", i)
		}),
		gen.AlphaString().Map(func(s string) string { return "lib" + s + ".dex" }),
		gen.Const("test.dex"),
	)
	pathGen := gopter.CombineGens(gen.OneConstOf("/p/a/", "/p/b/"), nameGen).Map(func(v []interface{}) string {
		return v[0].(string) + v[1].(string)
	})

	properties.Property("ordering is deterministic and permutation independent", prop.ForAll(
		func(names []string) bool {
			first := Order(names)
			reversed := slices.Clone(names)
			slices.Reverse(reversed)
			return slices.Equal(first, Order(names)) && slices.Equal(first, Order(reversed))
		},
		gen.SliceOf(pathGen),
	))

	properties.Property("marker last and consolidation before the rest", prop.ForAll(
		func(names []string) bool {
			out := Order(names)
			seenOther := false
			lastIndex := 0
			for i, n := range out {
				switch {
				case IsMarker(n):
					for _, rest := range out[i:] {
						if !IsMarker(rest) {
							return false
						}
					}
				case IsConsolidation(n):
					if seenOther || Index(n) < lastIndex {
						return false
					}
					lastIndex = Index(n)
				default:
					seenOther = true
				}
			}
			return true
		},
		gen.SliceOf(nameGen),
	))

	properties.TestingRun(t)
}
