// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKind is returned when Parse is called with an unknown kind.
var ErrUnknownKind = errors.New("unknown artifact kind")

// Parse parses manifest text for one kind.
//
// # Description
//
// Splits text into lines and each line into exactly kind.FieldCount()
// comma separated fields. Fields are trimmed. Blank lines are ignored;
// malformed lines are recorded in Manifest.Skipped.
//
// # Inputs
//
//   - kind: artifact kind the text belongs to.
//   - text: manifest text. Empty text yields an empty manifest.
//
// # Outputs
//
//   - *Manifest: never nil on success.
//   - error: ErrUnknownKind only.
func Parse(kind Kind, text string) (*Manifest, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	m := &Manifest{Kind: kind}
	if strings.TrimSpace(text) == "" {
		return m, nil
	}

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, reason := parseLine(kind, line)
		if reason != "" {
			m.Skipped = append(m.Skipped, SkippedLine{Line: i + 1, Text: line, Reason: reason})
			continue
		}
		m.Entries = append(m.Entries, entry)
	}
	return m, nil
}

func parseLine(kind Kind, line string) (Entry, string) {
	fields := strings.Split(line, ",")
	if len(fields) != kind.FieldCount() {
		return Entry{}, fmt.Sprintf("want %d fields, got %d", kind.FieldCount(), len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if fields[0] == "" {
		return Entry{}, "empty name"
	}

	if kind == KindCode {
		packaging := Packaging(strings.ToLower(fields[7]))
		if packaging != PackagingRaw && packaging != PackagingArchived {
			return Entry{}, fmt.Sprintf("unknown packaging %q", fields[7])
		}
		return Entry{
			Kind:        kind,
			LogicalName: fields[0],
			StoragePath: fields[1],
			Packaging:   packaging,
			Checksums: map[Variant]string{
				VariantJIT: strings.ToLower(fields[2]),
				VariantAOT: strings.ToLower(fields[3]),
			},
			SourceChecksum:   strings.ToLower(fields[4]),
			BaselineChecksum: strings.ToLower(fields[5]),
			TargetChecksum:   strings.ToLower(fields[6]),
		}, ""
	}

	sum := strings.ToLower(fields[2])
	return Entry{
		Kind:        kind,
		LogicalName: fields[0],
		StoragePath: fields[1],
		Packaging:   PackagingRaw,
		Checksums: map[Variant]string{
			VariantJIT: sum,
			VariantAOT: sum,
		},
		SourceChecksum:   strings.ToLower(fields[3]),
		BaselineChecksum: strings.ToLower(fields[4]),
	}, ""
}

// Format renders entries back into manifest text. It is the inverse of Parse
// for well-formed entries and is used by tooling and tests to stage bundles.
func Format(kind Kind, entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		var fields []string
		if kind == KindCode {
			packaging := e.Packaging
			if packaging == "" {
				packaging = PackagingRaw
			}
			fields = []string{
				e.LogicalName, e.StoragePath,
				e.Checksums[VariantJIT], e.Checksums[VariantAOT],
				e.SourceChecksum, e.BaselineChecksum, e.TargetChecksum,
				string(packaging),
			}
		} else {
			sum := e.Checksums[VariantAOT]
			if sum == "" {
				sum = e.Checksums[VariantJIT]
			}
			fields = []string{e.LogicalName, e.StoragePath, sum, e.SourceChecksum, e.BaselineChecksum}
		}
		b.WriteString(strings.Join(fields, ","))
		b.WriteByte('\n')
	}
	return b.String()
}
