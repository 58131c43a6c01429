// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode is the artifact compilation mode recorded in the ledger.
type Mode string

const (
	// ModeDefault uses derived forms compiled by the platform's default
	// pipeline.
	ModeDefault Mode = "default"

	// ModeInterpreted uses derived forms produced by reconciliation.
	ModeInterpreted Mode = "interpreted"

	// ModeTransitioning marks a mode change in progress that must be
	// resolved on the next start.
	ModeTransitioning Mode = "transitioning"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDefault, ModeInterpreted, ModeTransitioning:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (m Mode) String() string { return string(m) }

// Record is the persisted version ledger of one application.
type Record struct {
	// InstalledVersion is the last version the main process committed.
	InstalledVersion string `yaml:"installed_version"`

	// PendingVersion is the version staged for activation. Equal to
	// InstalledVersion when nothing is pending.
	PendingVersion string `yaml:"pending_version"`

	// Mode is the current compilation mode of the derived forms.
	Mode Mode `yaml:"overlay_mode"`

	// MarkedForRemoval asks the next main-process start to discard the
	// pending version.
	MarkedForRemoval bool `yaml:"marked_for_removal"`

	// PlatformFingerprint identifies the host platform build at the last
	// successful activation.
	PlatformFingerprint string `yaml:"platform_fingerprint"`

	// RestrictedMode constrains which installer strategy may be used.
	RestrictedMode bool `yaml:"restricted_mode"`
}

// Keys lists the ledger file keys. Every key must be present.
var Keys = []string{
	"installed_version",
	"pending_version",
	"overlay_mode",
	"marked_for_removal",
	"platform_fingerprint",
	"restricted_mode",
}

// Validate checks the record's internal consistency.
//
// # Outputs
//
//   - error: Non-nil when the mode is unknown or exactly one of the two
//     versions is blank. Both blank is legal and means nothing is staged.
func (r Record) Validate() error {
	if !r.Mode.Valid() {
		return fmt.Errorf("unknown overlay mode %q", r.Mode)
	}
	installedBlank := strings.TrimSpace(r.InstalledVersion) == ""
	pendingBlank := strings.TrimSpace(r.PendingVersion) == ""
	if installedBlank != pendingBlank {
		return fmt.Errorf("exactly one version is blank (installed=%q pending=%q)", r.InstalledVersion, r.PendingVersion)
	}
	return nil
}

// Empty reports whether no version is staged.
func (r Record) Empty() bool {
	return strings.TrimSpace(r.InstalledVersion) == "" && strings.TrimSpace(r.PendingVersion) == ""
}

// HasPending reports whether the pending version differs from the installed
// one.
func (r Record) HasPending() bool {
	return r.PendingVersion != r.InstalledVersion
}

// Marshal encodes the record as a flat YAML mapping.
func Marshal(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a ledger file strictly.
//
// # Description
//
// The document must be one flat mapping holding exactly the keys in Keys,
// each a scalar of the right type. Anything else is reported as a
// *CorruptedError; no partially populated record is ever returned.
func Unmarshal(path string, data []byte) (Record, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Record{}, corrupted(path, "unparseable: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return Record{}, corrupted(path, "not a flat mapping")
	}

	fields := make(map[string]*yaml.Node, len(Keys))
	mapping := doc.Content[0]
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		k, v := mapping.Content[i], mapping.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return Record{}, corrupted(path, "non-scalar key")
		}
		if !isKnownKey(k.Value) {
			return Record{}, corrupted(path, "unknown key %q", k.Value)
		}
		if _, dup := fields[k.Value]; dup {
			return Record{}, corrupted(path, "duplicate key %q", k.Value)
		}
		if v.Kind != yaml.ScalarNode {
			return Record{}, corrupted(path, "key %q is not a scalar", k.Value)
		}
		fields[k.Value] = v
	}
	for _, k := range Keys {
		if _, ok := fields[k]; !ok {
			return Record{}, corrupted(path, "missing key %q", k)
		}
	}

	var (
		r   Record
		err error
	)
	if r.InstalledVersion, err = stringField(fields, "installed_version"); err != nil {
		return Record{}, corrupted(path, "%v", err)
	}
	if r.PendingVersion, err = stringField(fields, "pending_version"); err != nil {
		return Record{}, corrupted(path, "%v", err)
	}
	mode, err := stringField(fields, "overlay_mode")
	if err != nil {
		return Record{}, corrupted(path, "%v", err)
	}
	r.Mode = Mode(mode)
	if r.PlatformFingerprint, err = stringField(fields, "platform_fingerprint"); err != nil {
		return Record{}, corrupted(path, "%v", err)
	}
	if r.MarkedForRemoval, err = boolField(fields, "marked_for_removal"); err != nil {
		return Record{}, corrupted(path, "%v", err)
	}
	if r.RestrictedMode, err = boolField(fields, "restricted_mode"); err != nil {
		return Record{}, corrupted(path, "%v", err)
	}

	if err := r.Validate(); err != nil {
		return Record{}, corrupted(path, "%v", err)
	}
	return r, nil
}

func isKnownKey(k string) bool {
	for _, known := range Keys {
		if k == known {
			return true
		}
	}
	return false
}

// stringField accepts any non-null scalar so that hand-edited ledgers with
// unquoted numeric versions (installed_version: 1.2) still parse.
func stringField(fields map[string]*yaml.Node, key string) (string, error) {
	n := fields[key]
	switch n.Tag {
	case "!!str", "!!int", "!!float":
		return n.Value, nil
	}
	return "", fmt.Errorf("key %q: expected a string, got %s", key, n.Tag)
}

func boolField(fields map[string]*yaml.Node, key string) (bool, error) {
	n := fields[key]
	if n.Tag != "!!bool" {
		return false, fmt.Errorf("key %q: expected a bool, got %s", key, n.Tag)
	}
	var b bool
	if err := n.Decode(&b); err != nil {
		return false, fmt.Errorf("key %q: %v", key, err)
	}
	return b, nil
}
