// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads patchloader settings from YAML with environment
// overrides.
//
// Precedence, lowest first: DefaultConfig, the YAML file, PATCHLOADER_*
// environment variables. The merged result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/patchloader/pkg/logging"
	"github.com/AleutianAI/patchloader/services/loader/checksum"
	"github.com/AleutianAI/patchloader/services/loader/layout"
	"github.com/AleutianAI/patchloader/services/loader/manifest"
	"github.com/AleutianAI/patchloader/services/loader/safemode"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PATCHLOADER_"

// Safe-mode store backends.
const (
	StoreFile   = "file"
	StoreBadger = "badger"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the full loader configuration.
type Config struct {
	RootDir              string          `yaml:"root_dir" validate:"required"`
	Enabled              bool            `yaml:"enabled"`
	Kinds                KindsConfig     `yaml:"kinds"`
	Runtime              string          `yaml:"runtime" validate:"oneof=jit aot"`
	VerifyChecksums      bool            `yaml:"verify_checksums"`
	ChecksumAlgorithm    string          `yaml:"checksum_algorithm" validate:"oneof=md5 sha256"`
	LockTimeout          time.Duration   `yaml:"lock_timeout" validate:"gte=0"`
	SafeMode             SafeModeConfig  `yaml:"safe_mode"`
	RecompileParallelism int             `yaml:"recompile_parallelism" validate:"min=1,max=64"`
	BaselineID           string          `yaml:"baseline_id" validate:"omitempty,max=128"`
	Logging              LoggingConfig   `yaml:"logging"`
	Telemetry            TelemetryConfig `yaml:"telemetry"`
}

// KindsConfig enables artifact kinds individually.
type KindsConfig struct {
	Code bool `yaml:"code"`
	Lib  bool `yaml:"lib"`
	Res  bool `yaml:"res"`
}

// SafeModeConfig configures the crash-loop guard.
type SafeModeConfig struct {
	MaxAttempts int    `yaml:"max_attempts" validate:"min=2"`
	Store       string `yaml:"store" validate:"oneof=file badger"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig toggles OpenTelemetry instrumentation.
type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
	Metrics bool `yaml:"metrics"`
}

var validate = validator.New()

// DefaultConfig returns the settings used when no file exists.
func DefaultConfig() Config {
	root := ".patchloader"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".patchloader")
	}
	return Config{
		RootDir:              root,
		Enabled:              true,
		Kinds:                KindsConfig{Code: true, Lib: true, Res: true},
		Runtime:              string(manifest.VariantJIT),
		VerifyChecksums:      true,
		ChecksumAlgorithm:    checksum.AlgorithmMD5,
		LockTimeout:          10 * time.Second,
		SafeMode:             SafeModeConfig{MaxAttempts: safemode.DefaultMaxAttempts, Store: StoreFile},
		RecompileParallelism: 4,
		Logging:              LoggingConfig{Level: "info"},
		Telemetry:            TelemetryConfig{Tracing: true, Metrics: true},
	}
}

// Load reads path over DefaultConfig, applies environment overrides and
// validates.
//
// # Description
//
// A missing file is not an error; defaults plus environment are used. An
// empty path skips the file.
//
// # Outputs
//
//   - Config: The merged configuration.
//   - error: Read, parse, override or validation failure.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	return layout.WriteFileAtomic(path, data, 0o640)
}

// ApplyEnv overrides fields from PATCHLOADER_* variables found by lookup.
//
// Recognised suffixes: ROOT_DIR, ENABLED, RUNTIME, VERIFY_CHECKSUMS,
// CHECKSUM_ALGORITHM, LOCK_TIMEOUT, SAFE_MODE_MAX_ATTEMPTS, SAFE_MODE_STORE,
// RECOMPILE_PARALLELISM, BASELINE_ID, LOG_LEVEL, LOG_DIR.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalid, EnvPrefix, key, v)
		}
		*dst = b
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalid, EnvPrefix, key, v)
		}
		*dst = n
		return nil
	}

	str("ROOT_DIR", &c.RootDir)
	str("RUNTIME", &c.Runtime)
	str("CHECKSUM_ALGORITHM", &c.ChecksumAlgorithm)
	str("SAFE_MODE_STORE", &c.SafeMode.Store)
	str("BASELINE_ID", &c.BaselineID)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_DIR", &c.Logging.Dir)
	if err := boolean("ENABLED", &c.Enabled); err != nil {
		return err
	}
	if err := boolean("VERIFY_CHECKSUMS", &c.VerifyChecksums); err != nil {
		return err
	}
	if err := integer("SAFE_MODE_MAX_ATTEMPTS", &c.SafeMode.MaxAttempts); err != nil {
		return err
	}
	if err := integer("RECOMPILE_PARALLELISM", &c.RecompileParallelism); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "LOCK_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %sLOCK_TIMEOUT=%q: %v", ErrInvalid, EnvPrefix, v, err)
		}
		c.LockTimeout = d
	}
	return nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%w: %s fails %q (value %v)", ErrInvalid, f.Namespace(), f.Tag(), f.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Layout returns the directory layout rooted at RootDir.
func (c Config) Layout() layout.Layout {
	return layout.New(c.RootDir)
}

// EnabledKinds lists enabled kinds in install order.
func (c Config) EnabledKinds() []manifest.Kind {
	kinds := []manifest.Kind{}
	if c.Kinds.Code {
		kinds = append(kinds, manifest.KindCode)
	}
	if c.Kinds.Lib {
		kinds = append(kinds, manifest.KindLib)
	}
	if c.Kinds.Res {
		kinds = append(kinds, manifest.KindRes)
	}
	return kinds
}

// Variant returns the configured runtime variant.
func (c Config) Variant() manifest.Variant {
	return manifest.Variant(c.Runtime)
}

// Hasher builds the configured checksum algorithm.
func (c Config) Hasher() (checksum.Hasher, error) {
	return checksum.NewHasher(c.ChecksumAlgorithm, 0)
}

// SafeModeStore returns the counter store selected by SafeMode.Store.
func (c Config) SafeModeStore() safemode.CounterStore {
	lay := c.Layout()
	if c.SafeMode.Store == StoreBadger {
		return safemode.NewBadgerStoreAt(lay.SafeModeDBPath())
	}
	return safemode.NewFileStore(lay.SafeModeDir())
}

// SafeModeGuard builds the guard with the configured budget, serialized
// through the root's safe-mode lock file. opts are applied last.
func (c Config) SafeModeGuard(opts ...safemode.Option) *safemode.Guard {
	base := []safemode.Option{
		safemode.WithMaxAttempts(c.SafeMode.MaxAttempts),
		safemode.WithLock(c.Layout().SafeModeLockPath(), c.LockTimeout),
	}
	return safemode.New(append(base, opts...)...)
}

// LogLevel parses Logging.Level.
func (c Config) LogLevel() logging.Level {
	lvl, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.LevelInfo
	}
	return lvl
}
