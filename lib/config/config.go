// Copyright 2026 The Spindle Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the broker.
//
// Configuration is loaded from a single file specified by either the
// SPINDLE_CONFIG environment variable (via Load) or a --config flag
// (via LoadFile). There are no fallbacks and no automatic discovery;
// this keeps the broker's resource policy deterministic and auditable.
// A broker started without a config file runs on Default.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/spindle-ipc/spindle/lib/user"
)

// AccountingConfig is the default per-user resource policy applied to
// every uid without an explicit override (see the limits file).
type AccountingConfig struct {
	// MaxBytes is the aggregate byte budget per user.
	// Default: 16777216 (16 MiB).
	MaxBytes uint64 `yaml:"max_bytes"`

	// MaxConnections, MaxFDs, MaxMatches, and MaxObjects bound the
	// four countable resource dimensions. Default: 128 each.
	MaxConnections uint `yaml:"max_connections"`
	MaxFDs         uint `yaml:"max_fds"`
	MaxMatches     uint `yaml:"max_matches"`
	MaxObjects     uint `yaml:"max_objects"`
}

// Limits converts the accounting section into the registry's limit
// type.
func (a AccountingConfig) Limits() user.Limits {
	return user.Limits{
		MaxBytes:       a.MaxBytes,
		MaxConnections: a.MaxConnections,
		MaxFDs:         a.MaxFDs,
		MaxMatches:     a.MaxMatches,
		MaxObjects:     a.MaxObjects,
	}
}

// Config is the broker configuration.
type Config struct {
	// Accounting is the default per-user resource policy.
	Accounting AccountingConfig `yaml:"accounting"`

	// LimitsFile is an optional JSONC file with per-uid accounting
	// overrides. Empty means no overrides.
	LimitsFile string `yaml:"limits_file"`

	// RunStatePath is where the broker writes its run-state record.
	// Empty disables the run-state file.
	RunStatePath string `yaml:"run_state_path"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`
}

// Default returns the reference configuration: the 16 MiB / 128-slot
// accounting policy, info logging, and no optional files.
func Default() *Config {
	limits := user.DefaultLimits()
	return &Config{
		Accounting: AccountingConfig{
			MaxBytes:       limits.MaxBytes,
			MaxConnections: limits.MaxConnections,
			MaxFDs:         limits.MaxFDs,
			MaxMatches:     limits.MaxMatches,
			MaxObjects:     limits.MaxObjects,
		},
		LogLevel: "info",
	}
}

// Load loads configuration from the SPINDLE_CONFIG environment
// variable. Fails if it is unset: there are no search paths.
func Load() (*Config, error) {
	path := os.Getenv("SPINDLE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("SPINDLE_CONFIG environment variable not set; " +
			"set it to the path of your spindle.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, merging the file over
// Default and validating the result. Environment variables do not
// override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid field, if any.
func (c *Config) Validate() error {
	if err := c.Accounting.Limits().Validate(); err != nil {
		return fmt.Errorf("accounting: %w", err)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel translates the configured log level name.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
}
