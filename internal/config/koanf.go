// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"obsync.yaml",
	"obsync.yml",
	"/etc/obsync/obsync.yaml",
	"/etc/obsync/obsync.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "OBSYNC_CONFIG"

// Load builds the configuration from layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any mapped setting
//
// Precedence: ENV > file > defaults. The result is validated before it
// is returned; an invalid configuration never reaches the caller.
func Load() (*Config, error) {
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path. An empty path
// skips the file layer.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables (highest priority).
	// Only explicitly mapped variables are accepted; everything else in
	// the environment is ignored.
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the first file found, or empty string if none exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc maps environment variable names to koanf config
// paths. Site definitions are file-only (they are a nested map); the
// flat tuning/database/logging knobs are overridable per variable.
//
// Examples:
//   - TUNING_MAX_CHUNKS  -> tuning.max_chunks
//   - DUCKDB_PATH        -> database.path
//   - LOG_LEVEL          -> logging.level
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Tuning mappings
		"tuning_max_chunks":          "tuning.max_chunks",
		"tuning_max_retry":           "tuning.max_retry",
		"tuning_max_requests":        "tuning.max_requests",
		"tuning_retry_delay":         "tuning.retry_delay",
		"tuning_requests_per_second": "tuning.requests_per_second",
		"tuning_lru_maxsize":         "tuning.lru_maxsize",
		"tuning_min_year":            "tuning.min_year",
		"tuning_pid_kp":              "tuning.pid_kp",
		"tuning_pid_ki":              "tuning.pid_ki",
		"tuning_pid_kd":              "tuning.pid_kd",
		"tuning_pid_setpoint":        "tuning.pid_setpoint",
		"tuning_pid_limit_min":       "tuning.pid_limit_min",
		"tuning_pid_limit_max":       "tuning.pid_limit_max",
		"tuning_pid_delta_days":      "tuning.pid_delta_days",
		"tuning_shared_cache":        "tuning.shared_cache",

		// Database mappings
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Security mappings
		"obsync_hash_key": "security.hash_key",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Unmapped keys return empty string and are skipped. This prevents
	// random environment variables from polluting the config.
	return ""
}
