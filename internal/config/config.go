// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

// Package config defines the typed configuration for Obsync and its
// layered loader (struct defaults, optional YAML file, environment
// variables). Configuration is validated once at load and treated as
// immutable afterwards.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	// Sites maps a short site name (used in store rows and logs) to its
	// remote endpoint configuration.
	Sites map[string]SiteConfig `koanf:"sites"`

	Tuning   TuningConfig   `koanf:"tuning"`
	Database DatabaseConfig `koanf:"database"`
	Logging  LoggingConfig  `koanf:"logging"`
	Security SecurityConfig `koanf:"security"`
}

// SiteConfig describes one remote VisioNature site.
type SiteConfig struct {
	// Enabled controls whether this site is synchronized at all.
	Enabled bool `koanf:"enabled"`

	// URL is the site base URL, e.g. https://www.faune-xxx.org/api/.
	URL string `koanf:"url"`

	// ClientKey and ClientSecret are the API consumer credentials
	// issued by the site operator.
	ClientKey    string `koanf:"client_key"`
	ClientSecret string `koanf:"client_secret"`

	// UserEmail and UserPassword identify the downloading account.
	// They are attached to every request as query parameters.
	UserEmail    string `koanf:"user_email"`
	UserPassword string `koanf:"user_pw"`

	// Controlers enables individual data categories for this site.
	// Unlisted categories are not synchronized.
	Controlers map[string]ControlerConfig `koanf:"controlers"`
}

// ControlerConfig enables one data category and scopes what it downloads.
type ControlerConfig struct {
	Enabled bool         `koanf:"enabled"`
	Filter  FilterConfig `koanf:"filter"`
}

// FilterConfig narrows a category download.
type FilterConfig struct {
	// TaxoExclude lists taxo group ids whose observations are never
	// requested from the remote site.
	TaxoExclude []string `koanf:"taxo_exclude"`

	// StartDate and EndDate optionally bound the synchronized date
	// range, formatted YYYY-MM-DD. Empty means unbounded on that side.
	StartDate string `koanf:"start_date"`
	EndDate   string `koanf:"end_date"`
}

// StartTime returns the parsed start bound, zero if unset.
// Validate guarantees the format, so errors are swallowed here.
func (f FilterConfig) StartTime() time.Time {
	t, _ := time.Parse(dateLayout, f.StartDate)
	return t
}

// EndTime returns the parsed end bound, zero if unset.
func (f FilterConfig) EndTime() time.Time {
	t, _ := time.Parse(dateLayout, f.EndDate)
	return t
}

// dateLayout is the wire format of filter date bounds.
const dateLayout = "2006-01-02"

// TuningConfig holds the download regulation knobs shared by all sites.
type TuningConfig struct {
	// MaxChunks bounds both the pages aggregated per API call and the
	// windows processed per (site, category) run.
	MaxChunks int `koanf:"max_chunks" validate:"min=1"`

	// MaxRetry is the total number of attempts per chunk fetch,
	// including the first one.
	MaxRetry int `koanf:"max_retry" validate:"min=1"`

	// MaxRequests caps API requests per run; 0 means unlimited.
	MaxRequests int64 `koanf:"max_requests" validate:"min=0"`

	// RetryDelay is the fixed pause between fetch attempts.
	RetryDelay time.Duration `koanf:"retry_delay"`

	// RequestsPerSecond paces outgoing requests; 0 disables pacing.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"min=0"`

	// LRUMaxSize is the reference cache capacity.
	LRUMaxSize int `koanf:"lru_maxsize" validate:"min=1"`

	// MinYear is the historical floor: windowed backfills start no
	// earlier than January 1 of this year.
	MinYear int `koanf:"min_year" validate:"min=1000"`

	// PID controller gains and limits for adaptive window sizing.
	PIDKp       float64 `koanf:"pid_kp"`
	PIDKi       float64 `koanf:"pid_ki"`
	PIDKd       float64 `koanf:"pid_kd"`
	PIDSetpoint float64 `koanf:"pid_setpoint" validate:"gt=0"`
	PIDLimitMin int     `koanf:"pid_limit_min" validate:"min=1"`
	PIDLimitMax int     `koanf:"pid_limit_max" validate:"min=1"`

	// PIDDeltaDays is the initial window size before any feedback.
	PIDDeltaDays int `koanf:"pid_delta_days" validate:"min=1"`

	// SharedCache shares one reference cache across all sites instead
	// of one per site. Off by default: reference ids are site-local.
	SharedCache bool `koanf:"shared_cache"`
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	// Path to the database file. The parent directory is created.
	Path string `koanf:"path"`

	// MaxMemory is the DuckDB memory limit, e.g. "2GB".
	MaxMemory string `koanf:"max_memory"`

	// Threads for DuckDB; 0 = runtime.NumCPU().
	Threads int `koanf:"threads" validate:"min=0"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// SecurityConfig holds secrets that are not site credentials.
type SecurityConfig struct {
	// HashKey seeds the observer pseudonymization. It must stay stable
	// for the lifetime of a deployment: changing it unlinks every
	// previously stored pseudonym.
	HashKey string `koanf:"hash_key"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Sites: map[string]SiteConfig{},
		Tuning: TuningConfig{
			MaxChunks:         10,
			MaxRetry:          5,
			MaxRequests:       0, // unlimited
			RetryDelay:        5 * time.Second,
			RequestsPerSecond: 2,
			LRUMaxSize:        32,
			MinYear:           1901,
			PIDKp:             0.0,
			PIDKi:             0.003,
			PIDKd:             0.0,
			PIDSetpoint:       10000,
			PIDLimitMin:       10,
			PIDLimitMax:       2000,
			PIDDeltaDays:      15,
			SharedCache:       false,
		},
		Database: DatabaseConfig{
			Path:      "/data/obsync.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Security: SecurityConfig{
			HashKey: "",
		},
	}
}
