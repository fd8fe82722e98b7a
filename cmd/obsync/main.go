// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

// Package main is the entry point for the obsync synchronizer.
//
// Obsync pulls biodiversity observation records from VisioNature sites
// into a local DuckDB database. Each run is a batch: it synchronizes
// every enabled (site, category) pair, prints a summary, and exits.
// Schedule it with cron or a systemd timer for continuous operation.
//
// # Application Architecture
//
// A run proceeds in the following order:
//
//  1. Configuration: load settings from config file and environment (Koanf v2)
//  2. Store: open DuckDB, create schema, derive the pseudonymization key
//  3. Manager: build one pipeline per enabled (site, category) pair
//  4. Pipelines: fetch in adaptive windows, commit chunks, advance cursors
//  5. Report: log per-pipeline outcomes; exit 1 if any pipeline failed
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (TUNING_*, DUCKDB_*, LOG_*, OBSYNC_HASH_KEY)
//   - Config file (obsync.yaml, or -config / OBSYNC_CONFIG)
//   - Built-in defaults
//
// # Example Usage
//
// Minimal run against one site:
//
//	export OBSYNC_HASH_KEY=$(openssl rand -base64 32)
//	./obsync -config /etc/obsync/obsync.yaml
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the run context. In-flight chunks finish or
// roll back; cursors only ever reflect fully committed chunks, so an
// interrupted run resumes exactly where it stopped.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/naturdata/obsync/internal/config"
	"github.com/naturdata/obsync/internal/logging"
	"github.com/naturdata/obsync/internal/store"
	"github.com/naturdata/obsync/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (default: search standard locations)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		// Default logger: config (and its logging section) is not available yet
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	enabled := 0
	for _, sc := range cfg.Sites {
		if sc.Enabled {
			enabled++
		}
	}
	logging.Info().
		Int("sites", enabled).
		Str("db_path", cfg.Database.Path).
		Int("max_chunks", cfg.Tuning.MaxChunks).
		Msg("Configuration loaded")

	st, err := store.Open(cfg.Database, cfg.Security.HashKey)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close store")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := sync.NewManager(cfg, st)
	report, err := manager.Run(ctx)
	if err != nil {
		logging.Fatal().Err(err).Msg("Synchronization failed to start")
	}

	for _, res := range report.Results {
		logging.Info().
			Str("site", res.Site).
			Str("category", string(res.Category)).
			Str("status", string(res.Status)).
			Int("chunks", res.Chunks).
			Int("records", res.Records).
			Msg("Pipeline finished")
	}

	logging.Info().
		Int("pipelines", len(report.Results)).
		Int("records", report.TotalRecords()).
		Bool("failed", report.Failed()).
		Dur("elapsed", report.Finished.Sub(report.Started)).
		Msg("Synchronization complete")

	if report.Failed() {
		os.Exit(1)
	}
}
