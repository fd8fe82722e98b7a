// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

// Package store persists synchronized records in DuckDB.
//
// Each category lands in its own <category>_json table keyed (id, site)
// with the raw item payload, so one database can hold several sites
// without collisions and downstream analytics can query across them.
// The increment_log table is the sync cursor, download_log records run
// outcomes, and uuid_xref assigns each sighting a stable local UUID.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver

	"github.com/naturdata/obsync/internal/config"
	"github.com/naturdata/obsync/internal/logging"
)

// Store wraps the DuckDB connection pool.
type Store struct {
	conn   *sql.DB
	pseudo *Pseudonymizer
}

// Open creates (or opens) the database, configures the pool, and
// ensures the schema exists. hashKey seeds observer pseudonymization.
func Open(cfg config.DatabaseConfig, hashKey string) (*Store, error) {
	pseudo, err := NewPseudonymizer(hashKey)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "2GB"
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, threads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Pool sizing: NumCPU writers is plenty for a batch synchronizer.
	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{conn: conn, pseudo: pseudo}
	if err := s.initSchema(ctx); err != nil {
		_ = conn.Close() //nolint:errcheck
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("Store opened")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}
