// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package store

import (
	"context"
	"fmt"

	"github.com/naturdata/obsync/internal/models"
)

// tableFor maps a category to its storage table.
func tableFor(cat models.Category) (string, error) {
	if !cat.Valid() {
		return "", fmt.Errorf("unknown category %q", cat)
	}
	return string(cat) + "_json", nil
}

// initSchema creates all tables if they do not exist yet. Statements
// are idempotent so every startup can run them.
func (s *Store) initSchema(ctx context.Context) error {
	var stmts []string

	categories := append(models.Categories(), models.CategoryForms)
	for _, cat := range categories {
		table, _ := tableFor(cat)
		stmts = append(stmts, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id              VARCHAR NOT NULL,
				site            VARCHAR NOT NULL,
				item            JSON    NOT NULL,
				observer_pseudo VARCHAR,
				updated_at      TIMESTAMP,
				stored_at       TIMESTAMP NOT NULL DEFAULT current_timestamp,
				PRIMARY KEY (id, site)
			)`, table))
	}

	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS increment_log (
			site     VARCHAR   NOT NULL,
			category VARCHAR   NOT NULL,
			last_ts  TIMESTAMP NOT NULL,
			PRIMARY KEY (site, category)
		)`,
		`CREATE TABLE IF NOT EXISTS download_log (
			id            VARCHAR   NOT NULL PRIMARY KEY,
			site          VARCHAR   NOT NULL,
			category      VARCHAR   NOT NULL,
			status        VARCHAR   NOT NULL,
			error_count   INTEGER   NOT NULL DEFAULT 0,
			comment       VARCHAR,
			downloaded_at TIMESTAMP NOT NULL DEFAULT current_timestamp
		)`,
		`CREATE TABLE IF NOT EXISTS uuid_xref (
			id           VARCHAR   NOT NULL,
			site         VARCHAR   NOT NULL,
			universal_id VARCHAR,
			uuid         VARCHAR   NOT NULL,
			created_at   TIMESTAMP NOT NULL DEFAULT current_timestamp,
			PRIMARY KEY (id, site)
		)`,
	)

	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return &PersistenceError{Op: "init schema", Err: err}
		}
	}
	return nil
}
