// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

/*
writer.go - Chunk Persistence

CommitChunk is the heart of the crash-safety story: the record upserts,
the uuid_xref refresh, and the cursor advance all happen in one
transaction. Either the whole chunk lands and the cursor moves to the
window end, or nothing changes and the next run re-fetches the same
window. Upserts keyed (id, site) make re-applying a chunk idempotent,
so a retried window never duplicates rows.
*/

//nolint:staticcheck // File documentation, not package doc
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/naturdata/obsync/internal/models"
)

// PersistenceError reports a failed store operation. The failed chunk
// was rolled back in full.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Cursor returns the stored high-water mark for (site, category).
func (s *Store) Cursor(ctx context.Context, site string, cat models.Category) (time.Time, bool, error) {
	var ts time.Time
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_ts FROM increment_log WHERE site = ? AND category = ?`,
		site, string(cat)).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &PersistenceError{Op: "cursor read", Err: err}
	}
	return ts.UTC(), true, nil
}

// CommitChunk stores one windowed chunk and advances the cursor to end,
// atomically. It returns the number of records written.
func (s *Store) CommitChunk(ctx context.Context, site string, cat models.Category, end time.Time, records []models.Record) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, &PersistenceError{Op: "begin chunk commit", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	n, err := s.upsertRecords(ctx, tx, site, records)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO increment_log (site, category, last_ts) VALUES (?, ?, ?)
		ON CONFLICT (site, category) DO UPDATE SET last_ts = EXCLUDED.last_ts`,
		site, string(cat), end.UTC()); err != nil {
		return 0, &PersistenceError{Op: "cursor advance", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &PersistenceError{Op: "chunk commit", Err: err}
	}
	return n, nil
}

// CommitList stores a reference listing without touching any cursor.
func (s *Store) CommitList(ctx context.Context, site string, cat models.Category, records []models.Record) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, &PersistenceError{Op: "begin list commit", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	n, err := s.upsertRecords(ctx, tx, site, records)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, &PersistenceError{Op: "list commit", Err: err}
	}
	return n, nil
}

// upsertRecords writes all records within tx, pseudonymizing observer
// identity on the way in.
func (s *Store) upsertRecords(ctx context.Context, tx *sql.Tx, site string, records []models.Record) (int, error) {
	n := 0
	for _, rec := range records {
		table, err := tableFor(rec.Category)
		if err != nil {
			return 0, &PersistenceError{Op: "resolve table", Err: err}
		}

		item, err := s.pseudo.scrub(rec)
		if err != nil {
			return 0, &PersistenceError{Op: "scrub record " + rec.ID, Err: err}
		}

		var observerPseudo interface{}
		if rec.ObserverID != "" {
			observerPseudo = s.pseudo.Pseudonym(rec.ObserverID)
		}
		var updatedAt interface{}
		if !rec.UpdatedAt.IsZero() {
			updatedAt = rec.UpdatedAt.UTC()
		}

		//nolint:gosec // table names come from the fixed category set
		stmt := fmt.Sprintf(`
			INSERT INTO %s (id, site, item, observer_pseudo, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id, site) DO UPDATE SET
				item = EXCLUDED.item,
				observer_pseudo = EXCLUDED.observer_pseudo,
				updated_at = EXCLUDED.updated_at`, table)
		if _, err := tx.ExecContext(ctx, stmt,
			rec.ID, site, string(item), observerPseudo, updatedAt); err != nil {
			return 0, &PersistenceError{Op: "upsert into " + table, Err: err}
		}

		if rec.Category == models.CategoryObservations {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO uuid_xref (id, site, universal_id, uuid) VALUES (?, ?, ?, ?)
				ON CONFLICT (id, site) DO NOTHING`,
				rec.ID, site, rec.UniversalID, uuid.NewString()); err != nil {
				return 0, &PersistenceError{Op: "uuid xref", Err: err}
			}
		}
		n++
	}
	return n, nil
}

// DeleteObservations removes remotely deleted sightings and their uuid
// cross-references. It returns the number of observation rows removed.
func (s *Store) DeleteObservations(ctx context.Context, site string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, &PersistenceError{Op: "begin delete", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, site)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM observations_json WHERE site = ? AND id IN (%s)`, placeholders),
		args...)
	if err != nil {
		return 0, &PersistenceError{Op: "delete observations", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM uuid_xref WHERE site = ? AND id IN (%s)`, placeholders),
		args...); err != nil {
		return 0, &PersistenceError{Op: "delete uuid xref", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return 0, &PersistenceError{Op: "delete commit", Err: err}
	}

	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

// LogOutcome appends one download_log row.
func (s *Store) LogOutcome(ctx context.Context, site string, cat models.Category, status string, errorCount int, comment string) error {
	if _, err := s.conn.ExecContext(ctx, `
		INSERT INTO download_log (id, site, category, status, error_count, comment)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), site, string(cat), status, errorCount, comment); err != nil {
		return &PersistenceError{Op: "download log", Err: err}
	}
	return nil
}

// CountRecords returns the number of stored rows for (site, category).
// Used by reporting and tests.
func (s *Store) CountRecords(ctx context.Context, site string, cat models.Category) (int, error) {
	table, err := tableFor(cat)
	if err != nil {
		return 0, err
	}
	var n int
	//nolint:gosec // table names come from the fixed category set
	if err := s.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE site = ?`, table), site).Scan(&n); err != nil {
		return 0, &PersistenceError{Op: "count records", Err: err}
	}
	return n, nil
}
