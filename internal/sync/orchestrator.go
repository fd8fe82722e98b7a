// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

/*
orchestrator.go - Per-(Site, Category) Sync Pipeline

A Pipeline drives one category of one site through a small state machine:

	INIT -> FETCHING -> PERSISTING -> ADVANCING -> FETCHING | DONE | ABORTED

INIT resolves the admissible taxo groups and the cursor (stored
high-water mark, or the configured historical floor on a first run).
FETCHING pulls one date-window chunk through the retry executor,
PERSISTING commits it atomically, ADVANCING moves the cursor to the
window end and feeds the record count back to the window controller.
The loop ends DONE when the cursor reaches the present (or the request
budget runs out), MAX_CHUNKS_EXCEEDED when the chunk budget is spent
first, and ABORTED on any unrecoverable error. Reference categories run
the same skeleton degenerated to a single list chunk.

A cursor only ever advances after a durable commit, so a crashed or
aborted run resumes exactly where the last committed chunk ended.
*/

//nolint:staticcheck // File documentation, not package doc
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/naturdata/obsync/internal/biolovision"
	"github.com/naturdata/obsync/internal/config"
	"github.com/naturdata/obsync/internal/logging"
	"github.com/naturdata/obsync/internal/metrics"
	"github.com/naturdata/obsync/internal/models"
	"github.com/naturdata/obsync/internal/regulator"
)

// Fetcher is the remote API surface a pipeline needs.
// *biolovision.Client implements it.
type Fetcher interface {
	FetchList(ctx context.Context, cat models.Category) ([]models.Record, error)
	SearchObservations(ctx context.Context, from, to time.Time, taxoGroups []string) ([]models.Record, error)
	ObservationsDiff(ctx context.Context, since time.Time, taxoGroups []string) (updated, deleted []string, err error)
	Observation(ctx context.Context, id string) ([]models.Record, error)
	AdmissibleTaxoGroups(ctx context.Context, exclude []string) ([]string, error)
	Requests() int64
	BudgetExhausted() bool
}

// Writer is the persistence surface a pipeline needs.
// *store.Store implements it.
type Writer interface {
	// Cursor returns the stored high-water mark for (site, category)
	// and whether one exists.
	Cursor(ctx context.Context, site string, cat models.Category) (time.Time, bool, error)

	// CommitChunk upserts the records and advances the cursor to end
	// in one transaction. It returns the number of records stored.
	CommitChunk(ctx context.Context, site string, cat models.Category, end time.Time, records []models.Record) (int, error)

	// CommitList upserts a reference listing without touching cursors.
	CommitList(ctx context.Context, site string, cat models.Category, records []models.Record) (int, error)

	// DeleteObservations removes remotely deleted sightings.
	DeleteObservations(ctx context.Context, site string, ids []string) (int, error)

	// LogOutcome appends a download_log row for reporting.
	LogOutcome(ctx context.Context, site string, cat models.Category, status string, errorCount int, comment string) error
}

// Status is the terminal state of one pipeline run.
type Status string

const (
	// StatusDone: the pipeline caught up to the present (or spent its
	// request budget after committing everything fetched so far).
	StatusDone Status = "done"

	// StatusMaxChunks: the chunk budget ran out before catching up.
	// Committed chunks stay; the next run resumes from the cursor.
	StatusMaxChunks Status = "max_chunks_exceeded"

	// StatusAborted: an unrecoverable error stopped the pipeline.
	StatusAborted Status = "aborted"
)

// Result reports one pipeline run.
type Result struct {
	Site     string
	Category models.Category
	Status   Status

	// Reason is nil for StatusDone, ErrMaxChunksExceeded for
	// StatusMaxChunks, and the causing error for StatusAborted.
	Reason error

	// Chunks and Records count committed work only.
	Chunks  int
	Records int

	// Updated and Deleted count diff-pass work (observations only).
	Updated int
	Deleted int

	// Cursor is the high-water mark after the run (zero for
	// reference categories).
	Cursor time.Time
}

// Pipeline synchronizes one (site, category) pair. Fields are set by
// the Manager; a Pipeline runs at most once.
type Pipeline struct {
	Site     string
	Category models.Category

	Fetcher    Fetcher
	Writer     Writer
	Executor   *Executor
	Controller *regulator.Controller

	// Filter scopes the download (observations only).
	Filter config.FilterConfig

	// MaxChunks bounds the windows processed in this run.
	MaxChunks int

	// Floor is the historical backfill limit (Jan 1 of min_year).
	Floor time.Time

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Run executes the pipeline to its terminal status. Errors are captured
// in the Result rather than returned: one pipeline aborting must not
// stop its siblings.
func (p *Pipeline) Run(ctx context.Context) Result {
	if p.Now == nil {
		p.Now = time.Now
	}

	res := Result{Site: p.Site, Category: p.Category, Status: StatusDone}
	started := p.Now()

	if p.Category.Windowed() {
		p.runWindowed(ctx, &res)
	} else {
		p.runList(ctx, &res)
	}

	p.logOutcome(ctx, &res)

	evt := logging.Ctx(ctx).Info()
	if res.Status == StatusAborted {
		evt = logging.Ctx(ctx).Error().Err(res.Reason)
	}
	evt.Str("site", p.Site).
		Str("category", string(p.Category)).
		Str("status", string(res.Status)).
		Int("chunks", res.Chunks).
		Int("records", res.Records).
		Dur("elapsed", p.Now().Sub(started)).
		Msg("Pipeline finished")

	return res
}

// runList synchronizes a reference category as one degenerate chunk.
func (p *Pipeline) runList(ctx context.Context, res *Result) {
	st := &RetryState{Site: p.Site, Category: p.Category}
	records, err := p.Executor.Fetch(ctx, st, func(ctx context.Context) ([]models.Record, error) {
		return p.Fetcher.FetchList(ctx, p.Category)
	})
	if err != nil {
		p.abort(res, err)
		return
	}

	n, err := p.Writer.CommitList(ctx, p.Site, p.Category, records)
	if err != nil {
		p.abort(res, err)
		return
	}

	res.Chunks = 1
	res.Records = n
	metrics.ChunksProcessed.WithLabelValues(p.Site, string(p.Category), "committed").Inc()
	metrics.RecordsStored.WithLabelValues(p.Site, string(p.Category)).Add(float64(n))
}

// runWindowed synchronizes observations through adaptive date windows.
func (p *Pipeline) runWindowed(ctx context.Context, res *Result) {
	// INIT: admissible groups, cursor, horizon.
	groups, err := p.admissibleGroups(ctx)
	if err != nil {
		p.abort(res, err)
		return
	}
	if len(groups) == 0 {
		logging.Warn().Str("site", p.Site).Msg("No admissible taxo groups, nothing to synchronize")
		return
	}

	cursor, hadCursor, err := p.Writer.Cursor(ctx, p.Site, p.Category)
	if err != nil {
		p.abort(res, err)
		return
	}
	if !hadCursor || cursor.Before(p.Floor) {
		cursor = p.Floor
	}
	if fs := p.Filter.StartTime(); !fs.IsZero() && cursor.Before(fs) {
		cursor = fs
	}

	horizon := p.Now()
	if fe := p.Filter.EndTime(); !fe.IsZero() && fe.Before(horizon) {
		horizon = fe
	}

	// Incremental pass first: pick up remote edits and deletions below
	// the cursor, which the forward walk would never revisit.
	if hadCursor {
		if err := p.diffPass(ctx, res, cursor, groups); err != nil {
			p.abort(res, err)
			return
		}
	}

	res.Cursor = cursor

	// FETCHING -> PERSISTING -> ADVANCING loop.
	for cursor.Before(horizon) {
		if p.Fetcher.BudgetExhausted() {
			logging.Info().
				Str("site", p.Site).
				Int64("requests", p.Fetcher.Requests()).
				Msg("Request budget exhausted, stopping cleanly")
			return
		}
		if res.Chunks >= p.MaxChunks {
			res.Status = StatusMaxChunks
			res.Reason = ErrMaxChunksExceeded
			metrics.ChunksProcessed.WithLabelValues(p.Site, string(p.Category), "budget").Inc()
			return
		}

		window := p.Controller.NextWindow(cursor, horizon)
		metrics.WindowSizeDays.WithLabelValues(p.Site, string(p.Category)).Set(float64(window.SizeDays))

		st := &RetryState{Site: p.Site, Category: p.Category, Window: window}
		records, err := p.Executor.Fetch(ctx, st, func(ctx context.Context) ([]models.Record, error) {
			return p.Fetcher.SearchObservations(ctx, window.Start, window.End, groups)
		})
		if err != nil {
			if errors.Is(err, biolovision.ErrRequestLimit) {
				// Budget ran out mid-chunk: nothing from this window was
				// committed, the cursor stands, the run is still clean.
				return
			}
			metrics.ChunksProcessed.WithLabelValues(p.Site, string(p.Category), "failed").Inc()
			p.abort(res, err)
			return
		}

		n, err := p.Writer.CommitChunk(ctx, p.Site, p.Category, window.End, records)
		if err != nil {
			metrics.ChunksProcessed.WithLabelValues(p.Site, string(p.Category), "failed").Inc()
			p.abort(res, err)
			return
		}

		// ADVANCING: only after the durable commit above.
		cursor = window.End
		res.Cursor = cursor
		res.Chunks++
		res.Records += n
		p.Controller.Observe(n)

		metrics.ChunksProcessed.WithLabelValues(p.Site, string(p.Category), "committed").Inc()
		metrics.RecordsStored.WithLabelValues(p.Site, string(p.Category)).Add(float64(n))

		logging.Debug().
			Str("site", p.Site).
			Str("window", window.String()).
			Int("records", n).
			Int("next_size_days", p.Controller.SizeDays()).
			Msg("Chunk committed")
	}
}

// admissibleGroups resolves the taxo groups to request, excluding both
// configured exclusions and groups the site does not expose.
func (p *Pipeline) admissibleGroups(ctx context.Context) ([]string, error) {
	st := &RetryState{Site: p.Site, Category: p.Category}
	var groups []string
	_, err := p.Executor.Fetch(ctx, st, func(ctx context.Context) ([]models.Record, error) {
		var err error
		groups, err = p.Fetcher.AdmissibleTaxoGroups(ctx, p.Filter.TaxoExclude)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// diffPass applies remote updates and deletions since the cursor.
func (p *Pipeline) diffPass(ctx context.Context, res *Result, since time.Time, groups []string) error {
	var updated, deleted []string
	st := &RetryState{Site: p.Site, Category: p.Category}
	_, err := p.Executor.Fetch(ctx, st, func(ctx context.Context) ([]models.Record, error) {
		var err error
		updated, deleted, err = p.Fetcher.ObservationsDiff(ctx, since, groups)
		return nil, err
	})
	if err != nil {
		return err
	}

	if len(deleted) > 0 {
		n, err := p.Writer.DeleteObservations(ctx, p.Site, deleted)
		if err != nil {
			return err
		}
		res.Deleted = n
	}

	for _, id := range updated {
		st := &RetryState{Site: p.Site, Category: p.Category}
		records, err := p.Executor.Fetch(ctx, st, func(ctx context.Context) ([]models.Record, error) {
			return p.Fetcher.Observation(ctx, id)
		})
		if err != nil {
			return err
		}
		n, err := p.Writer.CommitList(ctx, p.Site, p.Category, records)
		if err != nil {
			return err
		}
		res.Updated++
		res.Records += n
		metrics.RecordsStored.WithLabelValues(p.Site, string(p.Category)).Add(float64(n))
	}

	if len(updated) > 0 || len(deleted) > 0 {
		logging.Info().
			Str("site", p.Site).
			Int("updated", len(updated)).
			Int("deleted", len(deleted)).
			Msg("Incremental diff applied")
	}
	return nil
}

func (p *Pipeline) abort(res *Result, err error) {
	res.Status = StatusAborted
	res.Reason = err
}

// logOutcome records the run in download_log. Logging failures are
// reported but never change the pipeline outcome.
func (p *Pipeline) logOutcome(ctx context.Context, res *Result) {
	comment := ""
	if res.Reason != nil {
		comment = res.Reason.Error()
	}
	errorCount := 0
	if res.Status == StatusAborted {
		errorCount = 1
	}
	if err := p.Writer.LogOutcome(ctx, p.Site, p.Category, string(res.Status), errorCount, comment); err != nil {
		logging.Warn().Err(err).
			Str("site", p.Site).
			Str("category", string(p.Category)).
			Msg("Failed to record download log entry")
	}
}
