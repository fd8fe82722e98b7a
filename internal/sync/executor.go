// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package sync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/naturdata/obsync/internal/biolovision"
	"github.com/naturdata/obsync/internal/logging"
	"github.com/naturdata/obsync/internal/metrics"
	"github.com/naturdata/obsync/internal/models"
)

// Executor retries chunk fetches against transient remote failures.
//
// Attempts are spaced by a fixed delay (a 429 Retry-After hint extends
// the pause when it is longer), the total attempt count is bounded by
// maxRetry, and fatal errors short-circuit immediately. An exhausted
// budget surfaces as *ChunkFetchError; a fatal error passes through
// unchanged so the caller can tell the two apart.
type Executor struct {
	maxRetry int
	delay    time.Duration
}

// NewExecutor creates an executor allowing maxRetry total attempts
// spaced by delay.
func NewExecutor(maxRetry int, delay time.Duration) *Executor {
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &Executor{maxRetry: maxRetry, delay: delay}
}

// Op is one retryable fetch operation.
type Op func(ctx context.Context) ([]models.Record, error)

// Fetch runs op until it succeeds, fails fatally, or the attempt budget
// is spent. st accumulates attempt bookkeeping for error reporting.
func (e *Executor) Fetch(ctx context.Context, st *RetryState, op Op) ([]models.Record, error) {
	st.StartedAt = time.Now()

	operation := func() ([]models.Record, error) {
		st.Attempts++
		records, err := op(ctx)
		if err == nil {
			return records, nil
		}
		st.LastErr = err

		if biolovision.IsFatal(err) {
			return nil, backoff.Permanent(err)
		}

		logging.Warn().
			Err(err).
			Str("site", st.Site).
			Str("category", string(st.Category)).
			Int("attempt", st.Attempts).
			Msg("Chunk fetch attempt failed")
		metrics.FetchRetries.WithLabelValues(st.Site, string(st.Category)).Inc()

		// A server-provided Retry-After longer than our fixed delay
		// overrides it; retrying earlier would just fail again.
		if hint := biolovision.RetryAfterHint(err); hint > e.delay {
			return nil, backoff.RetryAfter(int(hint / time.Second))
		}
		return nil, err
	}

	records, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.delay)),
		backoff.WithMaxTries(uint(e.maxRetry)),
	)
	if err == nil {
		return records, nil
	}

	// Fatal errors and context cancellation pass through unchanged.
	if biolovision.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, &ChunkFetchError{State: *st}
}
