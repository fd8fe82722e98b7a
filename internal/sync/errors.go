// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/naturdata/obsync/internal/models"
	"github.com/naturdata/obsync/internal/regulator"
)

// ErrMaxChunksExceeded reports that a pipeline hit its chunk budget
// before catching up to the present. The data committed so far stays;
// the next run resumes from the stored cursor.
var ErrMaxChunksExceeded = errors.New("chunk budget exhausted before catching up")

// RetryState tracks the progress of one chunk fetch across attempts.
type RetryState struct {
	Site     string
	Category models.Category
	Window   regulator.Window

	// Attempts counts every try, the first one included.
	Attempts int

	// LastErr is the most recent failure.
	LastErr error

	// StartedAt is when the first attempt began.
	StartedAt time.Time
}

// ChunkFetchError reports that a chunk fetch failed after exhausting
// its retry budget. It aborts the owning pipeline.
type ChunkFetchError struct {
	State RetryState
}

func (e *ChunkFetchError) Error() string {
	return fmt.Sprintf("chunk fetch for %s/%s window %s failed after %d attempts: %v",
		e.State.Site, e.State.Category, e.State.Window, e.State.Attempts, e.State.LastErr)
}

func (e *ChunkFetchError) Unwrap() error { return e.State.LastErr }
