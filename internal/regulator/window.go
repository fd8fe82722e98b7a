// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

// Package regulator sizes the date-range windows used to chunk observation
// downloads. A PID feedback loop steers the window size so that each chunk
// carries roughly the configured setpoint number of records: dense periods
// shrink the window, sparse periods grow it, within configured hard limits.
package regulator

import (
	"fmt"
	"time"
)

// Window is one half-open date range [Start, End) requested from the
// remote site as a single chunk.
type Window struct {
	Start    time.Time
	End      time.Time
	SizeDays int
}

// NewWindow builds a window of sizeDays starting at start, with End
// clamped to now so a run never requests future dates.
func NewWindow(start, now time.Time, sizeDays int) Window {
	end := start.AddDate(0, 0, sizeDays)
	if end.After(now) {
		end = now
	}
	return Window{Start: start, End: end, SizeDays: sizeDays}
}

// Reaches reports whether the window extends to the present, i.e. the
// pipeline has caught up.
func (w Window) Reaches(now time.Time) bool {
	return !w.End.Before(now)
}

// Intersect bounds the window by the optional [lo, hi] filter limits.
// A zero lo or hi leaves that side untouched.
func (w Window) Intersect(lo, hi time.Time) Window {
	out := w
	if !lo.IsZero() && out.Start.Before(lo) {
		out.Start = lo
	}
	if !hi.IsZero() && out.End.After(hi) {
		out.End = hi
	}
	return out
}

// Empty reports whether the window covers no time at all.
func (w Window) Empty() bool {
	return !w.End.After(w.Start)
}

// String renders the window for logging.
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s) %dd",
		w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"), w.SizeDays)
}
