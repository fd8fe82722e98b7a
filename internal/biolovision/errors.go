// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package biolovision

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxChunks reports that a single API call needed more pages
	// than max_chunks allows. The partial data is discarded.
	ErrMaxChunks = errors.New("too many response chunks")

	// ErrRequestLimit reports that the run's request budget
	// (max_requests) is exhausted. No further requests are issued.
	ErrRequestLimit = errors.New("request budget exhausted")

	// ErrEmptyResponse reports a 2xx response without a usable body.
	ErrEmptyResponse = errors.New("empty response body")
)

// TransientError is a failure worth retrying: timeouts, transport
// errors, HTTP 408/429/5xx, and a tripped circuit breaker.
type TransientError struct {
	// Status is the HTTP status code, 0 for transport-level failures.
	Status int

	// RetryAfter carries the server's Retry-After hint on 429, zero
	// otherwise. Retrying earlier than this only burns the budget.
	RetryAfter time.Duration

	Err error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient API failure (HTTP %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient API failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure that no amount of retrying will fix:
// HTTP 400 (malformed request), 401/403 (bad credentials or forbidden).
type FatalError struct {
	Status int
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal API failure (HTTP %d): %v", e.Status, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe) || errors.Is(err, ErrRequestLimit)
}

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfterHint extracts the server's Retry-After duration from a
// transient error, zero when absent.
func RetryAfterHint(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
