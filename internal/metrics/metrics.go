// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

// Package metrics defines the Prometheus instrumentation for Obsync.
//
// All collectors are registered on the default registry at package init via
// promauto and observed directly from the sync, cache, client, and store
// packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequests counts requests issued to remote sites, by HTTP status class.
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obsync",
			Name:      "api_requests_total",
			Help:      "Remote API requests issued, by site and status class",
		},
		[]string{"site", "status"},
	)

	// APIRequestDuration observes remote request latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "obsync",
			Name:      "api_request_duration_seconds",
			Help:      "Remote API request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"site"},
	)

	// ChunksProcessed counts windowed chunks by terminal outcome
	// (committed, retried_exhausted, aborted).
	ChunksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obsync",
			Name:      "chunks_processed_total",
			Help:      "Date-range chunks processed, by site, category and outcome",
		},
		[]string{"site", "category", "outcome"},
	)

	// RecordsStored counts records committed to the store.
	RecordsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obsync",
			Name:      "records_stored_total",
			Help:      "Records upserted into the store",
		},
		[]string{"site", "category"},
	)

	// FetchRetries counts transient-failure retries of chunk fetches.
	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obsync",
			Name:      "fetch_retries_total",
			Help:      "Chunk fetch retry attempts after transient failures",
		},
		[]string{"site", "category"},
	)

	// WindowSizeDays tracks the current adaptive window size per pipeline.
	WindowSizeDays = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "obsync",
			Name:      "window_size_days",
			Help:      "Current adaptive date-window size in days",
		},
		[]string{"site", "category"},
	)

	// CacheHits counts reference cache hits per cache instance.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obsync",
			Name:      "reference_cache_hits_total",
			Help:      "Reference cache hits",
		},
		[]string{"cache"},
	)

	// CacheMisses counts reference cache misses per cache instance.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "obsync",
			Name:      "reference_cache_misses_total",
			Help:      "Reference cache misses",
		},
		[]string{"cache"},
	)

	// BreakerState tracks circuit breaker state per site
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "obsync",
			Name:      "circuit_breaker_state",
			Help:      "Remote client circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"site"},
	)
)
