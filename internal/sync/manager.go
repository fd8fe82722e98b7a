// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/naturdata/obsync/internal/biolovision"
	"github.com/naturdata/obsync/internal/cache"
	"github.com/naturdata/obsync/internal/config"
	"github.com/naturdata/obsync/internal/logging"
	"github.com/naturdata/obsync/internal/regulator"
)

// Report collects the results of one full run across all sites.
type Report struct {
	Started  time.Time
	Finished time.Time
	Results  []Result
}

// Failed reports whether any pipeline aborted.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Status == StatusAborted {
			return true
		}
	}
	return false
}

// TotalRecords sums the committed records across pipelines.
func (r *Report) TotalRecords() int {
	total := 0
	for _, res := range r.Results {
		total += res.Records
	}
	return total
}

// NewFetcherFunc builds the remote client for one site. Overridable in
// tests; the default constructs a biolovision.Client.
type NewFetcherFunc func(site string, sc config.SiteConfig, tuning config.TuningConfig, refs *cache.Reference) (Fetcher, error)

// Manager fans out one pipeline per enabled (site, category) pair.
// Pipelines of one site share a remote client and reference cache;
// everything shares the store.
type Manager struct {
	cfg        *config.Config
	writer     Writer
	newFetcher NewFetcherFunc
}

// NewManager creates a manager over the loaded configuration and store.
func NewManager(cfg *config.Config, writer Writer) *Manager {
	return &Manager{
		cfg:        cfg,
		writer:     writer,
		newFetcher: defaultFetcher,
	}
}

// SetFetcherFunc overrides remote client construction (tests).
func (m *Manager) SetFetcherFunc(fn NewFetcherFunc) { m.newFetcher = fn }

func defaultFetcher(site string, sc config.SiteConfig, tuning config.TuningConfig, refs *cache.Reference) (Fetcher, error) {
	return biolovision.New(biolovision.Config{
		Site:              site,
		BaseURL:           sc.URL,
		ClientKey:         sc.ClientKey,
		ClientSecret:      sc.ClientSecret,
		UserEmail:         sc.UserEmail,
		UserPassword:      sc.UserPassword,
		MaxChunks:         tuning.MaxChunks,
		MaxRequests:       tuning.MaxRequests,
		RequestsPerSecond: tuning.RequestsPerSecond,
	}, refs)
}

// Run synchronizes every enabled (site, category) pair and returns the
// collected report. Pipeline failures are captured per result; Run only
// returns an error when no pipeline could be constructed at all.
func (m *Manager) Run(ctx context.Context) (*Report, error) {
	ctx = logging.ContextWithNewRunID(ctx)
	report := &Report{Started: time.Now()}
	tuning := m.cfg.Tuning

	floor := time.Date(tuning.MinYear, time.January, 1, 0, 0, 0, 0, time.UTC)

	var shared *cache.Reference
	if tuning.SharedCache {
		shared = cache.NewReference("shared", tuning.LRUMaxSize)
	}

	// Stable site order keeps logs and reports deterministic.
	sites := make([]string, 0, len(m.cfg.Sites))
	for name := range m.cfg.Sites {
		sites = append(sites, name)
	}
	sort.Strings(sites)

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	launched := 0
	for _, name := range sites {
		sc := m.cfg.Sites[name]
		if !sc.Enabled {
			continue
		}

		refs := shared
		if refs == nil {
			refs = cache.NewReference(name, tuning.LRUMaxSize)
		}

		fetcher, err := m.newFetcher(name, sc, tuning, refs)
		if err != nil {
			return nil, fmt.Errorf("failed to build client for site %s: %w", name, err)
		}

		for _, cat := range sc.EnabledCategories() {
			pipeline := &Pipeline{
				Site:     name,
				Category: cat,
				Fetcher:  fetcher,
				Writer:   m.writer,
				Executor: NewExecutor(tuning.MaxRetry, tuning.RetryDelay),
				Controller: regulator.NewController(regulator.Config{
					Kp:          tuning.PIDKp,
					Ki:          tuning.PIDKi,
					Kd:          tuning.PIDKd,
					Setpoint:    tuning.PIDSetpoint,
					SizeMin:     tuning.PIDLimitMin,
					SizeMax:     tuning.PIDLimitMax,
					InitialDays: tuning.PIDDeltaDays,
				}),
				Filter:    sc.CategoryFilter(cat),
				MaxChunks: tuning.MaxChunks,
				Floor:     floor,
			}

			launched++
			g.Go(func() error {
				res := pipeline.Run(ctx)
				mu.Lock()
				report.Results = append(report.Results, res)
				mu.Unlock()
				// A pipeline failure never cancels its siblings.
				return nil
			})
		}
	}

	if launched == 0 {
		return nil, fmt.Errorf("no enabled (site, category) pipelines configured")
	}

	_ = g.Wait() //nolint:errcheck // pipelines always return nil
	report.Finished = time.Now()

	sort.Slice(report.Results, func(i, j int) bool {
		a, b := report.Results[i], report.Results[j]
		if a.Site != b.Site {
			return a.Site < b.Site
		}
		return a.Category < b.Category
	})

	logging.Ctx(ctx).Info().
		Int("pipelines", launched).
		Int("records", report.TotalRecords()).
		Bool("failed", report.Failed()).
		Dur("elapsed", report.Finished.Sub(report.Started)).
		Msg("Sync run finished")

	return report, nil
}
