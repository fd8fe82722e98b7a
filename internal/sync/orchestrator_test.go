// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/naturdata/obsync/internal/biolovision"
	"github.com/naturdata/obsync/internal/cache"
	"github.com/naturdata/obsync/internal/config"
	"github.com/naturdata/obsync/internal/models"
	"github.com/naturdata/obsync/internal/regulator"
)

// searchCall records one SearchObservations invocation.
type searchCall struct {
	from, to time.Time
	groups   []string
}

// fakeFetcher implements Fetcher in memory.
type fakeFetcher struct {
	mu sync.Mutex

	groups      []string // all taxo groups the site exposes
	searchFn    func(call searchCall) ([]models.Record, error)
	listFn      func(cat models.Category) ([]models.Record, error)
	diffUpdated []string
	diffDeleted []string
	diffSince   time.Time
	obsFn       func(id string) ([]models.Record, error)

	budgetSpent bool
	searches    []searchCall
	requests    int64
}

func (f *fakeFetcher) FetchList(ctx context.Context, cat models.Category) ([]models.Record, error) {
	f.count()
	if f.listFn != nil {
		return f.listFn(cat)
	}
	return nil, fmt.Errorf("unexpected FetchList(%s)", cat)
}

func (f *fakeFetcher) SearchObservations(ctx context.Context, from, to time.Time, taxoGroups []string) ([]models.Record, error) {
	f.count()
	call := searchCall{from: from, to: to, groups: taxoGroups}
	f.mu.Lock()
	f.searches = append(f.searches, call)
	f.mu.Unlock()
	if f.searchFn != nil {
		return f.searchFn(call)
	}
	return nil, nil
}

func (f *fakeFetcher) ObservationsDiff(ctx context.Context, since time.Time, taxoGroups []string) ([]string, []string, error) {
	f.count()
	f.mu.Lock()
	f.diffSince = since
	f.mu.Unlock()
	return f.diffUpdated, f.diffDeleted, nil
}

func (f *fakeFetcher) Observation(ctx context.Context, id string) ([]models.Record, error) {
	f.count()
	if f.obsFn != nil {
		return f.obsFn(id)
	}
	return []models.Record{{Category: models.CategoryObservations, ID: id}}, nil
}

func (f *fakeFetcher) AdmissibleTaxoGroups(ctx context.Context, exclude []string) ([]string, error) {
	f.count()
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	var out []string
	for _, g := range f.groups {
		if !excluded[g] {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeFetcher) Requests() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeFetcher) BudgetExhausted() bool { return f.budgetSpent }

func (f *fakeFetcher) count() {
	f.mu.Lock()
	f.requests++
	f.mu.Unlock()
}

// fakeWriter implements Writer in memory.
type fakeWriter struct {
	mu sync.Mutex

	cursors   map[string]time.Time
	committed []models.Record
	deleted   []string
	commits   int
	commitErr error
	outcomes  []string
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{cursors: map[string]time.Time{}}
}

func (w *fakeWriter) key(site string, cat models.Category) string {
	return site + "/" + string(cat)
}

func (w *fakeWriter) Cursor(ctx context.Context, site string, cat models.Category) (time.Time, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.cursors[w.key(site, cat)]
	return t, ok, nil
}

func (w *fakeWriter) CommitChunk(ctx context.Context, site string, cat models.Category, end time.Time, records []models.Record) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.commitErr != nil {
		return 0, w.commitErr
	}
	w.committed = append(w.committed, records...)
	w.cursors[w.key(site, cat)] = end
	w.commits++
	return len(records), nil
}

func (w *fakeWriter) CommitList(ctx context.Context, site string, cat models.Category, records []models.Record) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.commitErr != nil {
		return 0, w.commitErr
	}
	w.committed = append(w.committed, records...)
	w.commits++
	return len(records), nil
}

func (w *fakeWriter) DeleteObservations(ctx context.Context, site string, ids []string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deleted = append(w.deleted, ids...)
	return len(ids), nil
}

func (w *fakeWriter) LogOutcome(ctx context.Context, site string, cat models.Category, status string, errorCount int, comment string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes = append(w.outcomes, status)
	return nil
}

func testNow() time.Time {
	return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
}

func newPipeline(f *fakeFetcher, w *fakeWriter, mutate func(*Pipeline)) *Pipeline {
	p := &Pipeline{
		Site:     "t38",
		Category: models.CategoryObservations,
		Fetcher:  f,
		Writer:   w,
		Executor: NewExecutor(3, time.Millisecond),
		Controller: regulator.NewController(regulator.Config{
			Ki:          0.003,
			Setpoint:    10000,
			SizeMin:     10,
			SizeMax:     2000,
			InitialDays: 15,
		}),
		MaxChunks: 10,
		Floor:     time.Date(1901, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       testNow,
	}
	if mutate != nil {
		mutate(p)
	}
	return p
}

func chunkOf(n int, idBase string) []models.Record {
	out := make([]models.Record, n)
	for i := range out {
		out[i] = models.Record{
			Category:   models.CategoryObservations,
			ID:         fmt.Sprintf("%s-%d", idBase, i),
			ObserverID: "42",
		}
	}
	return out
}

func TestPipeline_CatchesUpToNow(t *testing.T) {
	// 35 days of backlog: a dense first chunk (12000 records) shrinks
	// the window from 15 to 10 days, then two 10-day chunks reach now.
	now := testNow()
	floor := now.AddDate(0, 0, -35)

	sizes := []int{12000, 400, 7}
	call := 0
	f := &fakeFetcher{
		groups: []string{"1", "2"},
		searchFn: func(c searchCall) ([]models.Record, error) {
			n := 0
			if call < len(sizes) {
				n = sizes[call]
			}
			call++
			return chunkOf(n, fmt.Sprintf("c%d", call)), nil
		},
	}
	w := newFakeWriter()
	p := newPipeline(f, w, func(p *Pipeline) { p.Floor = floor })

	res := p.Run(context.Background())

	if res.Status != StatusDone {
		t.Fatalf("Expected StatusDone, got %s (%v)", res.Status, res.Reason)
	}
	if res.Chunks != 3 {
		t.Errorf("Expected 3 chunks, got %d", res.Chunks)
	}
	if !res.Cursor.Equal(now) {
		t.Errorf("Expected cursor at now %s, got %s", now, res.Cursor)
	}
	if res.Records != 12407 {
		t.Errorf("Expected 12407 committed records, got %d", res.Records)
	}

	// Windows walk forward without gaps or overlap
	if len(f.searches) != 3 {
		t.Fatalf("Expected 3 searches, got %d", len(f.searches))
	}
	if !f.searches[0].from.Equal(floor) {
		t.Errorf("Expected first window to start at the floor, got %s", f.searches[0].from)
	}
	for i := 1; i < len(f.searches); i++ {
		if !f.searches[i].from.Equal(f.searches[i-1].to) {
			t.Errorf("Window %d does not continue window %d: %s vs %s",
				i, i-1, f.searches[i].from, f.searches[i-1].to)
		}
	}

	// Cursor durably stored
	stored, ok, _ := w.Cursor(context.Background(), "t38", models.CategoryObservations)
	if !ok || !stored.Equal(now) {
		t.Errorf("Expected stored cursor at now, got %s (ok=%v)", stored, ok)
	}
}

func TestPipeline_MaxChunksExceeded(t *testing.T) {
	f := &fakeFetcher{
		groups: []string{"1"},
		searchFn: func(c searchCall) ([]models.Record, error) {
			return chunkOf(1, c.from.Format("2006-01-02")), nil
		},
	}
	w := newFakeWriter()
	p := newPipeline(f, w, func(p *Pipeline) {
		p.MaxChunks = 2
		p.Floor = testNow().AddDate(-5, 0, 0) // deep backlog
	})

	res := p.Run(context.Background())

	if res.Status != StatusMaxChunks {
		t.Fatalf("Expected StatusMaxChunks, got %s", res.Status)
	}
	if !errors.Is(res.Reason, ErrMaxChunksExceeded) {
		t.Errorf("Expected ErrMaxChunksExceeded reason, got %v", res.Reason)
	}
	if res.Chunks != 2 {
		t.Errorf("Expected 2 committed chunks, got %d", res.Chunks)
	}
	// Progress is kept, not rolled back
	if w.commits != 2 {
		t.Errorf("Expected 2 commits to survive, got %d", w.commits)
	}
	if res.Cursor.IsZero() || !res.Cursor.After(p.Floor) {
		t.Errorf("Expected an advanced cursor, got %s", res.Cursor)
	}
}

func TestPipeline_ExcludedGroupsNeverRequested(t *testing.T) {
	f := &fakeFetcher{groups: []string{"1", "18", "30"}}
	w := newFakeWriter()
	p := newPipeline(f, w, func(p *Pipeline) {
		p.Floor = testNow().AddDate(0, 0, -10)
		p.Filter = config.FilterConfig{TaxoExclude: []string{"18", "30"}}
	})

	res := p.Run(context.Background())
	if res.Status != StatusDone {
		t.Fatalf("Expected StatusDone, got %s (%v)", res.Status, res.Reason)
	}

	for _, call := range f.searches {
		for _, g := range call.groups {
			if g == "18" || g == "30" {
				t.Errorf("Excluded group %s was requested", g)
			}
		}
		if len(call.groups) != 1 || call.groups[0] != "1" {
			t.Errorf("Expected only group 1 to be requested, got %v", call.groups)
		}
	}
}

func TestPipeline_ResumesFromStoredCursorWithDiff(t *testing.T) {
	now := testNow()
	cursor := now.AddDate(0, 0, -12)

	f := &fakeFetcher{
		groups:      []string{"1"},
		diffUpdated: []string{"777"},
		diffDeleted: []string{"888", "889"},
	}
	w := newFakeWriter()
	w.cursors["t38/observations"] = cursor

	p := newPipeline(f, w, nil)
	res := p.Run(context.Background())

	if res.Status != StatusDone {
		t.Fatalf("Expected StatusDone, got %s (%v)", res.Status, res.Reason)
	}

	// Diff pass ran against the stored cursor
	if !f.diffSince.Equal(cursor) {
		t.Errorf("Expected diff since %s, got %s", cursor, f.diffSince)
	}
	if res.Updated != 1 || res.Deleted != 2 {
		t.Errorf("Expected 1 updated / 2 deleted, got %d / %d", res.Updated, res.Deleted)
	}
	if len(w.deleted) != 2 || w.deleted[0] != "888" {
		t.Errorf("Expected deletions applied, got %v", w.deleted)
	}

	// Windowed walk starts at the cursor, not the floor
	if len(f.searches) == 0 || !f.searches[0].from.Equal(cursor) {
		t.Fatalf("Expected first window from stored cursor %s, got %+v", cursor, f.searches)
	}
}

func TestPipeline_FreshRunSkipsDiff(t *testing.T) {
	f := &fakeFetcher{groups: []string{"1"}}
	w := newFakeWriter()
	p := newPipeline(f, w, func(p *Pipeline) {
		p.Floor = testNow().AddDate(0, 0, -5)
	})

	res := p.Run(context.Background())
	if res.Status != StatusDone {
		t.Fatalf("Expected StatusDone, got %s", res.Status)
	}
	if !f.diffSince.IsZero() {
		t.Error("Expected no diff pass on a fresh run")
	}
}

func TestPipeline_FatalAuthAborts(t *testing.T) {
	authErr := &biolovision.FatalError{Status: 401, Err: errors.New("bad credentials")}
	f := &fakeFetcher{
		groups: []string{"1"},
		searchFn: func(c searchCall) ([]models.Record, error) {
			return nil, authErr
		},
	}
	w := newFakeWriter()
	p := newPipeline(f, w, func(p *Pipeline) {
		p.Floor = testNow().AddDate(0, 0, -5)
	})

	res := p.Run(context.Background())

	if res.Status != StatusAborted {
		t.Fatalf("Expected StatusAborted, got %s", res.Status)
	}
	var fe *biolovision.FatalError
	if !errors.As(res.Reason, &fe) {
		t.Errorf("Expected FatalError reason, got %v", res.Reason)
	}
	if w.commits != 0 {
		t.Errorf("Expected no commits after fatal abort, got %d", w.commits)
	}
	// Exactly one search attempt: fatal errors are not retried
	if len(f.searches) != 1 {
		t.Errorf("Expected a single search attempt, got %d", len(f.searches))
	}
}

func TestPipeline_RetryExhaustionAborts(t *testing.T) {
	f := &fakeFetcher{
		groups: []string{"1"},
		searchFn: func(c searchCall) ([]models.Record, error) {
			return nil, &biolovision.TransientError{Status: 503, Err: errors.New("down")}
		},
	}
	w := newFakeWriter()
	p := newPipeline(f, w, func(p *Pipeline) {
		p.Floor = testNow().AddDate(0, 0, -5)
	})

	res := p.Run(context.Background())

	if res.Status != StatusAborted {
		t.Fatalf("Expected StatusAborted, got %s", res.Status)
	}
	var cfe *ChunkFetchError
	if !errors.As(res.Reason, &cfe) {
		t.Fatalf("Expected ChunkFetchError reason, got %v", res.Reason)
	}
	if cfe.State.Attempts != 3 {
		t.Errorf("Expected 3 attempts recorded, got %d", cfe.State.Attempts)
	}
	if w.commits != 0 {
		t.Errorf("Expected no commits, got %d", w.commits)
	}
}

func TestPipeline_PersistenceErrorAborts(t *testing.T) {
	f := &fakeFetcher{
		groups: []string{"1"},
		searchFn: func(c searchCall) ([]models.Record, error) {
			return chunkOf(3, "x"), nil
		},
	}
	w := newFakeWriter()
	w.commitErr = errors.New("disk full")
	p := newPipeline(f, w, func(p *Pipeline) {
		p.Floor = testNow().AddDate(0, 0, -5)
	})

	res := p.Run(context.Background())

	if res.Status != StatusAborted {
		t.Fatalf("Expected StatusAborted, got %s", res.Status)
	}
	if res.Cursor.After(p.Floor) {
		t.Errorf("Expected cursor untouched after failed commit, got %s", res.Cursor)
	}
}

func TestPipeline_BudgetExhaustedStopsCleanly(t *testing.T) {
	f := &fakeFetcher{groups: []string{"1"}, budgetSpent: true}
	w := newFakeWriter()
	p := newPipeline(f, w, func(p *Pipeline) {
		p.Floor = testNow().AddDate(0, 0, -5)
	})

	res := p.Run(context.Background())
	if res.Status != StatusDone {
		t.Fatalf("Expected clean StatusDone when budget is spent, got %s", res.Status)
	}
	if len(f.searches) != 0 {
		t.Errorf("Expected no searches with an exhausted budget, got %d", len(f.searches))
	}
}

func TestPipeline_FilterEndBoundsHorizon(t *testing.T) {
	now := testNow()
	f := &fakeFetcher{groups: []string{"1"}}
	w := newFakeWriter()

	end := now.AddDate(0, 0, -20).Format("2006-01-02")
	p := newPipeline(f, w, func(p *Pipeline) {
		p.Floor = now.AddDate(0, 0, -40)
		p.Filter = config.FilterConfig{EndDate: end}
	})

	res := p.Run(context.Background())
	if res.Status != StatusDone {
		t.Fatalf("Expected StatusDone, got %s", res.Status)
	}
	wantEnd, _ := time.Parse("2006-01-02", end)
	for _, call := range f.searches {
		if call.to.After(wantEnd) {
			t.Errorf("Window end %s exceeds filter end %s", call.to, wantEnd)
		}
	}
	if !res.Cursor.Equal(wantEnd) {
		t.Errorf("Expected cursor at filter end %s, got %s", wantEnd, res.Cursor)
	}
}

func TestPipeline_ReferenceListCategory(t *testing.T) {
	f := &fakeFetcher{
		listFn: func(cat models.Category) ([]models.Record, error) {
			if cat != models.CategorySpecies {
				return nil, fmt.Errorf("unexpected category %s", cat)
			}
			return []models.Record{
				{Category: cat, ID: "1"},
				{Category: cat, ID: "2"},
			}, nil
		},
	}
	w := newFakeWriter()
	p := newPipeline(f, w, func(p *Pipeline) {
		p.Category = models.CategorySpecies
	})

	res := p.Run(context.Background())
	if res.Status != StatusDone {
		t.Fatalf("Expected StatusDone, got %s (%v)", res.Status, res.Reason)
	}
	if res.Chunks != 1 || res.Records != 2 {
		t.Errorf("Expected 1 chunk with 2 records, got %d / %d", res.Chunks, res.Records)
	}
	if len(w.outcomes) != 1 || w.outcomes[0] != string(StatusDone) {
		t.Errorf("Expected one done outcome logged, got %v", w.outcomes)
	}
}

func TestManager_RunsEnabledPipelines(t *testing.T) {
	cfg := &config.Config{
		Sites: map[string]config.SiteConfig{
			"t38": {
				Enabled:      true,
				URL:          "https://example.org/api/",
				UserEmail:    "x@example.org",
				UserPassword: "pw",
				Controlers: map[string]config.ControlerConfig{
					"species":     {Enabled: true},
					"taxo_groups": {Enabled: true},
				},
			},
			"t07": {Enabled: false},
		},
		Tuning: config.TuningConfig{
			MaxChunks:    10,
			MaxRetry:     2,
			RetryDelay:   time.Millisecond,
			LRUMaxSize:   32,
			MinYear:      1901,
			PIDKi:        0.003,
			PIDSetpoint:  10000,
			PIDLimitMin:  10,
			PIDLimitMax:  2000,
			PIDDeltaDays: 15,
		},
	}

	f := &fakeFetcher{
		listFn: func(cat models.Category) ([]models.Record, error) {
			return []models.Record{{Category: cat, ID: "1"}}, nil
		},
	}
	w := newFakeWriter()

	m := NewManager(cfg, w)
	m.SetFetcherFunc(func(site string, sc config.SiteConfig, tuning config.TuningConfig, refs *cache.Reference) (Fetcher, error) {
		if site != "t38" {
			t.Errorf("Unexpected site %s", site)
		}
		return f, nil
	})

	report, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(report.Results) != 2 {
		t.Fatalf("Expected 2 pipeline results, got %d", len(report.Results))
	}
	// Results are sorted by site then category
	if report.Results[0].Category != models.CategorySpecies {
		t.Errorf("Expected species first, got %s", report.Results[0].Category)
	}
	if report.Results[1].Category != models.CategoryTaxoGroups {
		t.Errorf("Expected taxo_groups second, got %s", report.Results[1].Category)
	}
	if report.Failed() {
		t.Error("Expected a clean report")
	}
	if report.TotalRecords() != 2 {
		t.Errorf("Expected 2 total records, got %d", report.TotalRecords())
	}
}
