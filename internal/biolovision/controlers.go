// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

/*
controlers.go - Per-Controler API Methods

One method family per remote controler. Reference controlers are plain
paged listings; taxo_groups and territorial_units additionally go
through the reference cache because they are consulted repeatedly
within a run. Observations support date-range search, incremental diff,
and single-record fetch.
*/

//nolint:staticcheck // File documentation, not package doc
package biolovision

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"

	"github.com/naturdata/obsync/internal/models"
)

// FetchList downloads the full current listing of a reference category.
func (c *Client) FetchList(ctx context.Context, cat models.Category) ([]models.Record, error) {
	switch cat {
	case models.CategoryEntities:
		return c.referenceList(ctx, cat, "entities", nil)
	case models.CategoryFields:
		return c.referenceList(ctx, cat, "fields", nil)
	case models.CategoryLocalAdminUnits:
		return c.referenceList(ctx, cat, "local_admin_units", nil)
	case models.CategoryObservers:
		return c.referenceList(ctx, cat, "observers", nil)
	case models.CategoryPlaces:
		return c.referenceList(ctx, cat, "places", nil)
	case models.CategorySpecies:
		return c.speciesList(ctx)
	case models.CategoryTaxoGroups:
		return c.cachedList(ctx, models.CategoryTaxoGroups, "taxo_groups")
	case models.CategoryTerritorialUnits:
		return c.cachedList(ctx, models.CategoryTerritorialUnits, "territorial_units")
	default:
		return nil, fmt.Errorf("category %s has no list endpoint", cat)
	}
}

// referenceList fetches and decodes one paged reference listing.
func (c *Client) referenceList(ctx context.Context, cat models.Category, controler string, query url.Values) ([]models.Record, error) {
	items, err := c.list(ctx, controler, query)
	if err != nil {
		return nil, err
	}
	records := make([]models.Record, 0, len(items))
	for _, raw := range items {
		rec, err := decodeReferenceItem(cat, raw)
		if err != nil {
			return nil, &TransientError{Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}

// cachedList serves a reference listing through the cache when one is
// attached, so repeated lookups within a run hit memory.
func (c *Client) cachedList(ctx context.Context, cat models.Category, controler string) ([]models.Record, error) {
	if c.refs == nil {
		return c.referenceList(ctx, cat, controler, nil)
	}
	return c.refs.GetOrFetch(ctx, cat, "list", func(ctx context.Context) ([]models.Record, error) {
		return c.referenceList(ctx, cat, controler, nil)
	})
}

// speciesList downloads species per accessible taxo group, because the
// species controler rejects unscoped listings on large sites.
func (c *Client) speciesList(ctx context.Context) ([]models.Record, error) {
	groups, err := c.TaxoGroups(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.Record
	for _, g := range groups {
		if !g.Accessible() {
			continue
		}
		q := url.Values{}
		q.Set("id_taxo_group", g.ID)
		records, err := c.referenceList(ctx, models.CategorySpecies, "species", q)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// TaxoGroups returns the decoded taxo group listing (cached).
func (c *Client) TaxoGroups(ctx context.Context) ([]models.TaxoGroup, error) {
	records, err := c.cachedList(ctx, models.CategoryTaxoGroups, "taxo_groups")
	if err != nil {
		return nil, err
	}
	groups := make([]models.TaxoGroup, 0, len(records))
	for _, rec := range records {
		g, err := models.DecodeTaxoGroup(rec.Item)
		if err != nil {
			return nil, &TransientError{Err: fmt.Errorf("failed to decode taxo group %s: %w", rec.ID, err)}
		}
		if g.ID == "" {
			g.ID = rec.ID
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// AdmissibleTaxoGroups returns the ids of taxo groups that are both
// accessible on the site and not excluded by configuration. Excluded
// or inaccessible groups are never requested.
func (c *Client) AdmissibleTaxoGroups(ctx context.Context, exclude []string) ([]string, error) {
	groups, err := c.TaxoGroups(ctx)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var out []string
	for _, g := range groups {
		if !g.Accessible() || excluded[g.ID] {
			continue
		}
		out = append(out, g.ID)
	}
	return out, nil
}

// searchResponse is the envelope of observation search pages.
type searchResponse struct {
	Data struct {
		Sightings []json.RawMessage `json:"sightings"`
		Forms     []json.RawMessage `json:"forms"`
	} `json:"data"`
}

// searchQuery is the body of an observations/search call.
type searchQuery struct {
	PeriodChoice   string `json:"period_choice"`
	DateFrom       string `json:"date_from"`
	DateTo         string `json:"date_to"`
	SpeciesChoice  string `json:"species_choice"`
	TaxonomicGroup string `json:"taxonomic_group,omitempty"`
}

// SearchObservations downloads all observations of the given taxo groups
// in the half-open date range [from, to). Sightings embedded in forms
// come back as observation records alongside a forms record per form.
func (c *Client) SearchObservations(ctx context.Context, from, to time.Time, taxoGroups []string) ([]models.Record, error) {
	var out []models.Record
	for _, group := range taxoGroups {
		records, err := c.searchGroup(ctx, from, to, group)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

// searchGroup runs one paged observations/search call for a taxo group.
func (c *Client) searchGroup(ctx context.Context, from, to time.Time, taxoGroup string) ([]models.Record, error) {
	body, err := json.Marshal(searchQuery{
		PeriodChoice:   "range",
		DateFrom:       from.Format(apiDateLayout),
		DateTo:         to.Format(apiDateLayout),
		SpeciesChoice:  "all",
		TaxonomicGroup: taxoGroup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	var out []models.Record
	paginationKey := ""

	for chunk := 0; ; chunk++ {
		if chunk >= c.cfg.MaxChunks {
			return nil, fmt.Errorf("%w: observations search needed more than %d pages", ErrMaxChunks, c.cfg.MaxChunks)
		}

		q := url.Values{}
		if paginationKey != "" {
			q.Set(paginationHeader, paginationKey)
		}

		p, err := c.do(ctx, http.MethodPost, "observations/search", q, body)
		if err != nil {
			return nil, err
		}

		records, n, err := decodeSearchPage(p.body)
		if err != nil {
			return nil, &TransientError{Err: err}
		}
		out = append(out, records...)

		if p.paginationKey == "" || n == 0 {
			break
		}
		paginationKey = p.paginationKey
	}

	return out, nil
}

// decodeSearchPage decodes one search page into records and reports how
// many raw items (sightings plus forms) the page carried.
func decodeSearchPage(body []byte) ([]models.Record, int, error) {
	var envelope searchResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, fmt.Errorf("failed to decode search page: %w", err)
	}

	n := len(envelope.Data.Sightings) + len(envelope.Data.Forms)
	records := make([]models.Record, 0, n)

	for _, raw := range envelope.Data.Sightings {
		rec, err := decodeSighting(raw)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	for _, raw := range envelope.Data.Forms {
		form, sightings, err := decodeForm(raw)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, form)
		records = append(records, sightings...)
	}

	return records, n, nil
}

// diffItem is one entry of an observations/diff response.
type diffItem struct {
	IDSighting       flexID `json:"id_sighting"`
	ModificationType string `json:"modification_type"`
}

// ObservationsDiff lists the sighting ids updated and deleted since the
// given instant across the admissible taxo groups.
func (c *Client) ObservationsDiff(ctx context.Context, since time.Time, taxoGroups []string) (updated, deleted []string, err error) {
	for _, group := range taxoGroups {
		q := url.Values{}
		q.Set("id_taxo_group", group)
		q.Set("modification_type", "all")
		q.Set("date", since.Format(apiTimeLayout))

		p, err := c.do(ctx, http.MethodGet, "observations/diff", q, nil)
		if err != nil {
			return nil, nil, err
		}

		var items []diffItem
		if err := json.Unmarshal(p.body, &items); err != nil {
			return nil, nil, &TransientError{Err: fmt.Errorf("failed to decode diff response: %w", err)}
		}
		for _, item := range items {
			switch item.ModificationType {
			case "deleted":
				deleted = append(deleted, string(item.IDSighting))
			default:
				updated = append(updated, string(item.IDSighting))
			}
		}
	}
	return updated, deleted, nil
}

// Observation fetches a single sighting by id. The response may carry
// the sighting inside a form, so multiple records can come back.
func (c *Client) Observation(ctx context.Context, id string) ([]models.Record, error) {
	p, err := c.do(ctx, http.MethodGet, "observations/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	records, n, err := decodeSearchPage(p.body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: observation %s", ErrEmptyResponse, id)
	}
	return records, nil
}
