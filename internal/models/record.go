// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

// Package models defines the record and category types shared between the
// remote API client, the sync pipelines, and the persistence layer.
//
// Records deliberately stay close to the wire: the remote API serves
// schemaless JSON items whose shape varies between sites and API versions,
// so each record carries its raw item payload plus the handful of fields
// Obsync itself needs (identity, observer, update timestamp).
package models

import (
	"time"

	json "github.com/goccy/go-json"
)

// Category identifies one remote data family (a "controler" in
// Biolovision API terms). Each category maps to its own store table.
type Category string

// All categories served by a VisioNature site.
const (
	CategoryEntities         Category = "entities"
	CategoryFields           Category = "fields"
	CategoryForms            Category = "forms"
	CategoryLocalAdminUnits  Category = "local_admin_units"
	CategoryObservations     Category = "observations"
	CategoryObservers        Category = "observers"
	CategoryPlaces           Category = "places"
	CategorySpecies          Category = "species"
	CategoryTaxoGroups       Category = "taxo_groups"
	CategoryTerritorialUnits Category = "territorial_units"
)

// Categories returns every category Obsync can synchronize, in a stable order.
func Categories() []Category {
	return []Category{
		CategoryEntities,
		CategoryFields,
		CategoryLocalAdminUnits,
		CategoryObservations,
		CategoryObservers,
		CategoryPlaces,
		CategorySpecies,
		CategoryTaxoGroups,
		CategoryTerritorialUnits,
	}
}

// ReferenceCategories returns the categories that are synchronized as a
// whole list per run rather than through date-range windows. Observations
// (and the forms embedded in them) are the only windowed category.
func ReferenceCategories() []Category {
	return []Category{
		CategoryEntities,
		CategoryFields,
		CategoryLocalAdminUnits,
		CategoryObservers,
		CategoryPlaces,
		CategorySpecies,
		CategoryTaxoGroups,
		CategoryTerritorialUnits,
	}
}

// Valid reports whether c names a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryEntities, CategoryFields, CategoryForms,
		CategoryLocalAdminUnits, CategoryObservations, CategoryObservers,
		CategoryPlaces, CategorySpecies, CategoryTaxoGroups,
		CategoryTerritorialUnits:
		return true
	}
	return false
}

// Windowed reports whether c is synchronized through adaptive date-range
// windows (true only for observations).
func (c Category) Windowed() bool {
	return c == CategoryObservations
}

// Record is one remote item headed for the store.
//
// Item is the raw JSON object exactly as aggregated from the API pages;
// the remaining fields are extracted during decode because the sync and
// persistence layers need them without re-parsing the payload.
type Record struct {
	// Category the record belongs to. A windowed observations chunk can
	// carry forms records alongside sightings.
	Category Category

	// ID is the remote identifier, unique per (category, site).
	ID string

	// UniversalID is the portal-independent sighting identifier
	// (observations only, empty otherwise).
	UniversalID string

	// ObserverID is the remote identifier of the submitting observer
	// (observations only). It is pseudonymized before persistence and
	// never written to the store in the clear.
	ObserverID string

	// UpdatedAt is the remote modification timestamp when the payload
	// carries one, zero otherwise.
	UpdatedAt time.Time

	// Item is the raw JSON payload.
	Item json.RawMessage
}

// TaxoGroup is the decoded shape of one taxo_groups list item, used to
// build the admissible-group filter before observation fetches.
type TaxoGroup struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AccessMode string `json:"access_mode"`
}

// Accessible reports whether observations of this group can be downloaded
// at all. Groups with access_mode "none" are skipped without ever being
// requested.
func (g TaxoGroup) Accessible() bool {
	return g.AccessMode != "none"
}

// DecodeTaxoGroup parses one raw taxo_groups item.
func DecodeTaxoGroup(raw json.RawMessage) (TaxoGroup, error) {
	var g TaxoGroup
	if err := json.Unmarshal(raw, &g); err != nil {
		return TaxoGroup{}, err
	}
	return g, nil
}
