// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

/*
decode.go - Wire Payload Decoding

The API serves loosely typed JSON: identifiers arrive as strings or
numbers depending on the site version, and timestamps arrive either as
plain epoch strings or as attribute objects ({"@timestamp": "...", ...}).
This file normalizes those shapes into models.Record values while keeping
the raw item payload untouched for storage.
*/

//nolint:staticcheck // File documentation, not package doc
package biolovision

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/naturdata/obsync/internal/models"
)

// flexID tolerates identifiers encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	*f = flexID(s)
	return nil
}

// flexTime tolerates timestamps encoded as epoch strings, epoch numbers,
// or attribute objects carrying "@timestamp".
type flexTime struct {
	t time.Time
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	if s[0] == '{' {
		var attrs struct {
			Timestamp flexID `json:"@timestamp"`
		}
		if err := json.Unmarshal(b, &attrs); err != nil {
			return err
		}
		s = string(attrs.Timestamp)
	} else {
		s = strings.Trim(s, `"`)
	}
	epoch, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Not epoch-encoded; leave zero rather than failing the record.
		return nil
	}
	f.t = time.Unix(epoch, 0).UTC()
	return nil
}

// decodeReferenceItem turns one list item into a Record. Every reference
// item carries an "id" field.
func decodeReferenceItem(cat models.Category, raw json.RawMessage) (models.Record, error) {
	var head struct {
		ID flexID `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return models.Record{}, fmt.Errorf("failed to decode %s item: %w", cat, err)
	}
	if head.ID == "" {
		return models.Record{}, fmt.Errorf("%s item without id", cat)
	}
	return models.Record{
		Category: cat,
		ID:       string(head.ID),
		Item:     raw,
	}, nil
}

// sightingHead is the subset of a sighting needed beyond its raw payload.
type sightingHead struct {
	Observers []struct {
		ID          flexID   `json:"@id"`
		UID         flexID   `json:"@uid"`
		IDSighting  flexID   `json:"id_sighting"`
		IDUniversal flexID   `json:"id_universal"`
		UpdateDate  flexTime `json:"update_date"`
		InsertDate  flexTime `json:"insert_date"`
	} `json:"observers"`
}

// decodeSighting turns one raw sighting into an observations Record.
func decodeSighting(raw json.RawMessage) (models.Record, error) {
	var head sightingHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return models.Record{}, fmt.Errorf("failed to decode sighting: %w", err)
	}
	if len(head.Observers) == 0 || head.Observers[0].IDSighting == "" {
		return models.Record{}, fmt.Errorf("sighting without observers[0].id_sighting")
	}

	ob := head.Observers[0]
	observer := string(ob.ID)
	if observer == "" {
		observer = string(ob.UID)
	}
	updated := ob.UpdateDate.t
	if updated.IsZero() {
		updated = ob.InsertDate.t
	}

	return models.Record{
		Category:    models.CategoryObservations,
		ID:          string(ob.IDSighting),
		UniversalID: string(ob.IDUniversal),
		ObserverID:  observer,
		UpdatedAt:   updated,
		Item:        raw,
	}, nil
}

// formHead is the subset of a form needed beyond its raw payload.
type formHead struct {
	ID         flexID            `json:"@id"`
	IDFormUniv flexID            `json:"id_form_universal"`
	Sightings  []json.RawMessage `json:"sightings"`
}

// decodeForm turns one raw form into a forms Record plus the observation
// Records of the sightings it embeds.
func decodeForm(raw json.RawMessage) (models.Record, []models.Record, error) {
	var head formHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return models.Record{}, nil, fmt.Errorf("failed to decode form: %w", err)
	}
	id := string(head.ID)
	if id == "" {
		id = string(head.IDFormUniv)
	}
	if id == "" {
		return models.Record{}, nil, fmt.Errorf("form without @id or id_form_universal")
	}

	form := models.Record{
		Category: models.CategoryForms,
		ID:       id,
		Item:     raw,
	}

	sightings := make([]models.Record, 0, len(head.Sightings))
	for _, s := range head.Sightings {
		rec, err := decodeSighting(s)
		if err != nil {
			return models.Record{}, nil, err
		}
		sightings = append(sightings, rec)
	}

	return form, sightings, nil
}
