// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"golang.org/x/crypto/hkdf"

	"github.com/naturdata/obsync/internal/models"
)

// hkdfInfo binds the derived key to this use. Bump the version if the
// pseudonym scheme ever changes.
const hkdfInfo = "obsync-observer-pseudonym-v1"

// Pseudonymizer replaces observer identifiers with deterministic
// one-way pseudonyms before anything touches the database.
//
// The pseudonym is HMAC-SHA256 over the identifier, keyed by an
// HKDF-SHA256 derivation of the configured secret. Within one
// deployment the same observer always maps to the same pseudonym (so
// per-observer analytics keep working); without the secret the mapping
// cannot be inverted or even recomputed, and deployments with different
// secrets produce unrelated pseudonyms.
type Pseudonymizer struct {
	key []byte
}

// NewPseudonymizer derives the pseudonymization key from the secret.
func NewPseudonymizer(secret string) (*Pseudonymizer, error) {
	if secret == "" {
		return nil, errors.New("pseudonymization secret must not be empty")
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive pseudonymization key: %w", err)
	}
	return &Pseudonymizer{key: key}, nil
}

// Pseudonym maps one raw identifier to its pseudonym. Empty in, empty out.
func (p *Pseudonymizer) Pseudonym(id string) string {
	if id == "" {
		return ""
	}
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(id)) //nolint:errcheck // hash writes cannot fail
	return hex.EncodeToString(mac.Sum(nil))
}

// piiFields are dropped from observer objects before persistence.
var piiFields = []string{"email", "name", "surname", "mobile_phone", "private_phone"}

// scrub rewrites a record's item payload so no raw observer identity
// reaches the database: identifier attributes are replaced by their
// pseudonyms and contact fields are removed. Non-observation categories
// other than observers pass through untouched.
func (p *Pseudonymizer) scrub(rec models.Record) (json.RawMessage, error) {
	switch rec.Category {
	case models.CategoryObservations, models.CategoryForms:
		return p.scrubSighting(rec.Item)
	case models.CategoryObservers:
		return p.scrubObserverItem(rec.Item)
	default:
		return rec.Item, nil
	}
}

// scrubSighting pseudonymizes the observers array of a sighting or
// form payload (forms embed sightings, handled recursively).
func (p *Pseudonymizer) scrubSighting(raw json.RawMessage) (json.RawMessage, error) {
	var item map[string]interface{}
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode item for scrubbing: %w", err)
	}

	p.scrubObserverList(item)

	if sightings, ok := item["sightings"].([]interface{}); ok {
		for _, s := range sightings {
			if m, ok := s.(map[string]interface{}); ok {
				p.scrubObserverList(m)
			}
		}
	}

	out, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode scrubbed item: %w", err)
	}
	return out, nil
}

func (p *Pseudonymizer) scrubObserverList(item map[string]interface{}) {
	observers, ok := item["observers"].([]interface{})
	if !ok {
		return
	}
	for _, o := range observers {
		if m, ok := o.(map[string]interface{}); ok {
			p.scrubObserverMap(m)
		}
	}
}

// scrubObserverItem handles one observers-category list item.
func (p *Pseudonymizer) scrubObserverItem(raw json.RawMessage) (json.RawMessage, error) {
	var item map[string]interface{}
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode observer for scrubbing: %w", err)
	}
	for _, f := range piiFields {
		delete(item, f)
	}
	out, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode scrubbed observer: %w", err)
	}
	return out, nil
}

func (p *Pseudonymizer) scrubObserverMap(m map[string]interface{}) {
	for _, attr := range []string{"@id", "@uid", "id_universal_observer"} {
		if v, ok := m[attr].(string); ok && v != "" {
			m[attr] = p.Pseudonym(v)
		}
	}
	for _, f := range piiFields {
		delete(m, f)
	}
}
