// Obsync - Adaptive Biodiversity Observation Synchronizer
// Copyright 2026 Naturdata
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/naturdata/obsync

package store

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/naturdata/obsync/internal/models"
)

func TestPseudonym_Deterministic(t *testing.T) {
	p, err := NewPseudonymizer("test-secret")
	if err != nil {
		t.Fatalf("NewPseudonymizer() error = %v", err)
	}

	a := p.Pseudonym("4242")
	b := p.Pseudonym("4242")
	if a != b {
		t.Errorf("same id produced different pseudonyms: %q vs %q", a, b)
	}
	if a == "4242" {
		t.Error("pseudonym equals raw id")
	}
	if len(a) != 64 {
		t.Errorf("pseudonym length = %d, want 64 hex chars", len(a))
	}
	if c := p.Pseudonym("4243"); c == a {
		t.Error("distinct ids produced identical pseudonyms")
	}
}

func TestPseudonym_KeySeparation(t *testing.T) {
	p1, err := NewPseudonymizer("secret-one")
	if err != nil {
		t.Fatalf("NewPseudonymizer() error = %v", err)
	}
	p2, err := NewPseudonymizer("secret-two")
	if err != nil {
		t.Fatalf("NewPseudonymizer() error = %v", err)
	}

	if p1.Pseudonym("4242") == p2.Pseudonym("4242") {
		t.Error("different secrets produced the same pseudonym")
	}
}

func TestPseudonym_EmptyID(t *testing.T) {
	p, err := NewPseudonymizer("test-secret")
	if err != nil {
		t.Fatalf("NewPseudonymizer() error = %v", err)
	}
	if got := p.Pseudonym(""); got != "" {
		t.Errorf("Pseudonym(\"\") = %q, want empty", got)
	}
}

func TestNewPseudonymizer_EmptySecret(t *testing.T) {
	if _, err := NewPseudonymizer(""); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestScrub_Sighting(t *testing.T) {
	p, err := NewPseudonymizer("test-secret")
	if err != nil {
		t.Fatalf("NewPseudonymizer() error = %v", err)
	}

	raw := `{
		"observers": [{
			"@id": "4242",
			"@uid": "77",
			"id_universal_observer": "889900",
			"name": "Jane",
			"surname": "Doe",
			"email": "jane@example.org",
			"mobile_phone": "0600000000",
			"comment": "heard singing"
		}],
		"species": {"@id": "386"}
	}`

	rec := models.Record{Category: models.CategoryObservations, ID: "100", Item: json.RawMessage(raw)}
	out, err := p.scrub(rec)
	if err != nil {
		t.Fatalf("scrub() error = %v", err)
	}
	s := string(out)

	for _, leak := range []string{"4242", "889900", "Jane", "Doe", "jane@example.org", "0600000000"} {
		if strings.Contains(s, leak) {
			t.Errorf("scrubbed output still contains %q", leak)
		}
	}
	if !strings.Contains(s, p.Pseudonym("4242")) {
		t.Error("scrubbed output missing pseudonym for @id")
	}
	if !strings.Contains(s, p.Pseudonym("77")) {
		t.Error("scrubbed output missing pseudonym for @uid")
	}
	if !strings.Contains(s, "heard singing") {
		t.Error("scrub removed non-identity attributes")
	}
	if !strings.Contains(s, `"386"`) {
		t.Error("scrub touched species payload")
	}
}

func TestScrub_FormEmbeddedSightings(t *testing.T) {
	p, err := NewPseudonymizer("test-secret")
	if err != nil {
		t.Fatalf("NewPseudonymizer() error = %v", err)
	}

	raw := `{
		"@id": "7",
		"observers": [{"@id": "10", "email": "a@example.org"}],
		"sightings": [
			{"observers": [{"@id": "11", "email": "b@example.org"}]},
			{"observers": [{"@id": "12", "email": "c@example.org"}]}
		]
	}`

	rec := models.Record{Category: models.CategoryForms, ID: "7", Item: json.RawMessage(raw)}
	out, err := p.scrub(rec)
	if err != nil {
		t.Fatalf("scrub() error = %v", err)
	}
	s := string(out)

	if strings.Contains(s, "example.org") {
		t.Error("email survived form scrub")
	}
	for _, id := range []string{"10", "11", "12"} {
		if !strings.Contains(s, p.Pseudonym(id)) {
			t.Errorf("missing pseudonym for embedded observer %s", id)
		}
	}
}

func TestScrub_ObserverListing(t *testing.T) {
	p, err := NewPseudonymizer("test-secret")
	if err != nil {
		t.Fatalf("NewPseudonymizer() error = %v", err)
	}

	raw := `{"id": "4242", "name": "Jane", "surname": "Doe", "email": "jane@example.org", "anonymous": "0"}`
	rec := models.Record{Category: models.CategoryObservers, ID: "4242", Item: json.RawMessage(raw)}
	out, err := p.scrub(rec)
	if err != nil {
		t.Fatalf("scrub() error = %v", err)
	}
	s := string(out)

	for _, leak := range []string{"Jane", "Doe", "jane@example.org"} {
		if strings.Contains(s, leak) {
			t.Errorf("observer listing still contains %q", leak)
		}
	}
	if !strings.Contains(s, `"anonymous"`) {
		t.Error("scrub removed non-PII observer attribute")
	}
}

func TestScrub_PassThroughCategories(t *testing.T) {
	p, err := NewPseudonymizer("test-secret")
	if err != nil {
		t.Fatalf("NewPseudonymizer() error = %v", err)
	}

	raw := json.RawMessage(`{"id": "386", "name": "Cyanistes caeruleus"}`)
	rec := models.Record{Category: models.CategorySpecies, ID: "386", Item: raw}
	out, err := p.scrub(rec)
	if err != nil {
		t.Fatalf("scrub() error = %v", err)
	}
	if string(out) != string(raw) {
		t.Errorf("species item modified: %s", out)
	}
}
