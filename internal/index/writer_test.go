package index

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/octofhir/fhirserver/internal/searchparam"
)

func TestExtractReferenceRows(t *testing.T) {
	registry := searchparam.New(zerolog.Nop())
	w := NewWriter(registry, "http://fhir.example.org", zerolog.Nop())

	body := json.RawMessage(`{"resourceType":"Observation","id":"obs1","subject":{"reference":"Patient/p1"}}`)
	refRows, _ := w.extract("Observation", "obs1", body)

	var found bool
	for _, r := range refRows {
		if r.ParamCode == "subject" && r.TargetType == "Patient" && r.TargetID == "p1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a subject->Patient/p1 reference row, got %+v", refRows)
	}
}

func TestExtractIgnoresExternalReferences(t *testing.T) {
	registry := searchparam.New(zerolog.Nop())
	w := NewWriter(registry, "http://fhir.example.org", zerolog.Nop())

	body := json.RawMessage(`{"resourceType":"Observation","id":"obs1","subject":{"reference":"https://other.example.org/Patient/p1"}}`)
	refRows, _ := w.extract("Observation", "obs1", body)

	for _, r := range refRows {
		if r.ParamCode == "subject" {
			t.Fatalf("expected external reference to be skipped, got %+v", r)
		}
	}
}

func TestExtractDateRowsPointInTime(t *testing.T) {
	registry := searchparam.New(zerolog.Nop())
	w := NewWriter(registry, "", zerolog.Nop())

	body := json.RawMessage(`{"resourceType":"Observation","id":"obs1","effectiveDateTime":"2026-01-15T10:00:00Z"}`)
	_, dateRows := w.extract("Observation", "obs1", body)

	var found bool
	for _, d := range dateRows {
		if d.ParamCode == "date" {
			found = true
			if !d.Start.Equal(d.End) {
				t.Errorf("expected point-in-time start==end, got %v / %v", d.Start, d.End)
			}
		}
	}
	if !found {
		t.Fatalf("expected a date row, got %+v", dateRows)
	}
}

func TestExtractDateRowsPeriod(t *testing.T) {
	registry := searchparam.New(zerolog.Nop())
	w := NewWriter(registry, "", zerolog.Nop())

	body := json.RawMessage(`{"resourceType":"Encounter","id":"enc1","period":{"start":"2026-01-01T00:00:00Z","end":"2026-01-02T00:00:00Z"}}`)
	_, dateRows := w.extract("Encounter", "enc1", body)

	var found bool
	for _, d := range dateRows {
		if d.ParamCode == "date" {
			found = true
			if d.Start.Equal(d.End) {
				t.Errorf("expected period start != end")
			}
		}
	}
	if !found {
		t.Fatalf("expected a date row for period, got %+v", dateRows)
	}
}

func TestExtractSkipsNonReferenceNonDateParams(t *testing.T) {
	registry := searchparam.New(zerolog.Nop())
	w := NewWriter(registry, "", zerolog.Nop())

	body := json.RawMessage(`{"resourceType":"Patient","id":"p1","name":[{"family":"Doe"}]}`)
	refRows, dateRows := w.extract("Patient", "p1", body)

	if len(refRows) != 0 {
		t.Errorf("expected no reference rows for Patient.name, got %+v", refRows)
	}
	_ = dateRows
}
