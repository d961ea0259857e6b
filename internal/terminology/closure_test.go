package terminology

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func newClosureTestValidator(t *testing.T, codeSystems map[string]any) *Validator {
	t.Helper()
	encoded := make(map[string][]byte, len(codeSystems))
	for k, v := range codeSystems {
		encoded[k] = mustJSON(t, v)
	}
	return newTestValidator(nil, encoded)
}

func TestClosureReportsSubsumptionAmongNewCodings(t *testing.T) {
	v := newClosureTestValidator(t, map[string]any{
		"http://example.org/cs": map[string]any{
			"url": "http://example.org/cs",
			"concept": []map[string]any{
				{
					"code": "animal",
					"concept": []map[string]any{
						{"code": "dog"},
					},
				},
			},
		},
	})
	table := NewClosureTable(v)

	mappings, err := table.Closure(context.Background(), "session-1", []Coding{
		{System: "http://example.org/cs", Code: "animal"},
	})
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if len(mappings) != 0 {
		t.Fatalf("expected no mappings for the first coding in an empty table, got %+v", mappings)
	}

	mappings, err = table.Closure(context.Background(), "session-1", []Coding{
		{System: "http://example.org/cs", Code: "dog"},
	})
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("expected one subsumption mapping, got %+v", mappings)
	}
	m := mappings[0]
	if m.Equivalence != "subsumes" || m.Source.Code != "animal" || m.Target.Code != "dog" {
		t.Fatalf("expected animal subsumes dog, got %+v", m)
	}
}

func TestClosureSkipsAlreadySeenCodings(t *testing.T) {
	v := newClosureTestValidator(t, map[string]any{
		"http://example.org/cs": map[string]any{
			"url":     "http://example.org/cs",
			"concept": []map[string]any{{"code": "a"}},
		},
	})
	table := NewClosureTable(v)
	coding := Coding{System: "http://example.org/cs", Code: "a"}

	if _, err := table.Closure(context.Background(), "s", []Coding{coding}); err != nil {
		t.Fatalf("first Closure: %v", err)
	}
	mappings, err := table.Closure(context.Background(), "s", []Coding{coding})
	if err != nil {
		t.Fatalf("second Closure: %v", err)
	}
	if len(mappings) != 0 {
		t.Fatalf("expected no mappings for a coding already in the table, got %+v", mappings)
	}
}

func TestClosureTablesAreIsolatedByName(t *testing.T) {
	v := newClosureTestValidator(t, map[string]any{
		"http://example.org/cs": map[string]any{
			"url":     "http://example.org/cs",
			"concept": []map[string]any{{"code": "a"}, {"code": "b"}},
		},
	})
	table := NewClosureTable(v)
	coding := Coding{System: "http://example.org/cs", Code: "a"}

	if _, err := table.Closure(context.Background(), "tableA", []Coding{coding}); err != nil {
		t.Fatalf("Closure: %v", err)
	}
	// A second, differently-named table has never seen "a" before.
	mappings, err := table.Closure(context.Background(), "tableB", []Coding{coding})
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	if len(mappings) != 0 {
		t.Fatalf("expected a fresh table to report no prior relationships, got %+v", mappings)
	}
}

func TestIsAncestorAndContainsCode(t *testing.T) {
	var cs codeSystemResource
	raw := mustJSON(t, map[string]any{
		"concept": []map[string]any{
			{
				"code": "root",
				"concept": []map[string]any{
					{"code": "mid", "concept": []map[string]any{{"code": "leaf"}}},
				},
			},
		},
	})
	if err := json.Unmarshal(raw, &cs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !isAncestor(cs, "root", "leaf") {
		t.Fatal("expected root to be an ancestor of leaf")
	}
	if isAncestor(cs, "leaf", "root") {
		t.Fatal("did not expect leaf to be an ancestor of root")
	}
	if isAncestor(cs, "missing", "leaf") {
		t.Fatal("did not expect an unknown ancestor code to match")
	}
}

func TestClosureUnresolvableSystemRecordsWithoutError(t *testing.T) {
	v := &Validator{logger: zerolog.Nop()}
	v.fetch = func(ctx context.Context, table, url, version string) ([]byte, error) {
		return nil, errNotFound
	}
	table := NewClosureTable(v)

	mappings, err := table.Closure(context.Background(), "s", []Coding{{System: "http://unknown", Code: "x"}})
	if err != nil {
		t.Fatalf("expected Closure to tolerate an unresolvable system, got error: %v", err)
	}
	if len(mappings) != 0 {
		t.Fatalf("expected no mappings, got %+v", mappings)
	}
}
