package terminology

import (
	"context"
	"sync"
)

// Coding is a minimal (system, code) pair, the unit $closure operates on.
type Coding struct {
	System string
	Code   string
}

// ClosureMapping is one subsumption relationship produced by a Closure call.
type ClosureMapping struct {
	Source      Coding
	Target      Coding
	Equivalence string // "equal" | "subsumes" | "specializes"
}

// ClosureTable implements the FHIR $closure operation (SPEC_FULL.md §2C):
// it maintains a transitive-closure concept map per client-supplied name
// across repeated calls, returning only the relationships newly discovered
// since the name was last used. It is a thin operation handler over
// Validator's CodeSystem lookups, not a standalone component.
type ClosureTable struct {
	validator *Validator

	mu     sync.Mutex
	tables map[string]map[Coding]struct{}
}

// NewClosureTable builds a ClosureTable backed by v for CodeSystem concept
// hierarchy lookups.
func NewClosureTable(v *Validator) *ClosureTable {
	return &ClosureTable{
		validator: v,
		tables:    make(map[string]map[Coding]struct{}),
	}
}

// Closure adds codings to the named closure table and returns the
// subsumption relationships between each newly added coding and every
// coding already present in the table. Codings already present are skipped
// on this call, matching $closure's "only report what's new" contract, so
// in practice every mapping returned is "subsumes".
func (t *ClosureTable) Closure(ctx context.Context, name string, codings []Coding) ([]ClosureMapping, error) {
	t.mu.Lock()
	seen, ok := t.tables[name]
	if !ok {
		seen = make(map[Coding]struct{})
		t.tables[name] = seen
	}
	t.mu.Unlock()

	loaded := make(map[string]codeSystemResource)
	var mappings []ClosureMapping

	for _, c := range codings {
		t.mu.Lock()
		if _, already := seen[c]; already {
			t.mu.Unlock()
			continue
		}
		t.mu.Unlock()

		cs, ok := loaded[c.System]
		if !ok {
			var err error
			cs, err = t.validator.loadCodeSystem(ctx, c.System)
			if err != nil {
				// Unresolvable system: record the coding with no relations
				// rather than failing the whole call.
				t.mu.Lock()
				seen[c] = struct{}{}
				t.mu.Unlock()
				continue
			}
			loaded[c.System] = cs
		}

		t.mu.Lock()
		for existing := range seen {
			if existing.System != c.System {
				continue
			}
			switch {
			case existing.Code == c.Code:
				mappings = append(mappings, ClosureMapping{Source: existing, Target: c, Equivalence: "equal"})
			case isAncestor(cs, existing.Code, c.Code):
				mappings = append(mappings, ClosureMapping{Source: existing, Target: c, Equivalence: "subsumes"})
			case isAncestor(cs, c.Code, existing.Code):
				mappings = append(mappings, ClosureMapping{Source: c, Target: existing, Equivalence: "subsumes"})
			}
		}
		seen[c] = struct{}{}
		t.mu.Unlock()
	}

	return mappings, nil
}

// isAncestor reports whether descendant appears in ancestor's concept
// subtree within cs.
func isAncestor(cs codeSystemResource, ancestor, descendant string) bool {
	node, ok := findNode(cs.Concept, ancestor)
	if !ok {
		return false
	}
	return containsCode(node.Concept, descendant)
}

func findNode(concepts []codeSystemEntry, code string) (codeSystemEntry, bool) {
	for _, c := range concepts {
		if c.Code == code {
			return c, true
		}
		if n, ok := findNode(c.Concept, code); ok {
			return n, true
		}
	}
	return codeSystemEntry{}, false
}

func containsCode(concepts []codeSystemEntry, code string) bool {
	for _, c := range concepts {
		if c.Code == code || containsCode(c.Concept, code) {
			return true
		}
	}
	return false
}
