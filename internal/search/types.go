// Package search implements the search query compiler (SPEC_FULL.md C4):
// parsing the FHIR search grammar, compiling per-parameter predicates against
// the C1 current tables and C2 index tables, one-level reverse chaining
// (_has), and _include/_revinclude expansion. Grounded on
// internal/platform/fhir/search_query_builder.go's fluent SearchQuery
// builder, generalized from one hand-written builder per resource type into
// a single compiler driven by the C3 registry.
package search

import "github.com/octofhir/fhirserver/internal/searchparam"

// Prefix is a FHIR search comparator prefix.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa"
	PrefixEb Prefix = "eb"
	PrefixAp Prefix = "ap"
)

var validPrefixes = map[string]Prefix{
	"eq": PrefixEq, "ne": PrefixNe, "gt": PrefixGt, "lt": PrefixLt,
	"ge": PrefixGe, "le": PrefixLe, "sa": PrefixSa, "eb": PrefixEb, "ap": PrefixAp,
}

// Modifier is a FHIR search parameter modifier.
type Modifier string

const (
	ModifierNone     Modifier = ""
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierMissing  Modifier = "missing"
	ModifierNot      Modifier = "not"
	ModifierAbove    Modifier = "above"
	ModifierBelow    Modifier = "below"
	ModifierText     Modifier = "text"
)

// ValueTerm is one comma-separated value with its optional comparator
// prefix. Multiple ValueTerms for the same Param OR together.
type ValueTerm struct {
	Prefix Prefix
	Raw    string
}

// HasClause is a parsed `_has:SourceType:refParam:innerCode` parameter.
type HasClause struct {
	SourceType string
	RefParam   string
	InnerCode  string
	InnerMod   Modifier
	Values     []ValueTerm
}

// Param is one parsed, registry-resolved search parameter term.
type Param struct {
	Chain    []string // code split on "."; len==1 for unchained
	Modifier Modifier
	Values   []ValueTerm
	Def      searchparam.Param // resolved definition for Chain[0]
	Has      *HasClause        // set instead of Def when this is a _has parameter
}

// Sort is one `_sort` field.
type Sort struct {
	Field      string
	Descending bool
}

// Include is a parsed `_include`/`_revinclude` directive.
type Include struct {
	SourceType string
	ParamCode  string
	TargetType string // optional, empty means "any"
	Reverse    bool
}

// Params is the compiler's input: everything a request's query string maps to.
type Params struct {
	BaseType string
	Params   []Param
	Includes []Include

	Count  int
	Offset int
	Sort   []Sort
	Total  string // none | estimate | accurate
}
