// Package searchparam implements the SearchParameter registry (SPEC_FULL.md
// C3): a copy-on-write map from (base, code) to parameter definition, wrapped
// in an atomic pointer so readers never block behind a reload. Field layout
// is grounded on internal/domain/searchparameter's SearchParameter model,
// generalized from a persisted-resource row into the in-memory lookup shape
// the query compiler needs.
package searchparam

// Type is a FHIR search parameter type.
type Type string

const (
	TypeNumber    Type = "number"
	TypeDate      Type = "date"
	TypeString    Type = "string"
	TypeToken     Type = "token"
	TypeReference Type = "reference"
	TypeComposite Type = "composite"
	TypeQuantity  Type = "quantity"
	TypeURI       Type = "uri"
	TypeSpecial   Type = "special"
)

// Param is a single SearchParameter definition as the registry stores it.
type Param struct {
	URL         string
	Code        string
	Name        string
	Type        Type
	Base        []string // one or more resource types, or "Resource"/"DomainResource"
	Expression  string   // FHIRPath expression; empty for _content/_text
	Modifiers   []string
	Comparators []string
	Targets     []string // reference target types, when Type == TypeReference
}

// Key identifies a parameter by the base it was registered under and its
// code. A parameter with multiple bases is stored once per base.
type Key struct {
	Base string
	Code string
}
