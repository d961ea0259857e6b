package terminology

import "encoding/json"

// valueSetResource is the subset of a FHIR ValueSet body the validator
// reads: expansion.contains for pre-expanded sets, compose.include/exclude
// otherwise (SPEC_FULL.md §4.10).
type valueSetResource struct {
	URL       string `json:"url"`
	Version   string `json:"version"`
	Expansion *struct {
		Contains []conceptRef `json:"contains"`
	} `json:"expansion"`
	Compose *struct {
		Include []composeRule `json:"include"`
		Exclude []composeRule `json:"exclude"`
	} `json:"compose"`
}

type composeRule struct {
	System  string       `json:"system"`
	Version string       `json:"version"`
	Concept []conceptRef `json:"concept"`
}

type conceptRef struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display"`
}

// codeSystemResource is the subset of a FHIR CodeSystem body the validator
// reads: a flat or hierarchical concept list.
type codeSystemResource struct {
	URL     string            `json:"url"`
	Version string            `json:"version"`
	Concept []codeSystemEntry `json:"concept"`
}

type codeSystemEntry struct {
	Code    string            `json:"code"`
	Display string            `json:"display"`
	Concept []codeSystemEntry `json:"concept"`
}

func parseValueSet(body []byte) (valueSetResource, error) {
	var vs valueSetResource
	if err := json.Unmarshal(body, &vs); err != nil {
		return valueSetResource{}, err
	}
	return vs, nil
}

func parseCodeSystem(body []byte) (codeSystemResource, error) {
	var cs codeSystemResource
	if err := json.Unmarshal(body, &cs); err != nil {
		return codeSystemResource{}, err
	}
	return cs, nil
}

// find walks a CodeSystem's concept hierarchy depth-first looking for code,
// returning its display text (SPEC_FULL.md §4.10 "getDisplay").
func (cs codeSystemResource) find(code string) (string, bool) {
	return findIn(cs.Concept, code)
}

func findIn(concepts []codeSystemEntry, code string) (string, bool) {
	for _, c := range concepts {
		if c.Code == code {
			return c.Display, true
		}
		if display, ok := findIn(c.Concept, code); ok {
			return display, true
		}
	}
	return "", false
}
