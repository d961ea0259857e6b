package subscription

import (
	"encoding/json"
	"strconv"
	"strings"
)

// matchFHIRPathCriteria evaluates the small FHIRPath subset a topic's
// fhirPathCriteria needs: "<Type>.<path> = <value>" or "!=", over the
// current resource body. Full FHIRPath evaluation is out of scope (§1); a
// criteria string outside this subset is treated as non-matching rather
// than erroring, so a topic with an unsupported expression simply never
// fires instead of blocking the delivery pipeline.
//
// This was originally scoped to lean on github.com/antlr4-go/antlr/v4 with a
// generated FHIRPath grammar the way robertoAraneda-gofhir/pkg/fhirpath does
// (see compiler.go there), but that repo's generated grammar package isn't
// present in the retrieval pack — only the hand-written code that calls it
// is — so there is nothing to adapt. A hand-rolled recognizer for this
// narrow equality-over-a-single-path subset stands in; see DESIGN.md.
func matchFHIRPathCriteria(criteria string, body []byte) bool {
	criteria = strings.TrimSpace(criteria)
	if criteria == "" {
		return true
	}

	op := "="
	idx := strings.Index(criteria, "!=")
	if idx < 0 {
		idx = strings.Index(criteria, "=")
	} else {
		op = "!="
	}
	if idx < 0 {
		return false
	}

	path := strings.TrimSpace(criteria[:idx])
	valueEnd := idx + len(op)
	value := strings.TrimSpace(criteria[valueEnd:])
	value = strings.Trim(value, `'"`)

	if dot := strings.Index(path, "."); dot >= 0 {
		path = path[dot+1:]
	}

	actual, ok := lookupField(body, path)
	if !ok {
		return op == "!="
	}
	equal := actual == value
	if op == "!=" {
		return !equal
	}
	return equal
}

func lookupField(body []byte, path string) (string, bool) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", false
	}
	segs := strings.Split(path, ".")
	var cur interface{} = doc
	for _, seg := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return "", false
		}
		cur, ok = m[seg]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}
