// Package index implements the reference/date index writer (SPEC_FULL.md
// C2): for every write, it asks the searchparam registry (C3) for every
// parameter applicable to the resource type, evaluates each Reference/Date
// parameter's FHIRPath-like expression against the resource JSON with
// github.com/buger/jsonparser, and replaces that resource's index rows with
// one DELETE per index table followed by one INSERT per row (several
// statements on the caller's Querier, not a single statement). Grounded on github.com/buger/jsonparser's ObjectEach/
// ArrayEach/Get usage in robertoAraneda-gofhir's FHIRPath object type, and on
// internal/platform/fhir/search_query_builder.go for what a "search
// parameter to resource value" mapping needs to produce.
package index

import (
	"encoding/json"
	"strings"

	"github.com/buger/jsonparser"
)

// candidatePaths splits a SearchParameter expression into one or more
// alternative dot-paths to try. Real FHIRPath expressions combine
// alternatives with "|" (e.g. "Observation.subject | Encounter.subject");
// the index writer only needs the element path on the right of the leading
// "Type.", since it is always evaluating against a resource already known
// to be that type.
func candidatePaths(expression string) []string {
	var paths []string
	for _, alt := range strings.Split(expression, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		if dot := strings.Index(alt, "."); dot >= 0 {
			alt = alt[dot+1:]
		}
		paths = append(paths, alt)
	}
	return paths
}

// splitPath turns "participant.individual" into ["participant","individual"].
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// evalString walks body along each segment of path using jsonparser,
// returning every string value found at the end of the path (flattening
// through arrays encountered along the way). A fast first pass; any error
// (missing key, type mismatch) simply yields no values for that path rather
// than failing the caller.
func evalString(body []byte, path []string) []string {
	var out []string
	walkStrings(body, path, &out)
	return out
}

func walkStrings(data []byte, path []string, out *[]string) {
	if len(path) == 0 {
		if s, err := jsonparser.ParseString(data); err == nil {
			*out = append(*out, s)
		}
		return
	}
	key := path[0]
	rest := path[1:]

	value, dataType, _, err := jsonparser.Get(data, key)
	if err != nil {
		return
	}
	switch dataType {
	case jsonparser.Array:
		_, _ = jsonparser.ArrayEach(value, func(item []byte, itemType jsonparser.ValueType, _ int, _ error) {
			if itemType == jsonparser.Object {
				walkStrings(item, rest, out)
			} else if len(rest) == 0 {
				if s, err := jsonparser.ParseString(item); err == nil {
					*out = append(*out, s)
				}
			}
		})
	case jsonparser.Object:
		walkStrings(value, rest, out)
	default:
		if len(rest) == 0 {
			if s, err := jsonparser.ParseString(value); err == nil {
				*out = append(*out, s)
			}
		}
	}
}

// evalRaw mirrors evalString but returns the raw JSON value (object or
// scalar) at the end of each path, used by the date extractor which needs
// to inspect shape (dateTime string vs. Period object) rather than assume
// a plain string.
func evalRaw(body []byte, path []string) []json.RawMessage {
	var out []json.RawMessage
	walkRaw(body, path, &out)
	return out
}

func walkRaw(data []byte, path []string, out *[]json.RawMessage) {
	if len(path) == 0 {
		cp := make([]byte, len(data))
		copy(cp, data)
		*out = append(*out, cp)
		return
	}
	key := path[0]
	rest := path[1:]

	value, dataType, _, err := jsonparser.Get(data, key)
	if err != nil {
		return
	}
	switch dataType {
	case jsonparser.Array:
		_, _ = jsonparser.ArrayEach(value, func(item []byte, itemType jsonparser.ValueType, _ int, _ error) {
			if itemType == jsonparser.Object && len(rest) > 0 {
				walkRaw(item, rest, out)
			} else {
				cp := make([]byte, len(item))
				copy(cp, item)
				*out = append(*out, cp)
			}
		})
	case jsonparser.Object:
		walkRaw(value, rest, out)
	default:
		if len(rest) == 0 {
			cp := make([]byte, len(value))
			copy(cp, value)
			*out = append(*out, cp)
		}
	}
}
