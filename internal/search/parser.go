package search

import (
	"strings"

	"github.com/octofhir/fhirserver/internal/ferror"
	"github.com/octofhir/fhirserver/internal/searchparam"
)

const (
	defaultCount = 10
	maxCount     = 100
)

// Parse turns raw query parameters (as a URL would deliver them, one or more
// raw values per repeated key) into a Params ready for Compile, resolving
// every code against the registry along the way (SPEC_FULL.md §4.4).
func Parse(baseType string, raw map[string][]string, registry *searchparam.Registry) (Params, error) {
	p := Params{BaseType: baseType, Count: defaultCount}

	for name, values := range raw {
		if len(values) == 0 {
			continue
		}
		switch {
		case name == "_count":
			p.Count = clampCount(values[0])
		case name == "_offset":
			p.Offset = parseNonNegInt(values[0])
		case name == "_sort":
			p.Sort = parseSort(values[0])
		case name == "_total":
			p.Total = values[0]
		case name == "_include":
			inc, err := parseInclude(values, false)
			if err != nil {
				return Params{}, err
			}
			p.Includes = append(p.Includes, inc...)
		case name == "_revinclude":
			inc, err := parseInclude(values, true)
			if err != nil {
				return Params{}, err
			}
			p.Includes = append(p.Includes, inc...)
		case name == "_elements" || name == "_summary":
			// Projection directives are accepted and dropped here; no
			// projection is applied to the results.
			continue
		case strings.HasPrefix(name, "_has:"):
			hp, err := parseHas(name, values, registry)
			if err != nil {
				return Params{}, err
			}
			p.Params = append(p.Params, hp)
		case strings.HasPrefix(name, "_"):
			// Unrecognized control parameter: ignored rather than rejected,
			// matching the teacher's permissive ExtractSearchParams.
			continue
		default:
			param, err := parseParam(baseType, name, values, registry)
			if err != nil {
				return Params{}, err
			}
			p.Params = append(p.Params, param)
		}
	}

	return p, nil
}

func parseParam(baseType, name string, values []string, registry *searchparam.Registry) (Param, error) {
	code, modifier := splitModifier(name)
	chain := strings.Split(code, ".")

	def, ok := registry.Lookup(baseType, chain[0])
	if !ok {
		return Param{}, ferror.New(ferror.KindInvalidSearch, "unknown search parameter: "+chain[0])
	}

	var terms []ValueTerm
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			terms = append(terms, parseValueTerm(part))
		}
	}

	return Param{Chain: chain, Modifier: Modifier(modifier), Values: terms, Def: def}, nil
}

func parseHas(name string, values []string, registry *searchparam.Registry) (Param, error) {
	// _has:SourceType:refParam:innerCode[:modifier]
	segs := strings.Split(name, ":")
	if len(segs) < 4 {
		return Param{}, ferror.New(ferror.KindInvalidSearch, "malformed _has parameter: "+name)
	}
	if strings.HasPrefix(segs[3], "_has") || (len(segs) > 4 && strings.HasPrefix(segs[4], "_has")) {
		return Param{}, ferror.New(ferror.KindInvalidSearch, "nested _has is not supported: "+name)
	}
	sourceType, refParam, innerCode := segs[1], segs[2], segs[3]
	innerMod := ModifierNone
	if len(segs) >= 5 {
		innerMod = Modifier(segs[4])
	}

	if _, ok := registry.Lookup(sourceType, innerCode); !ok {
		return Param{}, ferror.New(ferror.KindInvalidSearch, "unknown _has inner parameter: "+innerCode)
	}
	if _, ok := registry.Lookup(sourceType, refParam); !ok {
		return Param{}, ferror.New(ferror.KindInvalidSearch, "unknown _has reference parameter: "+refParam)
	}

	var terms []ValueTerm
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			terms = append(terms, parseValueTerm(part))
		}
	}

	return Param{
		Has: &HasClause{SourceType: sourceType, RefParam: refParam, InnerCode: innerCode, InnerMod: innerMod, Values: terms},
	}, nil
}

func parseInclude(values []string, reverse bool) ([]Include, error) {
	var out []Include
	for _, v := range values {
		segs := strings.Split(v, ":")
		if len(segs) < 2 {
			return nil, ferror.New(ferror.KindInvalidSearch, "malformed _include/_revinclude: "+v)
		}
		inc := Include{SourceType: segs[0], ParamCode: segs[1], Reverse: reverse}
		if len(segs) >= 3 {
			inc.TargetType = segs[2]
		}
		out = append(out, inc)
	}
	return out, nil
}

func splitModifier(name string) (code, modifier string) {
	if idx := strings.Index(name, ":"); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return name, ""
}

func parseValueTerm(raw string) ValueTerm {
	if len(raw) >= 2 {
		if prefix, ok := validPrefixes[raw[:2]]; ok {
			return ValueTerm{Prefix: prefix, Raw: raw[2:]}
		}
	}
	return ValueTerm{Prefix: PrefixEq, Raw: raw}
}

func parseSort(raw string) []Sort {
	var out []Sort
	for _, f := range strings.Split(raw, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if strings.HasPrefix(f, "-") {
			out = append(out, Sort{Field: f[1:], Descending: true})
		} else {
			out = append(out, Sort{Field: f})
		}
	}
	return out
}

func clampCount(raw string) int {
	n := parseNonNegInt(raw)
	if n == 0 && raw != "" && strings.TrimLeft(raw, "0") == "" {
		// An explicit _count=0 asks for the total only, with no entries.
		return 0
	}
	if n <= 0 {
		return defaultCount
	}
	if n > maxCount {
		return maxCount
	}
	return n
}

func parseNonNegInt(raw string) int {
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
