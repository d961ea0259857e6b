package search

import "fmt"

// compileHas emits the EXISTS fragment for one level of _has reverse
// chaining (SPEC_FULL.md §4.4 step 6). Deeper nesting is already rejected by
// the parser, so this never has to guard against a second _has itself.
func compileHas(baseType string, h HasClause, args *[]interface{}) (string, error) {
	sourceCurrent := tableFor(h.SourceType)

	innerWhere := compileInnerHas(h, args)

	frag := fmt.Sprintf(
		`EXISTS (SELECT 1 FROM %s r, reference_index r_ref
   WHERE r_ref.source_type = %s AND r_ref.source_id = r.id AND r_ref.param_code = %s
     AND r_ref.target_type = %s AND r_ref.target_id = base.id
     AND r.status <> 'deleted'
     AND %s)`,
		sourceCurrent, quoteLit(h.SourceType), quoteLit(h.RefParam), quoteLit(baseType), innerWhere)

	return frag, nil
}

func tableFor(resourceType string) string {
	return "fhir_" + toLowerASCII(resourceType)
}

func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// compileInnerHas builds the predicate on the source-type row `r` for the
// _has clause's inner parameter. Only token/string equality is supported for
// the inner predicate, which covers the common case (`_has:Observation:patient:status=final`);
// richer inner predicates would need the same per-type dispatch as
// compileParam, generalized onto an aliased table instead of `base`.
func compileInnerHas(h HasClause, args *[]interface{}) string {
	var ors []string
	for _, v := range h.Values {
		idx := len(*args) + 1
		*args = append(*args, v.Raw)
		ors = append(ors, fmt.Sprintf("r.resource->>'%s' = $%d", sanitizeIdent(h.InnerCode), idx))
	}
	if len(ors) == 0 {
		return "TRUE"
	}
	where := "(" + joinOr(ors) + ")"
	if h.InnerMod == ModifierNot {
		where = "NOT " + where
	}
	return where
}

func joinOr(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " OR "
		}
		out += p
	}
	return out
}
