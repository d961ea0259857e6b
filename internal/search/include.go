package search

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/octofhir/fhirserver/internal/store"
)

// IncludedResource is one resource pulled in by _include/_revinclude,
// carrying the bundle entry search.mode it should be rendered with.
type IncludedResource struct {
	ResourceType string
	ID           string
	Body         []byte
	Mode         string // always "include" for resources resolved here
}

// ResolveIncludes expands every Include directive against the result set's
// resource ids, following references outward (_include) or finding
// resources that reference a result (_revinclude). Each directive is
// resolved once, against the primary results only; included resources are
// not expanded further, so reference cycles cannot recur.
func ResolveIncludes(ctx context.Context, q store.Querier, includes []Include, resultIDs map[string][]string) ([]IncludedResource, error) {
	var out []IncludedResource
	seen := map[string]bool{}
	for rt, ids := range resultIDs {
		for _, id := range ids {
			seen[rt+"/"+id] = true
		}
	}

	for _, inc := range includes {
		var found []IncludedResource
		var err error
		if inc.Reverse {
			found, err = resolveRevinclude(ctx, q, inc, resultIDs)
		} else {
			found, err = resolveInclude(ctx, q, inc, resultIDs)
		}
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			key := f.ResourceType + "/" + f.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, f)
		}
	}
	return out, nil
}

func resolveInclude(ctx context.Context, q store.Querier, inc Include, resultIDs map[string][]string) ([]IncludedResource, error) {
	ids := resultIDs[inc.SourceType]
	if len(ids) == 0 {
		return nil, nil
	}

	sql := `SELECT ri.target_type, ri.target_id FROM reference_index ri
WHERE ri.source_type = $1 AND ri.param_code = $2 AND ri.source_id = ANY($3)`
	args := []interface{}{inc.SourceType, inc.ParamCode, ids}
	if inc.TargetType != "" {
		sql += " AND ri.target_type = $4"
		args = append(args, inc.TargetType)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IncludedResource
	for rows.Next() {
		var targetType, targetID string
		if err := rows.Scan(&targetType, &targetID); err != nil {
			return nil, err
		}
		body, ok, err := fetchCurrent(ctx, q, targetType, targetID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, IncludedResource{ResourceType: targetType, ID: targetID, Body: body, Mode: "include"})
		}
	}
	return out, nil
}

func resolveRevinclude(ctx context.Context, q store.Querier, inc Include, resultIDs map[string][]string) ([]IncludedResource, error) {
	var allOut []IncludedResource
	for sourceType, ids := range resultIDs {
		if inc.TargetType != "" && inc.TargetType != sourceType {
			continue
		}
		sql := `SELECT ri.source_type, ri.source_id FROM reference_index ri
WHERE ri.param_code = $1 AND ri.target_id = ANY($2)`
		rows, err := q.Query(ctx, sql, inc.ParamCode, ids)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var st, sid string
			if err := rows.Scan(&st, &sid); err != nil {
				rows.Close()
				return nil, err
			}
			if st != inc.SourceType {
				continue
			}
			body, ok, ferr := fetchCurrent(ctx, q, st, sid)
			if ferr != nil {
				rows.Close()
				return nil, ferr
			}
			if ok {
				allOut = append(allOut, IncludedResource{ResourceType: st, ID: sid, Body: body, Mode: "include"})
			}
		}
		rows.Close()
	}
	return allOut, nil
}

func fetchCurrent(ctx context.Context, q store.Querier, resourceType, id string) ([]byte, bool, error) {
	sql := fmt.Sprintf(`SELECT resource FROM %s WHERE id = $1 AND status <> 'deleted'`, store.CurrentTable(resourceType))
	var body []byte
	err := q.QueryRow(ctx, sql, id).Scan(&body)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}
