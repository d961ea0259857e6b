package rest

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/octofhir/fhirserver/internal/ferror"
	"github.com/octofhir/fhirserver/internal/store"
)

// Search implements GET/POST /{type}?params (SPEC_FULL.md §4.4). POST reads
// its parameters from the form body instead of the query string, per the
// `_search` convenience endpoint in §6. Parsed _include/_revinclude
// directives are not resolved here; the bundle holds only matches.
func (s *Server) Search(c echo.Context) error {
	rt, ok := s.resourceType(c)
	if !ok {
		return nil
	}

	raw := map[string][]string(c.QueryParams())
	if c.Request().Method == http.MethodPost {
		if err := c.Request().ParseForm(); err != nil {
			return writeError(c, ferror.Wrap(ferror.KindInvalidSearch, "parsing form body", err))
		}
		raw = map[string][]string(c.Request().PostForm)
	}

	params, err := s.parseSearch(rt, raw)
	if err != nil {
		return writeError(c, err)
	}

	compiled, err := s.Compiler.CompileCached(params, s.Registry.Generation())
	if err != nil {
		return writeError(c, err)
	}

	ctx := c.Request().Context()
	rows, err := s.Pool.Query(ctx, compiled.DataSQL, compiled.Args...)
	if err != nil {
		return writeError(c, ferror.Wrap(ferror.KindInternal, "executing search", err))
	}
	defer rows.Close()

	var matches []store.StoredResource
	for rows.Next() {
		var sr store.StoredResource
		sr.ResourceType = rt
		if err := rows.Scan(&sr.ID, &sr.VersionID, &sr.CreatedAt, &sr.UpdatedAt, &sr.Status, &sr.Body); err != nil {
			return writeError(c, ferror.Wrap(ferror.KindInternal, "scanning search row", err))
		}
		matches = append(matches, sr)
	}
	if err := rows.Err(); err != nil {
		return writeError(c, ferror.Wrap(ferror.KindInternal, "reading search results", err))
	}

	var total *int
	if params.Total != "none" {
		var count int
		if err := s.Pool.QueryRow(ctx, compiled.CountSQL, compiled.Args...).Scan(&count); err != nil {
			return writeError(c, ferror.Wrap(ferror.KindInternal, "counting search results", err))
		}
		total = &count
	}

	return c.JSON(http.StatusOK, searchBundle(matches, total))
}

func searchBundle(matches []store.StoredResource, total *int) map[string]any {
	entries := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		entries = append(entries, map[string]any{
			"resource": m.Body,
			"search":   map[string]any{"mode": "match"},
		})
	}
	bundle := map[string]any{
		"resourceType": "Bundle",
		"type":         "searchset",
		"entry":        entries,
	}
	if total != nil {
		bundle["total"] = *total
	}
	return bundle
}
