package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/octofhir/fhirserver/internal/ferror"
	"github.com/octofhir/fhirserver/internal/platform/fhir"
	"github.com/octofhir/fhirserver/internal/store"
)

// resourceType validates and returns the :type path param, writing an
// invalidResource OperationOutcome and returning ok=false when it isn't a
// syntactically valid FHIR resource type (SPEC_FULL.md §3).
func (s *Server) resourceType(c echo.Context) (string, bool) {
	rt := c.Param("type")
	if !store.ValidResourceType(rt) {
		writeError(c, ferror.New(ferror.KindInvalidResource, fmt.Sprintf("%q is not a valid resource type", rt)))
		return "", false
	}
	return rt, true
}

func readBody(c echo.Context) (json.RawMessage, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, ferror.Wrap(ferror.KindInvalidResource, "reading request body", err)
	}
	if !json.Valid(body) {
		return nil, ferror.New(ferror.KindInvalidResource, "request body is not valid JSON")
	}
	return body, nil
}

// Create implements POST /{type} (SPEC_FULL.md §6 "create; 201 + Location").
func (s *Server) Create(c echo.Context) error {
	rt, ok := s.resourceType(c)
	if !ok {
		return nil
	}
	body, err := readBody(c)
	if err != nil {
		return writeError(c, err)
	}

	sr, err := s.Store.Create(c.Request().Context(), rt, body, "")
	if err != nil {
		return writeError(c, err)
	}

	fhir.SetVersionHeaders(c, sr.VersionID, sr.UpdatedAt.Format(time.RFC1123))
	c.Response().Header().Set("Location", fmt.Sprintf("%s/%s/%s/_history/%d", s.BaseURL, rt, sr.ID, sr.VersionID))
	return c.JSONBlob(http.StatusCreated, sr.Body)
}

// Read implements GET /{type}/{id} (SPEC_FULL.md §6 "read; 200 or 410 Gone").
func (s *Server) Read(c echo.Context) error {
	rt, ok := s.resourceType(c)
	if !ok {
		return nil
	}
	id := c.Param("id")

	sr, err := s.Store.Read(c.Request().Context(), rt, id)
	if err != nil {
		return writeError(c, err)
	}
	fhir.SetVersionHeaders(c, sr.VersionID, sr.UpdatedAt.Format(time.RFC1123))
	return c.JSONBlob(http.StatusOK, sr.Body)
}

// VRead implements GET /{type}/{id}/_history/{versionId}.
func (s *Server) VRead(c echo.Context) error {
	rt, ok := s.resourceType(c)
	if !ok {
		return nil
	}
	id := c.Param("id")
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil {
		return writeError(c, ferror.New(ferror.KindInvalidResource, "version id must be numeric"))
	}

	sr, err := s.Store.VRead(c.Request().Context(), rt, id, vid)
	if err != nil {
		return writeError(c, err)
	}
	fhir.SetVersionHeaders(c, sr.VersionID, sr.UpdatedAt.Format(time.RFC1123))
	return c.JSONBlob(http.StatusOK, sr.Body)
}

// Update implements PUT /{type}/{id}, with optional If-Match enforcement
// (SPEC_FULL.md §6 "200/201; 412 on mismatch").
func (s *Server) Update(c echo.Context) error {
	rt, ok := s.resourceType(c)
	if !ok {
		return nil
	}
	id := c.Param("id")
	body, err := readBody(c)
	if err != nil {
		return writeError(c, err)
	}

	var ifMatch *int
	if raw := c.Request().Header.Get("If-Match"); raw != "" {
		v, err := fhir.ParseETag(raw)
		if err != nil {
			return writeError(c, ferror.Wrap(ferror.KindInvalidResource, "invalid If-Match header", err))
		}
		ifMatch = &v
	}

	sr, err := s.Store.Update(c.Request().Context(), rt, id, body, ifMatch)
	if err != nil {
		return writeError(c, err)
	}
	fhir.SetVersionHeaders(c, sr.VersionID, sr.UpdatedAt.Format(time.RFC1123))
	status := http.StatusOK
	if sr.VersionID == 1 {
		status = http.StatusCreated
	}
	return c.JSONBlob(status, sr.Body)
}

// Delete implements DELETE /{type}/{id}; idempotent per store.Delete.
func (s *Server) Delete(c echo.Context) error {
	rt, ok := s.resourceType(c)
	if !ok {
		return nil
	}
	id := c.Param("id")

	if err := s.Store.Delete(c.Request().Context(), rt, id); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// InstanceHistory implements GET /{type}/{id}/_history.
func (s *Server) InstanceHistory(c echo.Context) error {
	rt, ok := s.resourceType(c)
	if !ok {
		return nil
	}
	return s.history(c, store.HistoryQuery{ResourceType: rt, ID: c.Param("id")})
}

// TypeHistory implements GET /{type}/_history.
func (s *Server) TypeHistory(c echo.Context) error {
	rt, ok := s.resourceType(c)
	if !ok {
		return nil
	}
	return s.history(c, store.HistoryQuery{ResourceType: rt})
}

// SystemHistory implements GET /_history, spanning every type this process
// has seen (store.PGStore.systemHistory).
func (s *Server) SystemHistory(c echo.Context) error {
	return s.history(c, store.HistoryQuery{})
}

func (s *Server) history(c echo.Context, q store.HistoryQuery) error {
	q.Count, q.Offset = countAndOffset(c, s.DefaultCount, s.MaxCount)

	entries, err := s.Store.History(c.Request().Context(), q)
	if err != nil {
		return writeError(c, err)
	}

	bundle := historyBundle(entries)
	return c.JSON(http.StatusOK, bundle)
}

func historyBundle(entries []store.HistoryEntry) map[string]any {
	bundleEntries := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		var resource json.RawMessage
		if e.Status != store.StatusDeleted {
			resource = e.Body
		}
		entry := map[string]any{
			"request": map[string]any{
				"method": e.Method,
				"url":    fmt.Sprintf("%s/%s", e.ResourceType, e.ID),
			},
			"response": map[string]any{
				"status":       fmt.Sprintf("%d", statusForHistoryMethod(e.Method)),
				"lastModified": e.UpdatedAt.Format(time.RFC3339),
			},
		}
		if resource != nil {
			entry["resource"] = resource
		}
		bundleEntries = append(bundleEntries, entry)
	}
	return map[string]any{
		"resourceType": "Bundle",
		"type":         "history",
		"total":        len(entries),
		"entry":        bundleEntries,
	}
}

func statusForHistoryMethod(method string) int {
	switch method {
	case "POST":
		return http.StatusCreated
	case "DELETE":
		return http.StatusNoContent
	default:
		return http.StatusOK
	}
}

func countAndOffset(c echo.Context, defaultCount, maxCount int) (int, int) {
	count := defaultCount
	if raw := c.QueryParam("_count"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			count = v
		}
	}
	if maxCount > 0 && count > maxCount {
		count = maxCount
	}
	offset := 0
	if raw := c.QueryParam("_offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return count, offset
}
