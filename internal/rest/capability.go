package rest

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Capabilities implements GET /fhir/metadata, listing every resource type
// this process has created tables for (SchemaManager.KnownTypes) with the
// generic interactions this shell supports uniformly across all types.
func (s *Server) Capabilities(c echo.Context) error {
	types := s.Store.SchemaManager().KnownTypes()

	resources := make([]map[string]any, 0, len(types))
	for _, t := range types {
		resources = append(resources, map[string]any{
			"type": t,
			"interaction": []map[string]any{
				{"code": "read"}, {"code": "vread"}, {"code": "update"},
				{"code": "delete"}, {"code": "create"}, {"code": "search-type"},
				{"code": "history-instance"}, {"code": "history-type"},
			},
		})
	}

	statement := map[string]any{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"rest": []map[string]any{
			{
				"mode":     "server",
				"resource": resources,
			},
		},
	}
	return c.JSON(http.StatusOK, statement)
}
