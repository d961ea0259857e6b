package rest

import (
	"github.com/octofhir/fhirserver/internal/search"
)

// parseSearch delegates to internal/search.Parse; this indirection exists so
// handlers never import internal/searchparam directly and the Server's
// Registry field stays the single source of truth for parameter definitions.
func (s *Server) parseSearch(resourceType string, raw map[string][]string) (search.Params, error) {
	return search.Parse(resourceType, raw, s.Registry)
}
