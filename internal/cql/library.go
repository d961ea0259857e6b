package cql

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// CompiledLibrary is the cached compile result for a CQL Library resource
// (SPEC_FULL.md §4.11). ELM is a placeholder envelope, not a real
// CQL-to-ELM compile: this core only extracts the embedded CQL source and
// wraps it for the external evaluator that does the real compile. See the
// compileLibraryResource doc comment for the gap this leaves.
type CompiledLibrary struct {
	URL     string
	Version string
	CQL     string
	ELM     json.RawMessage
}

// libraryResource is the subset of a FHIR Library body needed to locate its
// embedded CQL source (grounded on the teacher's internal/domain/library
// model, which stores a single content/contentType/contentData triple;
// generalized here to the full content[] attachment array a Library
// resource actually carries).
type libraryResource struct {
	URL     string    `json:"url"`
	Version string    `json:"version"`
	Content []content `json:"content"`
}

type content struct {
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

const cqlContentType = "text/cql"

// compileLibraryResource extracts the text/cql attachment from a Library
// resource body and wraps it in a placeholder ELM envelope. Real ELM
// generation is out of scope (SPEC_FULL.md §1) — an external CQL-to-ELM
// compiler is expected to replace this envelope's "library" field with a
// real compiled form; until then it's just enough structure for a caller
// to detect "no executable ELM yet".
func compileLibraryResource(url, version string, body []byte) (CompiledLibrary, error) {
	var lib libraryResource
	if err := json.Unmarshal(body, &lib); err != nil {
		return CompiledLibrary{}, fmt.Errorf("cql: parsing library resource: %w", err)
	}

	var cqlSource string
	var found bool
	for _, c := range lib.Content {
		if c.ContentType != cqlContentType {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(c.Data)
		if err != nil {
			return CompiledLibrary{}, fmt.Errorf("cql: decoding text/cql content: %w", err)
		}
		cqlSource = string(decoded)
		found = true
		break
	}
	if !found {
		return CompiledLibrary{}, fmt.Errorf("cql: library %q has no text/cql content", url)
	}

	// TODO: replace this envelope with the output of a real CQL-to-ELM
	// compiler; today it only records that compilation has not happened.
	elm, err := json.Marshal(map[string]any{
		"library": map[string]any{
			"identifier": map[string]any{"id": url, "version": version},
		},
		"compiled": false,
	})
	if err != nil {
		return CompiledLibrary{}, fmt.Errorf("cql: building placeholder ELM envelope: %w", err)
	}

	return CompiledLibrary{URL: url, Version: version, CQL: cqlSource, ELM: elm}, nil
}
