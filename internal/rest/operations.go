package rest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/octofhir/fhirserver/internal/canonical"
	"github.com/octofhir/fhirserver/internal/ferror"
	"github.com/octofhir/fhirserver/internal/terminology"
)

// parametersInput is the subset of a FHIR Parameters resource these
// operations read: string-valued parts and, for $closure, a list of
// {system, code} concept parts.
type parametersInput struct {
	Parameter []parameterPart `json:"parameter"`
}

type parameterPart struct {
	Name        string `json:"name"`
	ValueString string `json:"valueString,omitempty"`
	ValueCode   string `json:"valueCode,omitempty"`
	ValueURI    string `json:"valueUri,omitempty"`
	Part        []struct {
		Name        string `json:"name"`
		ValueString string `json:"valueString,omitempty"`
		ValueCode   string `json:"valueCode,omitempty"`
		ValueURI    string `json:"valueUri,omitempty"`
	} `json:"part,omitempty"`
}

func (p parametersInput) str(name string) string {
	for _, param := range p.Parameter {
		if param.Name != name {
			continue
		}
		switch {
		case param.ValueString != "":
			return param.ValueString
		case param.ValueCode != "":
			return param.ValueCode
		case param.ValueURI != "":
			return param.ValueURI
		}
	}
	return ""
}

func (p parametersInput) codings(name string) []terminology.Coding {
	var out []terminology.Coding
	for _, param := range p.Parameter {
		if param.Name != name {
			continue
		}
		var c terminology.Coding
		for _, part := range param.Part {
			switch part.Name {
			case "system":
				c.System = firstNonEmpty(part.ValueURI, part.ValueString)
			case "code":
				c.Code = firstNonEmpty(part.ValueCode, part.ValueString)
			}
		}
		out = append(out, c)
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// readParametersOrQuery decodes a Parameters resource body when present,
// falling back to an empty one so str()/codings() read from query params via
// the caller instead (the common simple-client shape for these operations).
func readParametersOrQuery(c echo.Context) parametersInput {
	var in parametersInput
	body, err := io.ReadAll(c.Request().Body)
	if err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &in)
	}
	return in
}

// ValidateCode implements ValueSet $validate-code (SPEC_FULL.md §4.10),
// accepting either a Parameters body (url/code/system) or the equivalent
// query parameters.
func (s *Server) ValidateCode(c echo.Context) error {
	in := readParametersOrQuery(c)
	url := firstNonEmpty(in.str("url"), c.QueryParam("url"))
	code := firstNonEmpty(in.str("code"), c.QueryParam("code"))
	system := firstNonEmpty(in.str("system"), c.QueryParam("system"))
	if id := c.Param("id"); id != "" && url == "" {
		url = id
	}
	if url == "" || code == "" {
		return writeError(c, ferror.New(ferror.KindInvalidResource, "$validate-code requires url and code"))
	}

	result, err := s.Validator.ValidateCode(c.Request().Context(), url, code, system)
	if err != nil {
		return writeError(c, err)
	}

	out := outParameters(
		outParam("result", "valueBoolean", result.Valid),
	)
	if result.Display != "" {
		out.Parameter = append(out.Parameter, outParameterPart{Name: "display", ValueString: result.Display})
	}
	return c.JSON(http.StatusOK, out)
}

// Lookup implements CodeSystem $lookup (SPEC_FULL.md §4.10).
func (s *Server) Lookup(c echo.Context) error {
	in := readParametersOrQuery(c)
	system := firstNonEmpty(in.str("system"), c.QueryParam("system"))
	code := firstNonEmpty(in.str("code"), c.QueryParam("code"))
	if id := c.Param("id"); id != "" && system == "" {
		system = id
	}
	if system == "" || code == "" {
		return writeError(c, ferror.New(ferror.KindInvalidResource, "$lookup requires system and code"))
	}

	display, err := s.Validator.GetDisplay(c.Request().Context(), system, code)
	if err != nil {
		return writeError(c, err)
	}

	out := outParameters(
		outParam("name", "valueString", system),
		outParam("display", "valueString", display),
	)
	return c.JSON(http.StatusOK, out)
}

// Closure implements $closure (SPEC_FULL.md §4.10, §2C). name identifies the
// closure table; concept is a repeated {system, code} coding part.
func (s *Server) Closure(c echo.Context) error {
	in := readParametersOrQuery(c)
	name := firstNonEmpty(in.str("name"), c.QueryParam("name"))
	if name == "" {
		return writeError(c, ferror.New(ferror.KindInvalidResource, "$closure requires name"))
	}

	mappings, err := s.Closures.Closure(c.Request().Context(), name, in.codings("concept"))
	if err != nil {
		return writeError(c, err)
	}

	rows := make([]map[string]any, 0, len(mappings))
	for _, m := range mappings {
		rows = append(rows, map[string]any{
			"system":      m.Source.System,
			"code":        m.Source.Code,
			"equivalence": m.Equivalence,
			"target":      m.Target.Code,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"resourceType": "ConceptMap",
		"name":         name,
		"group":        rows,
	})
}

// CQLLibrary implements the Library $cql surface (SPEC_FULL.md §4.11):
// resolve the Library resource's canonical (url, version) and return its
// compiled form, consulting the two-tier cache before touching storage.
func (s *Server) CQLLibrary(c echo.Context) error {
	id := c.Param("id")
	sr, err := s.Store.Read(c.Request().Context(), "Library", id)
	if err != nil {
		return writeError(c, err)
	}

	var meta struct {
		URL     string `json:"url"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(sr.Body, &meta); err != nil {
		return writeError(c, ferror.Wrap(ferror.KindInvalidResource, "decoding Library resource", err))
	}

	lib, err := s.Libraries.Get(c.Request().Context(), canonical.Join(meta.URL, meta.Version))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"url":     lib.URL,
		"version": lib.Version,
		"elm":     lib.ELM,
	})
}

type outParameterPart struct {
	Name         string `json:"name"`
	ValueBoolean *bool  `json:"valueBoolean,omitempty"`
	ValueString  string `json:"valueString,omitempty"`
}

type outcomeParameters struct {
	ResourceType string             `json:"resourceType"`
	Parameter    []outParameterPart `json:"parameter"`
}

func outParam(name, valueKind string, value any) outParameterPart {
	part := outParameterPart{Name: name}
	switch valueKind {
	case "valueBoolean":
		b, _ := value.(bool)
		part.ValueBoolean = &b
	case "valueString":
		s, _ := value.(string)
		part.ValueString = s
	}
	return part
}

func outParameters(parts ...outParameterPart) outcomeParameters {
	return outcomeParameters{ResourceType: "Parameters", Parameter: parts}
}
