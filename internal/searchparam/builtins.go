package searchparam

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed seed/builtins.yaml
var seedFS embed.FS

// seedEntry mirrors one YAML fixture row (SPEC_FULL.md §2B); fields are
// deliberately low-level so the fixture stays easy to hand-edit.
type seedEntry struct {
	URL        string   `yaml:"url"`
	Code       string   `yaml:"code"`
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Base       []string `yaml:"base"`
	Expression string   `yaml:"expression"`
	Comparator []string `yaml:"comparator"`
	Modifier   []string `yaml:"modifier"`
	Target     []string `yaml:"target"`
}

// loadBuiltins reads the embedded seed fixture once at package init. A
// malformed fixture is a programmer error, not a runtime condition to
// recover from, so it panics — the same way the teacher's embedded
// migration loader treats a broken migration file as unrecoverable.
func loadBuiltins() []Param {
	raw, err := seedFS.ReadFile("seed/builtins.yaml")
	if err != nil {
		panic(fmt.Sprintf("searchparam: read embedded seed fixture: %v", err))
	}
	var entries []seedEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		panic(fmt.Sprintf("searchparam: parse embedded seed fixture: %v", err))
	}
	params := make([]Param, 0, len(entries))
	for _, e := range entries {
		params = append(params, Param{
			URL:         e.URL,
			Code:        e.Code,
			Name:        e.Name,
			Type:        Type(e.Type),
			Base:        e.Base,
			Expression:  e.Expression,
			Modifiers:   e.Modifier,
			Comparators: e.Comparator,
			Targets:     e.Target,
		})
	}
	return params
}

var builtins = loadBuiltins()
