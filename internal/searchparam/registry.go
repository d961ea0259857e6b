package searchparam

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// snapshot is the immutable map a Registry's atomic pointer holds. Reload
// builds a brand new snapshot and swaps the pointer; readers in flight keep
// using the snapshot they already loaded.
type snapshot struct {
	byKey      map[Key]Param
	generation uint64
}

// Registry is the copy-on-write SearchParameter lookup (SPEC_FULL.md §4.3).
type Registry struct {
	ptr    atomic.Pointer[snapshot]
	logger zerolog.Logger
}

// New constructs a Registry pre-loaded with the built-in parameters.
func New(logger zerolog.Logger) *Registry {
	r := &Registry{logger: logger.With().Str("component", "searchparam").Logger()}
	snap := &snapshot{byKey: make(map[Key]Param), generation: 0}
	for _, p := range builtins {
		insert(snap.byKey, p)
	}
	r.ptr.Store(snap)
	return r
}

func insert(m map[Key]Param, p Param) {
	for _, base := range p.Base {
		m[Key{Base: base, Code: p.Code}] = p
	}
}

// Lookup resolves (resourceType, code) following §4.3's fallback order:
// exact type, then DomainResource, then Resource.
func (r *Registry) Lookup(resourceType, code string) (Param, bool) {
	snap := r.ptr.Load()
	if p, ok := snap.byKey[Key{Base: resourceType, Code: code}]; ok {
		return p, true
	}
	if p, ok := snap.byKey[Key{Base: "DomainResource", Code: code}]; ok {
		return p, true
	}
	if p, ok := snap.byKey[Key{Base: "Resource", Code: code}]; ok {
		return p, true
	}
	return Param{}, false
}

// ForType returns every parameter whose base covers resourceType: registered
// directly under it, or under "DomainResource"/"Resource". Used by C2's
// index writer to decide what to extract on every write.
func (r *Registry) ForType(resourceType string) []Param {
	snap := r.ptr.Load()
	var out []Param
	seen := map[string]bool{}
	for _, base := range []string{resourceType, "DomainResource", "Resource"} {
		for k, p := range snap.byKey {
			if k.Base != base || seen[k.Code] {
				continue
			}
			seen[k.Code] = true
			out = append(out, p)
		}
	}
	return out
}

// Generation reports the current reload generation, used by C4's query
// cache to invalidate compiled queries after a reload.
func (r *Registry) Generation() uint64 {
	return r.ptr.Load().generation
}

// LoadFromFHIR parses a list of SearchParameter resource bodies (mandatory
// fields url, code, type, non-empty base per §4.3) and replaces the
// registry's contents atomically, keeping the built-ins. Malformed
// parameters are skipped with a warning, not fatal to the reload.
func (r *Registry) LoadFromFHIR(resources []json.RawMessage) {
	prev := r.ptr.Load()
	next := &snapshot{byKey: make(map[Key]Param), generation: prev.generation + 1}
	for _, p := range builtins {
		insert(next.byKey, p)
	}

	for _, raw := range resources {
		p, err := parseSearchParameterResource(raw)
		if err != nil {
			r.logger.Warn().Err(err).Msg("skipping malformed SearchParameter")
			continue
		}
		insert(next.byKey, p)
	}

	r.ptr.Store(next)
	r.logger.Info().Uint64("generation", next.generation).Int("count", len(next.byKey)).Msg("search parameter registry reloaded")
}

func parseSearchParameterResource(raw json.RawMessage) (Param, error) {
	var doc struct {
		URL        string   `json:"url"`
		Code       string   `json:"code"`
		Name       string   `json:"name"`
		Type       string   `json:"type"`
		Base       []string `json:"base"`
		Expression string   `json:"expression"`
		Modifier   []string `json:"modifier"`
		Comparator []string `json:"comparator"`
		Target     []string `json:"target"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Param{}, fmt.Errorf("searchparam: decode resource: %w", err)
	}
	if doc.URL == "" {
		return Param{}, fmt.Errorf("searchparam: missing url")
	}
	if doc.Code == "" {
		return Param{}, fmt.Errorf("searchparam: missing code")
	}
	if doc.Type == "" {
		return Param{}, fmt.Errorf("searchparam: missing type")
	}
	if len(doc.Base) == 0 {
		return Param{}, fmt.Errorf("searchparam: empty base")
	}
	return Param{
		URL:         doc.URL,
		Code:        doc.Code,
		Name:        doc.Name,
		Type:        Type(doc.Type),
		Base:        doc.Base,
		Expression:  doc.Expression,
		Modifiers:   doc.Modifier,
		Comparators: doc.Comparator,
		Targets:     doc.Target,
	}, nil
}
