package search

import (
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is the bounded LRU keyed by (base type, normalized parameter list,
// modifiers) plus the registry generation it was built against (SPEC_FULL.md
// §4.4). Each entry records only that a shape compiled successfully and the
// generation it compiled at; no query template is stored, and
// Compiler.CompileCached writes entries without reading them. Per-request
// literal values and their positional arguments are always rebuilt fresh,
// since they vary independently of shape.
type Cache struct {
	lru *lru.Cache[string, cachedShape]
}

type cachedShape struct {
	generation uint64
	valid      bool
}

func NewCache(capacity int) *Cache {
	c, _ := lru.New[string, cachedShape](capacity)
	return &Cache{lru: c}
}

// ShapeKey normalizes a Params into a cache key: base type plus each
// parameter's code/modifier/prefix set, sorted for stability, explicitly
// excluding literal values.
func ShapeKey(p Params) string {
	var parts []string
	for _, param := range p.Params {
		if param.Has != nil {
			parts = append(parts, "_has:"+param.Has.SourceType+":"+param.Has.RefParam+":"+param.Has.InnerCode+":"+string(param.Has.InnerMod))
			continue
		}
		parts = append(parts, strings.Join(param.Chain, ".")+":"+string(param.Modifier))
	}
	sort.Strings(parts)
	return p.BaseType + "|" + strings.Join(parts, ",")
}

// Lookup reports whether this shape was validated at the given generation.
func (c *Cache) Lookup(key string, generation uint64) bool {
	if c.lru == nil {
		return false
	}
	shape, ok := c.lru.Get(key)
	if !ok || shape.generation != generation {
		return false
	}
	return shape.valid
}

// Store records that a shape compiled successfully at the given generation.
func (c *Cache) Store(key string, generation uint64) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key, cachedShape{generation: generation, valid: true})
}
