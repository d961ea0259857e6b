// Package refid parses and renders FHIR reference strings per the grammar in
// SPEC_FULL.md §6: relative (Type/id[/_history/ver]), absolute (matching the
// server's base URL is treated as relative), contained (#localId), and URN
// (urn:uuid:/urn:oid:) forms. Contained and URN references are recognized but
// are never resolvable to a local (sourceType, sourceId) target.
package refid

import (
	"fmt"
	"strings"
)

// Kind classifies a parsed reference.
type Kind int

const (
	KindRelative Kind = iota
	KindAbsoluteLocal
	KindAbsoluteExternal
	KindContained
	KindURN
)

// Reference is a parsed FHIR reference string.
type Reference struct {
	Kind      Kind
	Type      string
	ID        string
	VersionID string
	Raw       string
}

// Local reports whether the reference resolves to a local (Type, ID) pair.
func (r Reference) Local() bool {
	return r.Kind == KindRelative || r.Kind == KindAbsoluteLocal
}

func isUpperStart(s string) bool {
	return len(s) > 0 && s[0] >= 'A' && s[0] <= 'Z'
}

// Parse parses a reference string. baseURL, if non-empty, is the server's own
// base URL; an absolute reference matching it is downgraded to local.
func Parse(raw, baseURL string) (Reference, error) {
	if raw == "" {
		return Reference{}, fmt.Errorf("refid: empty reference")
	}
	if strings.HasPrefix(raw, "#") {
		return Reference{Kind: KindContained, ID: raw[1:], Raw: raw}, nil
	}
	if strings.HasPrefix(raw, "urn:uuid:") || strings.HasPrefix(raw, "urn:oid:") {
		return Reference{Kind: KindURN, ID: raw, Raw: raw}, nil
	}

	path := raw
	external := false
	if idx := strings.Index(raw, "://"); idx >= 0 {
		external = true
		rest := raw[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			path = rest[slash+1:]
		} else {
			return Reference{}, fmt.Errorf("refid: malformed absolute reference %q", raw)
		}
		if local := strings.TrimSuffix(baseURL, "/") + "/"; baseURL != "" && strings.HasPrefix(raw, local) {
			external = false
			path = strings.TrimPrefix(raw, local)
		}
	}

	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return Reference{}, fmt.Errorf("refid: malformed reference %q", raw)
	}
	typ, id := parts[0], parts[1]
	if !isUpperStart(typ) {
		return Reference{}, fmt.Errorf("refid: type %q must start with an uppercase letter", typ)
	}
	if id == "" {
		return Reference{}, fmt.Errorf("refid: id must be non-empty")
	}

	ref := Reference{Type: typ, ID: id, Raw: raw}
	if len(parts) >= 4 && parts[2] == "_history" {
		ref.VersionID = parts[3]
	}

	switch {
	case external:
		ref.Kind = KindAbsoluteExternal
	case strings.Contains(raw, "://"):
		ref.Kind = KindAbsoluteLocal
	default:
		ref.Kind = KindRelative
	}
	return ref, nil
}

// ToRelative renders a local reference back to its canonical "Type/id" form.
// For any successfully-parsed local reference, parsing the result yields the
// same Type, ID and VersionID (SPEC_FULL.md P6); Kind becomes KindRelative
// and Raw the relative form.
func ToRelative(r Reference) string {
	if r.VersionID != "" {
		return fmt.Sprintf("%s/%s/_history/%s", r.Type, r.ID, r.VersionID)
	}
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}
