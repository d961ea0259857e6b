// Package canonical splits a FHIR canonical reference into its url and
// version parts, used where a cache or lookup keys on (url, version): the
// terminology validator and the CQL library cache.
package canonical

import "strings"

// Split parses "http://example.org/ValueSet/x|2.1" into
// ("http://example.org/ValueSet/x", "2.1"). If ref has no "|" the version
// is "". Only the last "|" is treated as the separator since a url itself
// never contains one.
func Split(ref string) (url, version string) {
	if i := strings.LastIndexByte(ref, '|'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// Join is the inverse of Split; Join(Split(ref)) == ref for any ref without
// a version, and reconstructs the canonical form otherwise.
func Join(url, version string) string {
	if version == "" {
		return url
	}
	return url + "|" + version
}
