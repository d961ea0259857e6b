// Package authcache implements the bounded JWT-verification and
// AuthContext caches (SPEC_FULL.md C9), with a secondary jti index for O(1)
// revocation. Grounded on internal/platform/auth's JWKSCache (fetch-and-
// cache-by-kid idiom) and TokenRevocationStore (jti -> entry, userID ->
// []jti secondary index, background expiry sweep).
package authcache

import "time"

// Claims is the normalized, immutable view of a verified bearer token's
// payload (SPEC_FULL.md §"Auth caches"). Cache entries are stored by
// value, not by pointer, and never mutated after construction; a cache
// read returns a copy of the struct whose slice fields share their backing
// arrays with the cached entry.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	JTI       string
	Scopes    []string
	ClientID  string
	Patient   string // SMART launch context, empty if not patient-scoped
	Encounter string
}

// AuthContext is the resolved request-scoped authorization context cached
// by token hash: the verified claims plus whatever the server resolved
// from them (client descriptor, user binding, scope context).
type AuthContext struct {
	Claims      Claims
	ClientName  string
	UserID      string // resolved local user id, empty for client-credentials tokens
	Scopes      []string
}
