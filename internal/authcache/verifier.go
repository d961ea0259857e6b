package authcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Verifier validates bearer tokens against an issuer's JWKS, consulting the
// JWTCache before doing any cryptographic work and populating it after a
// fresh verification. Grounded on internal/platform/auth/middleware.go's
// jwksKeyFunc + jwt.ParseWithClaims flow.
type Verifier struct {
	jwks     *JWKSClient
	cache    *JWTCache
	revoked  *RevocationStore
	jwksURLs map[string]string // issuer -> jwks_uri, populated by callers via RegisterIssuer
	logger   zerolog.Logger
}

func NewVerifier(jwks *JWKSClient, cache *JWTCache, revoked *RevocationStore, logger zerolog.Logger) *Verifier {
	return &Verifier{
		jwks:     jwks,
		cache:    cache,
		revoked:  revoked,
		jwksURLs: make(map[string]string),
		logger:   logger.With().Str("component", "authcache.verifier").Logger(),
	}
}

// RegisterIssuer associates an issuer string with its JWKS endpoint, so
// VerifyToken can resolve the right key set for a token's iss claim.
func (v *Verifier) RegisterIssuer(issuer, jwksURL string) {
	v.jwksURLs[issuer] = jwksURL
}

// TokenHash returns the cache key for a raw bearer token: a SHA-256 digest,
// never the token itself, so a cache dump can't leak a usable credential.
func TokenHash(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// VerifyToken returns the verified Claims for rawToken, serving a cache hit
// when available and not revoked, else verifying the signature against the
// issuer's JWKS and populating the cache.
func (v *Verifier) VerifyToken(rawToken string) (Claims, error) {
	hash := TokenHash(rawToken)
	if claims, ok := v.cache.Get(hash); ok {
		return claims, nil
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("authcache: parsing token: %w", err)
	}
	issuer, _ := unverified.Claims.GetIssuer()
	jwksURL, ok := v.jwksURLs[issuer]
	if !ok {
		return Claims{}, fmt.Errorf("authcache: unknown issuer %q", issuer)
	}

	token, err := jwt.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return v.jwks.Key(jwksURL, kid)
	}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}))
	if err != nil || !token.Valid {
		return Claims{}, fmt.Errorf("authcache: token verification failed: %w", err)
	}

	claims, err := extractClaims(token)
	if err != nil {
		return Claims{}, err
	}
	if v.revoked != nil && v.revoked.IsRevoked(claims.JTI) {
		return Claims{}, fmt.Errorf("authcache: token %q has been revoked", claims.JTI)
	}

	v.cache.Put(hash, claims)
	return claims, nil
}

func extractClaims(token *jwt.Token) (Claims, error) {
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("authcache: unexpected claims type %T", token.Claims)
	}

	c := Claims{}
	if s, _ := mc.GetIssuer(); s != "" {
		c.Issuer = s
	}
	if s, _ := mc.GetSubject(); s != "" {
		c.Subject = s
	}
	if aud, _ := mc.GetAudience(); len(aud) > 0 {
		c.Audience = aud
	}
	if exp, _ := mc.GetExpirationTime(); exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, _ := mc.GetIssuedAt(); iat != nil {
		c.IssuedAt = iat.Time
	}
	if jti, ok := mc["jti"].(string); ok {
		c.JTI = jti
	}
	if clientID, ok := mc["client_id"].(string); ok {
		c.ClientID = clientID
	}
	if patient, ok := mc["patient"].(string); ok {
		c.Patient = patient
	}
	if encounter, ok := mc["encounter"].(string); ok {
		c.Encounter = encounter
	}
	if scope, ok := mc["scope"].(string); ok {
		c.Scopes = splitScope(scope)
	}
	return c, nil
}

func splitScope(scope string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(scope); i++ {
		if i == len(scope) || scope[i] == ' ' {
			if i > start {
				out = append(out, scope[start:i])
			}
			start = i + 1
		}
	}
	return out
}
