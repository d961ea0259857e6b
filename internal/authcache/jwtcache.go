package authcache

import (
	"sync"
	"time"
)

// JWTCache caches verified Claims by token hash (never by raw token, so a
// cache dump never exposes a usable bearer token) and keeps a jti -> token
// hash secondary index so a revocation hits exactly the cached entries for
// that jti in O(1), instead of scanning the whole cache.
type JWTCache struct {
	cache *ttlCache[Claims]

	mu       sync.Mutex
	byJTI    map[string]map[string]struct{} // jti -> set of token hashes
	revoked  *RevocationStore
}

func NewJWTCache(capacity int, ttl time.Duration, revoked *RevocationStore) *JWTCache {
	return &JWTCache{
		cache:   newTTLCache[Claims](capacity, ttl),
		byJTI:   make(map[string]map[string]struct{}),
		revoked: revoked,
	}
}

// Get returns the cached Claims for tokenHash, or (_, false) on a miss, if
// the token's own exp has passed, or if the underlying jti has since been
// revoked. An entry thus lives for min(configured TTL, exp - now).
func (c *JWTCache) Get(tokenHash string) (Claims, bool) {
	claims, ok := c.cache.Get(tokenHash)
	if !ok {
		return Claims{}, false
	}
	if !claims.ExpiresAt.IsZero() && !time.Now().Before(claims.ExpiresAt) {
		c.cache.Delete(tokenHash)
		return Claims{}, false
	}
	if c.revoked != nil && c.revoked.IsRevoked(claims.JTI) {
		c.cache.Delete(tokenHash)
		return Claims{}, false
	}
	return claims, true
}

// Put caches claims under tokenHash and indexes it by jti. Claims whose exp
// has already passed are not inserted.
func (c *JWTCache) Put(tokenHash string, claims Claims) {
	if !claims.ExpiresAt.IsZero() && !time.Now().Before(claims.ExpiresAt) {
		return
	}
	if !c.cache.Set(tokenHash, claims) {
		return
	}
	if claims.JTI == "" {
		return
	}
	c.mu.Lock()
	set, ok := c.byJTI[claims.JTI]
	if !ok {
		set = make(map[string]struct{})
		c.byJTI[claims.JTI] = set
	}
	set[tokenHash] = struct{}{}
	c.mu.Unlock()
}

// InvalidateJTI evicts every cached entry for jti, called immediately after
// a revocation so a cached verification can never outlive it.
func (c *JWTCache) InvalidateJTI(jti string) {
	c.mu.Lock()
	hashes := c.byJTI[jti]
	delete(c.byJTI, jti)
	c.mu.Unlock()

	for h := range hashes {
		c.cache.Delete(h)
	}
}

func (c *JWTCache) Stats() Stats { return c.cache.Stats() }

// ContextCache caches resolved AuthContexts by token hash with the same
// revocation-aware invalidation as JWTCache.
type ContextCache struct {
	cache   *ttlCache[AuthContext]
	mu      sync.Mutex
	byJTI   map[string]map[string]struct{}
	revoked *RevocationStore
}

func NewContextCache(capacity int, ttl time.Duration, revoked *RevocationStore) *ContextCache {
	return &ContextCache{
		cache:   newTTLCache[AuthContext](capacity, ttl),
		byJTI:   make(map[string]map[string]struct{}),
		revoked: revoked,
	}
}

func (c *ContextCache) Get(tokenHash string) (AuthContext, bool) {
	ctx, ok := c.cache.Get(tokenHash)
	if !ok {
		return AuthContext{}, false
	}
	if c.revoked != nil && c.revoked.IsRevoked(ctx.Claims.JTI) {
		c.cache.Delete(tokenHash)
		return AuthContext{}, false
	}
	return ctx, true
}

func (c *ContextCache) Put(tokenHash string, ctx AuthContext) {
	if !c.cache.Set(tokenHash, ctx) {
		return
	}
	if ctx.Claims.JTI == "" {
		return
	}
	c.mu.Lock()
	set, ok := c.byJTI[ctx.Claims.JTI]
	if !ok {
		set = make(map[string]struct{})
		c.byJTI[ctx.Claims.JTI] = set
	}
	set[tokenHash] = struct{}{}
	c.mu.Unlock()
}

func (c *ContextCache) InvalidateJTI(jti string) {
	c.mu.Lock()
	hashes := c.byJTI[jti]
	delete(c.byJTI, jti)
	c.mu.Unlock()

	for h := range hashes {
		c.cache.Delete(h)
	}
}

func (c *ContextCache) Stats() Stats { return c.cache.Stats() }
