package authcache

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// jwksKey is a single JSON Web Key from a JWKS endpoint (RSA only, matching
// internal/platform/auth/middleware.go's JWKSKey scope).
type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksResponse struct {
	Keys []jwksKey `json:"keys"`
}

// JWKSClient fetches and caches an issuer's signing keys by kid, grounded on
// internal/platform/auth.JWKSCache's RWMutex+TTL+fetch-on-miss idiom. Two
// additions beyond the teacher's cache: concurrent fetches for the same
// issuer collapse through singleflight (SPEC_FULL.md §2B), and a fetch
// failure falls back to the last good snapshot rather than failing every
// in-flight verification (§2C/§7, "fail-open for availability").
type JWKSClient struct {
	client *http.Client
	ttl    time.Duration
	group  singleflight.Group

	mu        sync.RWMutex
	snapshots map[string]jwksSnapshot // jwksURL -> snapshot
}

type jwksSnapshot struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewJWKSClient(ttl time.Duration) *JWKSClient {
	return &JWKSClient{
		client:    &http.Client{Timeout: 10 * time.Second},
		ttl:       ttl,
		snapshots: make(map[string]jwksSnapshot),
	}
}

// Key returns the RSA public key for kid from jwksURL, fetching (or
// reusing a fresh cached snapshot) as needed.
func (c *JWKSClient) Key(jwksURL, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	snap, ok := c.snapshots[jwksURL]
	c.mu.RUnlock()

	if ok && time.Since(snap.fetchedAt) < c.ttl {
		if key, found := snap.keys[kid]; found {
			return key, nil
		}
	}

	fresh, err := c.fetch(jwksURL)
	if err != nil {
		// Fail-open: serve the last good snapshot, even if stale, rather
		// than failing every request while the IdP is unreachable.
		if ok {
			if key, found := snap.keys[kid]; found {
				return key, nil
			}
		}
		return nil, fmt.Errorf("authcache: fetching JWKS from %s: %w", jwksURL, err)
	}

	key, found := fresh.keys[kid]
	if !found {
		return nil, fmt.Errorf("authcache: kid %q not found in JWKS from %s", kid, jwksURL)
	}
	return key, nil
}

// fetch deduplicates concurrent fetches of the same jwksURL via
// singleflight, so a burst of cache misses for the same issuer results in
// exactly one HTTP round trip.
func (c *JWKSClient) fetch(jwksURL string) (jwksSnapshot, error) {
	v, err, _ := c.group.Do(jwksURL, func() (interface{}, error) {
		snap, err := c.fetchOnce(jwksURL)
		if err != nil {
			return jwksSnapshot{}, err
		}
		c.mu.Lock()
		c.snapshots[jwksURL] = snap
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return jwksSnapshot{}, err
	}
	return v.(jwksSnapshot), nil
}

func (c *JWKSClient) fetchOnce(jwksURL string) (jwksSnapshot, error) {
	resp, err := c.client.Get(jwksURL)
	if err != nil {
		return jwksSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jwksSnapshot{}, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var parsed jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return jwksSnapshot{}, fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(parsed.Keys))
	for _, k := range parsed.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return jwksSnapshot{keys: keys, fetchedAt: time.Now()}, nil
}

func rsaPublicKeyFromJWK(nEncoded, eEncoded string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nEncoded)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eEncoded)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	eBuf := make([]byte, 8)
	copy(eBuf[8-len(eBytes):], eBytes)
	e := int(binary.BigEndian.Uint64(eBuf))

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
