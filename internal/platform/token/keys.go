package token

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeyProvider resolves verification key material for a parsed token. Key
// generation and storage live outside this process; providers only consume
// published material and support rotation without a restart.
type KeyProvider interface {
	Keyfunc() jwt.Keyfunc
	// SigningMethods lists the algorithm names tokens may use.
	SigningMethods() []string
}

// HMACProvider verifies tokens with a shared secret. Used in development and
// single-node deployments where the issuer and verifier share configuration.
type HMACProvider struct {
	secret []byte
}

func NewHMACProvider(secret []byte) *HMACProvider {
	return &HMACProvider{secret: secret}
}

func (p *HMACProvider) Keyfunc() jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}
}

func (p *HMACProvider) SigningMethods() []string {
	return []string{"HS256"}
}

// jwksKey is a single JSON Web Key from a published key set.
type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksResponse struct {
	Keys []jwksKey `json:"keys"`
}

// JWKSProvider fetches RSA public keys from a JWKS endpoint and caches them
// with a TTL. A kid miss after the TTL triggers a refetch, which is how key
// rotation propagates without a restart.
type JWKSProvider struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

// DefaultJWKSCacheTTL bounds how stale the cached key set may get.
const DefaultJWKSCacheTTL = 5 * time.Minute

func NewJWKSProvider(jwksURL string, ttl time.Duration) *JWKSProvider {
	if ttl <= 0 {
		ttl = DefaultJWKSCacheTTL
	}
	return &JWKSProvider{
		keys:    make(map[string]*rsa.PublicKey),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *JWKSProvider) Keyfunc() jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return p.getKey(kid)
	}
}

func (p *JWKSProvider) SigningMethods() []string {
	return []string{"RS256"}
}

func (p *JWKSProvider) getKey(kid string) (*rsa.PublicKey, error) {
	p.mu.RLock()
	key, ok := p.keys[kid]
	expired := time.Since(p.fetchedAt) > p.ttl
	p.mu.RUnlock()

	if ok && !expired {
		return key, nil
	}

	if err := p.fetch(); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok = p.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (p *JWKSProvider) fetch() error {
	resp, err := p.client.Get(p.jwksURL)
	if err != nil {
		return fmt.Errorf("GET %s: %w", p.jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k)
		if err != nil {
			continue // skip malformed keys
		}
		keys[k.Kid] = pub
	}

	p.mu.Lock()
	p.keys = keys
	p.fetchedAt = time.Now()
	p.mu.Unlock()

	return nil
}

func parseRSAPublicKey(k jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// StaticRSAProvider serves a fixed set of RSA public keys loaded from
// configuration, keyed by kid. Rotation happens by shipping new config.
type StaticRSAProvider struct {
	keys map[string]*rsa.PublicKey
}

func NewStaticRSAProvider(keys map[string]*rsa.PublicKey) *StaticRSAProvider {
	return &StaticRSAProvider{keys: keys}
}

func (p *StaticRSAProvider) Keyfunc() jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := p.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		return key, nil
	}
}

func (p *StaticRSAProvider) SigningMethods() []string {
	return []string{"RS256"}
}
