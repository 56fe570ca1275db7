package token

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clinicgate/clinicgate/internal/platform/principal"
)

// Issuer mints access tokens for the session-issuance surface. Key management
// lives outside this process; the issuer only holds the signing material it
// was handed at startup.
type Issuer struct {
	method   jwt.SigningMethod
	key      any
	kid      string
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewHMACIssuer signs with HS256 using a shared secret.
func NewHMACIssuer(secret []byte, issuer, audience string, ttl time.Duration) *Issuer {
	return &Issuer{
		method:   jwt.SigningMethodHS256,
		key:      secret,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// NewRSAIssuer signs with RS256 using a private key. kid is stamped into the
// header so verifiers with multiple published keys can select the right one.
func NewRSAIssuer(key *rsa.PrivateKey, kid, issuer, audience string, ttl time.Duration) *Issuer {
	return &Issuer{
		method:   jwt.SigningMethodRS256,
		key:      key,
		kid:      kid,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock overrides the time source for tests.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// Mint produces a signed session token bound to p and its session.
func (i *Issuer) Mint(p *principal.Principal) (string, error) {
	return i.mint(p, UseSession, p.SessionID, i.ttl)
}

// MintLink produces a short-lived sessionless link token, used for pre-signed
// document URLs. Link tokens are only honored on query-safelisted routes.
func (i *Issuer) MintLink(p *principal.Principal, ttl time.Duration) (string, error) {
	return i.mint(p, UseLink, "", ttl)
}

func (i *Issuer) mint(p *principal.Principal, use, sessionID string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID.String(),
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:         string(p.Role),
		ClinicID:     p.ClinicID,
		Permissions:  p.Permissions,
		TokenVersion: p.TokenVersion,
		SessionID:    sessionID,
		TokenUse:     use,
	}

	tok := jwt.NewWithClaims(i.method, claims)
	if i.kid != "" {
		tok.Header["kid"] = i.kid
	}
	signed, err := tok.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
