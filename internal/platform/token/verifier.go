package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/clinicgate/clinicgate/internal/platform/principal"
)

// Verification failures are classified so callers can branch without string
// matching. Every failure path maps onto exactly one of these; nothing else
// escapes Verify.
var (
	ErrExpired          = errors.New("token expired")
	ErrMalformed        = errors.New("token malformed")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrRevoked          = errors.New("token revoked")
	// ErrVersionUnavailable means the authoritative token-version record could
	// not be read. Callers fail closed on it, never open.
	ErrVersionUnavailable = errors.New("token version lookup unavailable")
	// ErrSubjectUnknown is returned by a VersionSource when the token's
	// subject has no active user record. The verifier folds it into Revoked:
	// a deactivated user's tokens are dead, not a dependency outage.
	ErrSubjectUnknown = errors.New("token subject unknown")
)

// Use distinguishes what a token is good for. Session tokens drive the
// interactive API surface; link tokens are short-lived pre-signed document
// grants and never carry a session.
const (
	UseSession = "session"
	UseLink    = "link"
)

// Claims is the wire shape of an access token.
type Claims struct {
	jwt.RegisteredClaims
	Role         string   `json:"role"`
	ClinicID     string   `json:"clinic_id"`
	Permissions  []string `json:"permissions,omitempty"`
	TokenVersion int64    `json:"token_version"`
	SessionID    string   `json:"sid,omitempty"`
	TokenUse     string   `json:"token_use,omitempty"`
}

// VersionSource reports the authoritative token version for a user. A version
// bump (password change, forced logout) invalidates every token minted before
// it without a session lookup.
type VersionSource interface {
	TokenVersion(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Verifier validates token signature, expiry, and revocation, producing a
// Principal or a classified error.
type Verifier struct {
	keys     KeyProvider
	versions VersionSource
	issuer   string
	audience string
}

func NewVerifier(keys KeyProvider, versions VersionSource, issuer, audience string) *Verifier {
	return &Verifier{
		keys:     keys,
		versions: versions,
		issuer:   issuer,
		audience: audience,
	}
}

// Verify parses and validates tokenStr. The signature and expiry checks run
// first; only a structurally valid, correctly signed token reaches the
// token-version comparison.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*principal.Principal, error) {
	claims := &Claims{}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.keys.SigningMethods()),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(tokenStr, claims, v.keys.Keyfunc(), opts...)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !parsed.Valid {
		return nil, ErrSignatureInvalid
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject is not a user id", ErrMalformed)
	}
	role := principal.Role(claims.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrMalformed, claims.Role)
	}

	current, err := v.versions.TokenVersion(ctx, userID)
	if errors.Is(err, ErrSubjectUnknown) {
		return nil, ErrRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVersionUnavailable, err)
	}
	if claims.TokenVersion != current {
		return nil, ErrRevoked
	}

	return &principal.Principal{
		ID:           userID,
		Role:         role,
		ClinicID:     claims.ClinicID,
		Permissions:  claims.Permissions,
		TokenVersion: claims.TokenVersion,
		SessionID:    claims.SessionID,
	}, nil
}

// classifyParseError folds the jwt library's error set into the verifier's
// classification. Expiry is checked before signature validity by the library,
// so the order of the branches matters.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	default:
		// Unknown kid, bad issuer/audience, not-yet-valid: none of these are
		// distinguishable to the caller in a way that changes handling.
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
}
