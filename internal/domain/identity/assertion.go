package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrBadAssertion is returned for any assertion that does not verify. Callers
// get no finer-grained distinction; the detail goes to the audit stream only.
var ErrBadAssertion = errors.New("credential assertion invalid")

// AssertionVerifier checks the short-lived credential assertion the identity
// provider hands out after it has verified the user's credentials. Password
// checking itself never happens in this service.
type AssertionVerifier interface {
	VerifyAssertion(assertion string) (uuid.UUID, error)
}

// JWTAssertionVerifier verifies HS256-signed assertions from the identity
// provider. An assertion is single-purpose: subject plus a tight expiry,
// nothing the access token carries.
type JWTAssertionVerifier struct {
	secret   []byte
	issuer   string
	audience string
	maxAge   time.Duration
}

func NewJWTAssertionVerifier(secret []byte, issuer, audience string, maxAge time.Duration) *JWTAssertionVerifier {
	return &JWTAssertionVerifier{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		maxAge:   maxAge,
	}
}

func (v *JWTAssertionVerifier) VerifyAssertion(assertion string) (uuid.UUID, error) {
	claims := &jwt.RegisteredClaims{}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(assertion, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrBadAssertion, err)
	}

	// Reject assertions older than maxAge even when their exp is generous.
	if v.maxAge > 0 && claims.IssuedAt != nil && time.Since(claims.IssuedAt.Time) > v.maxAge {
		return uuid.Nil, fmt.Errorf("%w: assertion too old", ErrBadAssertion)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a user id", ErrBadAssertion)
	}
	return userID, nil
}
