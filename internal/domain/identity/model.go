package identity

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicgate/clinicgate/internal/platform/principal"
)

// User is the authoritative identity record. Credential storage and the login
// UX live in the external identity provider; this record carries what the
// auth pipeline needs: role, clinic membership, permissions, and the token
// version that anchors revocation.
type User struct {
	ID          uuid.UUID      `json:"id"`
	Email       string         `json:"email"`
	Role        principal.Role `json:"role"`
	ClinicID    string         `json:"clinic_id"`
	Permissions []string       `json:"permissions"`
	// TokenVersion increments on password change or forced logout. Tokens
	// minted under an older version are dead on arrival.
	TokenVersion int64     `json:"token_version"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ToPrincipal projects the user into the request-scoped principal shape.
func (u *User) ToPrincipal(sessionID string) *principal.Principal {
	return &principal.Principal{
		ID:           u.ID,
		Role:         u.Role,
		ClinicID:     u.ClinicID,
		Permissions:  u.Permissions,
		TokenVersion: u.TokenVersion,
		SessionID:    sessionID,
	}
}
