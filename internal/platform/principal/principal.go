package principal

import (
	"github.com/google/uuid"
)

// Role identifies the clinical role carried by a verified token.
type Role string

const (
	RoleSuperAdmin  Role = "super_admin"
	RoleClinicAdmin Role = "clinic_admin"
	RoleDoctor      Role = "doctor"
	RoleNurse       Role = "nurse"
	RoleStaff       Role = "staff"
	RolePatient     Role = "patient"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleClinicAdmin, RoleDoctor, RoleNurse, RoleStaff, RolePatient:
		return true
	}
	return false
}

// Principal is the authenticated identity derived from a verified token.
// It is immutable for the lifetime of the request that produced it.
type Principal struct {
	ID           uuid.UUID
	Role         Role
	ClinicID     string
	Permissions  []string
	TokenVersion int64
	// SessionID is empty for sessionless tokens (pre-signed link tokens).
	// Interactive tokens always carry one.
	SessionID string
}

// HasPermission reports whether the principal holds the named permission.
func (p *Principal) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// Authn is the tagged result of optional authentication. Handlers that accept
// anonymous callers receive an Authn and must branch on both cases explicitly;
// a nil Principal never stands in for "anonymous".
type Authn struct {
	Principal *Principal
}

// Anonymous returns the unauthenticated variant.
func Anonymous() Authn {
	return Authn{}
}

// Authenticated wraps p in the authenticated variant.
func Authenticated(p *Principal) Authn {
	return Authn{Principal: p}
}

// IsAnonymous reports whether no principal was resolved for the request.
func (a Authn) IsAnonymous() bool {
	return a.Principal == nil
}
