package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicgate/clinicgate/internal/platform/principal"
)

// ErrUnavailable is returned when the backing store cannot be reached. The
// pipeline fails closed on it: no validation, no access.
var ErrUnavailable = errors.New("session store unavailable")

// Status is the outcome of validating a session id against the store.
type Status int

const (
	StatusValid Status = iota
	StatusIdleTimeout
	StatusAbsoluteTimeout
	// StatusNotFound covers both never-existed and revoked sessions. A token
	// referencing a session the store does not hold is always a denial.
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusIdleTimeout:
		return "idle_timeout"
	case StatusAbsoluteTimeout:
		return "absolute_timeout"
	case StatusNotFound:
		return "not_found"
	}
	return "unknown"
}

// DeviceInfo records where a session was opened from.
type DeviceInfo struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// Session is one authenticated device session for a user.
type Session struct {
	ID        string         `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	ClinicID  string         `json:"clinic_id"`
	Role      principal.Role `json:"role"`
	CreatedAt time.Time      `json:"created_at"`
	// LastActivityAt only moves forward; concurrent touches collapse to the
	// latest timestamp.
	LastActivityAt time.Time `json:"last_activity_at"`
	// AbsoluteExpiresAt is fixed at creation and never extended.
	AbsoluteExpiresAt time.Time  `json:"absolute_expires_at"`
	Device            DeviceInfo `json:"device"`
	Revoked           bool       `json:"revoked"`
}

// RoleLimits overrides the default timeouts for a single role.
type RoleLimits struct {
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
}

// Policy holds the session lifetime and concurrency rules.
type Policy struct {
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	// MaxConcurrent caps live sessions per user. Exceeding it evicts the
	// least-recently-active session instead of blocking the new login.
	MaxConcurrent int
	RoleOverrides map[principal.Role]RoleLimits
}

// DefaultPolicy mirrors the compliance defaults: 15 minute idle window,
// 7 day absolute lifetime, 5 concurrent sessions.
func DefaultPolicy() Policy {
	return Policy{
		IdleTimeout:     15 * time.Minute,
		AbsoluteTimeout: 7 * 24 * time.Hour,
		MaxConcurrent:   5,
	}
}

// Limits resolves the effective timeouts for a role.
func (p Policy) Limits(role principal.Role) RoleLimits {
	limits := RoleLimits{IdleTimeout: p.IdleTimeout, AbsoluteTimeout: p.AbsoluteTimeout}
	if override, ok := p.RoleOverrides[role]; ok {
		if override.IdleTimeout > 0 {
			limits.IdleTimeout = override.IdleTimeout
		}
		if override.AbsoluteTimeout > 0 {
			limits.AbsoluteTimeout = override.AbsoluteTimeout
		}
	}
	return limits
}

// Store tracks session records. Implementations must be safe for concurrent
// use; a revoke racing a touch always wins.
type Store interface {
	// Create opens a session for the principal, enforcing the concurrency cap.
	Create(ctx context.Context, p *principal.Principal, device DeviceInfo) (*Session, error)
	// Validate classifies the session. The error return is reserved for store
	// unavailability; every semantic outcome arrives as a Status.
	Validate(ctx context.Context, sessionID string) (*Session, Status, error)
	// Touch advances LastActivityAt to now. Time only moves forward: a touch
	// with an older timestamp than the stored one is a no-op.
	Touch(ctx context.Context, sessionID string, now time.Time) error
	Revoke(ctx context.Context, sessionID string) error
	// RevokeAll revokes every session for the user, returning how many.
	RevokeAll(ctx context.Context, userID uuid.UUID) (int, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error)
}

// PolicyStore is a Store whose limits can be retuned at runtime. Both built-in
// stores implement it; the admin surface uses it to apply policy changes
// without a restart.
type PolicyStore interface {
	Store
	SetPolicy(Policy)
	CurrentPolicy() Policy
}
