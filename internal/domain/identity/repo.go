package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no user record matches.
var ErrNotFound = errors.New("user not found")

// Repo is the narrow persistence contract the auth surface consumes. The
// schema and storage engine behind it are out of scope here.
type Repo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	// TokenVersion reads only the authoritative token version; it backs the
	// verifier's revocation check and sits behind a short-TTL cache.
	TokenVersion(ctx context.Context, id uuid.UUID) (int64, error)
	// BumpTokenVersion invalidates every outstanding token for the user.
	BumpTokenVersion(ctx context.Context, id uuid.UUID) (int64, error)
}
