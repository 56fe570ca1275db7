package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/clinicgate/clinicgate/internal/platform/token"
)

// VersionSource adapts Repo to the verifier's revocation check, translating a
// missing or deactivated user into the subject-unknown classification so the
// verifier treats it as revoked rather than as a lookup outage.
type VersionSource struct {
	repo Repo
}

func NewVersionSource(repo Repo) *VersionSource {
	return &VersionSource{repo: repo}
}

func (s *VersionSource) TokenVersion(ctx context.Context, userID uuid.UUID) (int64, error) {
	v, err := s.repo.TokenVersion(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return 0, token.ErrSubjectUnknown
	}
	return v, err
}
