package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicgate/clinicgate/internal/platform/principal"
)

// MemoryStore is an in-process Store for development and tests. Production
// deployments use RedisStore so sessions survive restarts and are shared
// across nodes.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[uuid.UUID][]string
	policy   Policy
	now      func() time.Time
}

func NewMemoryStore(policy Policy) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byUser:   make(map[uuid.UUID][]string),
		policy:   policy,
		now:      time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

// SetPolicy replaces the session policy. Already-created sessions keep their
// absolute expiry; idle and cap checks pick up the new limits immediately.
func (s *MemoryStore) SetPolicy(policy Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy
}

// CurrentPolicy returns the active policy.
func (s *MemoryStore) CurrentPolicy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *MemoryStore) Create(ctx context.Context, p *principal.Principal, device DeviceInfo) (*Session, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	// s.policy is written by SetPolicy; read it only under s.mu.
	limits := s.policy.Limits(p.Role)

	sess := &Session{
		ID:                uuid.NewString(),
		UserID:            p.ID,
		ClinicID:          p.ClinicID,
		Role:              p.Role,
		CreatedAt:         now,
		LastActivityAt:    now,
		AbsoluteExpiresAt: now.Add(limits.AbsoluteTimeout),
		Device:            device,
	}

	s.evictForCapLocked(p.ID)

	s.sessions[sess.ID] = sess
	s.byUser[p.ID] = append(s.byUser[p.ID], sess.ID)
	return cloneSession(sess), nil
}

// evictForCapLocked removes least-recently-active sessions until the user is
// one below the cap, making room for the session about to be created.
func (s *MemoryStore) evictForCapLocked(userID uuid.UUID) {
	if s.policy.MaxConcurrent <= 0 {
		return
	}

	live := s.liveSessionsLocked(userID)
	if len(live) < s.policy.MaxConcurrent {
		return
	}

	sort.Slice(live, func(i, j int) bool {
		return live[i].LastActivityAt.Before(live[j].LastActivityAt)
	})

	excess := len(live) - s.policy.MaxConcurrent + 1
	for _, victim := range live[:excess] {
		victim.Revoked = true
	}
}

func (s *MemoryStore) liveSessionsLocked(userID uuid.UUID) []*Session {
	var live []*Session
	for _, id := range s.byUser[userID] {
		sess, ok := s.sessions[id]
		if ok && !sess.Revoked {
			live = append(live, sess)
		}
	}
	return live
}

func (s *MemoryStore) Validate(ctx context.Context, sessionID string) (*Session, Status, error) {
	now := s.now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.Revoked {
		return nil, StatusNotFound, nil
	}
	if now.After(sess.AbsoluteExpiresAt) {
		return nil, StatusAbsoluteTimeout, nil
	}
	limits := s.policy.Limits(sess.Role)
	if now.Sub(sess.LastActivityAt) > limits.IdleTimeout {
		return nil, StatusIdleTimeout, nil
	}
	return cloneSession(sess), StatusValid, nil
}

func (s *MemoryStore) Touch(ctx context.Context, sessionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.Revoked {
		// Touching a revoked or missing session is a no-op; the revoke wins.
		return nil
	}
	if now.After(sess.LastActivityAt) {
		sess.LastActivityAt = now.UTC()
	}
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.Revoked = true
	}
	return nil
}

func (s *MemoryStore) RevokeAll(ctx context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range s.byUser[userID] {
		if sess, ok := s.sessions[id]; ok && !sess.Revoked {
			sess.Revoked = true
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Session
	for _, sess := range s.liveSessionsLocked(userID) {
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func cloneSession(sess *Session) *Session {
	copied := *sess
	return &copied
}
