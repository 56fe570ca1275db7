package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clinicgate/clinicgate/internal/platform/principal"
)

// RedisStore is the production Store. The session record lives as a JSON blob
// keyed by session id with its TTL pinned to the absolute expiry, so the
// absolute timeout holds even if the process never sees the session again.
// Last activity sits in a sibling key updated through a Lua script that only
// moves time forward.
type RedisStore struct {
	client   *redis.Client
	policyMu sync.RWMutex
	policy   Policy
	now      func() time.Time
}

const (
	sessKeyPrefix = "cg:sess:"
	userKeyPrefix = "cg:user:"
)

// touchScript advances last activity monotonically. The EXISTS guard makes a
// revoke racing a touch resolve in the revoke's favor: once the blob is gone
// the touch is a no-op.
var touchScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local now = tonumber(ARGV[1])
local la = tonumber(redis.call("GET", KEYS[2]) or "0")
if now > la then
  redis.call("SET", KEYS[2], ARGV[1], "KEEPTTL")
  redis.call("ZADD", KEYS[3], ARGV[1], ARGV[2])
end
return 1
`)

func NewRedisStore(client *redis.Client, policy Policy) *RedisStore {
	return &RedisStore{
		client: client,
		policy: policy,
		now:    time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (s *RedisStore) SetClock(now func() time.Time) {
	s.now = now
}

// SetPolicy replaces the session policy. Already-created sessions keep their
// absolute expiry; idle and cap checks pick up the new limits immediately.
func (s *RedisStore) SetPolicy(policy Policy) {
	s.policyMu.Lock()
	defer s.policyMu.Unlock()
	s.policy = policy
}

// CurrentPolicy returns the active policy.
func (s *RedisStore) CurrentPolicy() Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

func (s *RedisStore) limits(role principal.Role) RoleLimits {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy.Limits(role)
}

func (s *RedisStore) maxConcurrent() int {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy.MaxConcurrent
}

func sessKey(id string) string     { return sessKeyPrefix + id }
func lastSeenKey(id string) string { return sessKeyPrefix + id + ":la" }
func userKey(id uuid.UUID) string  { return userKeyPrefix + id.String() }

func (s *RedisStore) Create(ctx context.Context, p *principal.Principal, device DeviceInfo) (*Session, error) {
	now := s.now().UTC()
	limits := s.limits(p.Role)

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

	if err := s.evictForCap(ctx, p.ID); err != nil {
		return nil, err
	}

	blob, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessKey(sess.ID), blob, 0)
	pipe.PExpireAt(ctx, sessKey(sess.ID), sess.AbsoluteExpiresAt)
	pipe.Set(ctx, lastSeenKey(sess.ID), now.UnixNano(), 0)
	pipe.PExpireAt(ctx, lastSeenKey(sess.ID), sess.AbsoluteExpiresAt)
	pipe.ZAdd(ctx, userKey(p.ID), redis.Z{Score: float64(now.UnixNano()), Member: sess.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return sess, nil
}

// evictForCap deletes least-recently-active sessions until the user has room
// for one more. Members whose blobs have already expired are pruned from the
// index along the way.
func (s *RedisStore) evictForCap(ctx context.Context, userID uuid.UUID) error {
	maxSessions := s.maxConcurrent()
	if maxSessions <= 0 {
		return nil
	}

	members, err := s.client.ZRangeWithScores(ctx, userKey(userID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Oldest first: ZRANGE is score-ascending.
	var live []string
	for _, m := range members {
		id, _ := m.Member.(string)
		exists, err := s.client.Exists(ctx, sessKey(id)).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if exists == 0 {
			s.client.ZRem(ctx, userKey(userID), id)
			continue
		}
		live = append(live, id)
	}

	if len(live) < maxSessions {
		return nil
	}

	excess := len(live) - maxSessions + 1
	for _, victim := range live[:excess] {
		if err := s.deleteSession(ctx, victim, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) deleteSession(ctx context.Context, sessionID string, userID uuid.UUID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessKey(sessionID), lastSeenKey(sessionID))
	pipe.ZRem(ctx, userKey(userID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, sessionID string) (*Session, error) {
	blob, err := s.client.Get(ctx, sessKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal(blob, &sess); err != nil {
		// A corrupt blob is indistinguishable from a missing session to the
		// caller; treat it as absent rather than leaking a decode fault.
		return nil, nil
	}

	raw, err := s.client.Get(ctx, lastSeenKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if raw != "" {
		if nanos, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			sess.LastActivityAt = time.Unix(0, nanos).UTC()
		}
	}
	return &sess, nil
}

func (s *RedisStore) Validate(ctx context.Context, sessionID string) (*Session, Status, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, StatusNotFound, err
	}
	if sess == nil {
		return nil, StatusNotFound, nil
	}

	now := s.now().UTC()
	if now.After(sess.AbsoluteExpiresAt) {
		return nil, StatusAbsoluteTimeout, nil
	}
	limits := s.limits(sess.Role)
	if now.Sub(sess.LastActivityAt) > limits.IdleTimeout {
		return nil, StatusIdleTimeout, nil
	}
	return sess, StatusValid, nil
}

func (s *RedisStore) Touch(ctx context.Context, sessionID string, now time.Time) error {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	keys := []string{sessKey(sessionID), lastSeenKey(sessionID), userKey(sess.UserID)}
	args := []interface{}{now.UTC().UnixNano(), sessionID}
	if err := touchScript.Run(ctx, s.client, keys, args...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Revoke(ctx context.Context, sessionID string) error {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	return s.deleteSession(ctx, sessionID, sess.UserID)
}

func (s *RedisStore) RevokeAll(ctx context.Context, userID uuid.UUID) (int, error) {
	members, err := s.client.ZRange(ctx, userKey(userID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	count := 0
	for _, id := range members {
		exists, err := s.client.Exists(ctx, sessKey(id)).Result()
		if err != nil {
			return count, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if exists == 1 {
			count++
		}
		if err := s.deleteSession(ctx, id, userID); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (s *RedisStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Session, error) {
	// Newest activity first.
	members, err := s.client.ZRevRange(ctx, userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var out []*Session
	for _, id := range members {
		sess, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			out = append(out, sess)
		}
	}
	return out, nil
}
