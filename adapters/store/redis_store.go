package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/wcsap/core"
	"github.com/redis/go-redis/v9"
)

type redisChallenge struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

type redisSession struct {
	Identity    string `json:"identity"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
	RefreshHash string `json:"refresh_hash"`
}

type redisRefresh struct {
	Identity    string `json:"identity"`
	SessionHash string `json:"session_hash"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

// KEYS[1] old refresh key, KEYS[2] new session key, KEYS[3] new refresh key
// ARGV[1] now ms, ARGV[2] session blob, ARGV[3] refresh blob, ARGV[4] ttl ms,
// ARGV[5] new session hash, ARGV[6] session key prefix, ARGV[7] identity key prefix, ARGV[8] identity
const rotateScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end

local ok, rec = pcall(cjson.decode, data)
if not ok or type(rec) ~= "table" or not rec.session_hash then
  redis.call("DEL", KEYS[1])
  return 0
end

local identity_key = ARGV[7] .. rec.identity
redis.call("DEL", KEYS[1])
redis.call("DEL", ARGV[6] .. rec.session_hash)
redis.call("SREM", identity_key, rec.session_hash)

if tonumber(rec.expires_at) <= tonumber(ARGV[1]) then
  return 0
end
if rec.identity ~= ARGV[8] then
  return 0
end

redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[4])
redis.call("SET", KEYS[3], ARGV[3], "PX", ARGV[4])
redis.call("SADD", identity_key, ARGV[5])
redis.call("PEXPIRE", identity_key, ARGV[4])
return 1
`

// KEYS[1] session key; ARGV[1] refresh key prefix, ARGV[2] identity key prefix, ARGV[3] session hash
const revokeScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
redis.call("DEL", KEYS[1])

local ok, rec = pcall(cjson.decode, data)
if not ok or type(rec) ~= "table" then
  return 0
end
if rec.refresh_hash then
  redis.call("DEL", ARGV[1] .. rec.refresh_hash)
end
if rec.identity then
  redis.call("SREM", ARGV[2] .. rec.identity, ARGV[3])
end
return 1
`

// KEYS[1] identity key; ARGV[1] session key prefix, ARGV[2] refresh key prefix, ARGV[3] now ms
const revokeAllScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local live = 0
for _, session_hash in ipairs(members) do
  local key = ARGV[1] .. session_hash
  local data = redis.call("GET", key)
  if data then
    local ok, rec = pcall(cjson.decode, data)
    if ok and type(rec) == "table" then
      if tonumber(rec.expires_at) > tonumber(ARGV[3]) then
        live = live + 1
      end
      if rec.refresh_hash then
        redis.call("DEL", ARGV[2] .. rec.refresh_hash)
      end
    end
    redis.call("DEL", key)
  end
end
redis.call("DEL", KEYS[1])
return live
`

var (
	rotateLua    = redis.NewScript(rotateScript)
	revokeLua    = redis.NewScript(revokeScript)
	revokeAllLua = redis.NewScript(revokeAllScript)
)

// RedisStore is a Redis implementation of the challenge and session stores.
// Multi-key mutations run as Lua scripts so rotation and revocation are atomic.
// The scripts derive some key names from stored records, so the store needs a
// single-node or replicated deployment rather than Redis Cluster.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	o := newOptions("wcsap", opts)
	return &RedisStore{
		client: client,
		prefix: o.prefix,
		now:    o.now,
	}
}

func (s *RedisStore) challengeKey(id string) string {
	return s.prefix + ":ch:" + id
}

func (s *RedisStore) sessionPrefix() string {
	return s.prefix + ":s:"
}

func (s *RedisStore) refreshPrefix() string {
	return s.prefix + ":r:"
}

func (s *RedisStore) identityPrefix() string {
	return s.prefix + ":id:"
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, core.ErrStoreOperationFailed, err)
}

// ttlUntil returns a positive TTL, rounding already expired records up so they can still be written
func ttlUntil(now, expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

// Create stores a challenge with a TTL matching its expiry
func (s *RedisStore) Create(ctx context.Context, challenge *core.Challenge) error {
	payload, err := json.Marshal(redisChallenge{
		ID:        challenge.ID,
		Identity:  challenge.Identity.String(),
		Nonce:     challenge.Nonce,
		Message:   challenge.Message,
		IssuedAt:  challenge.IssuedAt.UnixMilli(),
		ExpiresAt: challenge.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	ttl := ttlUntil(s.now(), challenge.ExpiresAt)
	if err := s.client.Set(ctx, s.challengeKey(challenge.ID), payload, ttl).Err(); err != nil {
		return storeErr("create challenge", err)
	}
	return nil
}

// Consume removes and returns a challenge with GETDEL, so only one caller can see it
func (s *RedisStore) Consume(ctx context.Context, id string) (*core.Challenge, error) {
	data, err := s.client.GetDel(ctx, s.challengeKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrChallengeInvalid
		}
		return nil, storeErr("consume challenge", err)
	}

	var rec redisChallenge
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, core.ErrChallengeInvalid
	}

	challenge := &core.Challenge{
		ID:        rec.ID,
		Identity:  core.Identity(rec.Identity),
		Nonce:     rec.Nonce,
		Message:   rec.Message,
		IssuedAt:  time.UnixMilli(rec.IssuedAt),
		ExpiresAt: time.UnixMilli(rec.ExpiresAt),
	}
	if challenge.Expired(s.now()) {
		return nil, core.ErrChallengeInvalid
	}
	return challenge, nil
}

func encodePair(pair core.TokenPair) (sessionBlob, refreshBlob []byte, err error) {
	sessionBlob, err = json.Marshal(redisSession{
		Identity:    pair.Session.Identity.String(),
		IssuedAt:    pair.Session.IssuedAt.UnixMilli(),
		ExpiresAt:   pair.Session.ExpiresAt.UnixMilli(),
		RefreshHash: core.HashToken(pair.Refresh.Token),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	refreshBlob, err = json.Marshal(redisRefresh{
		Identity:    pair.Refresh.Identity.String(),
		SessionHash: core.HashToken(pair.Session.Token),
		IssuedAt:    pair.Refresh.IssuedAt.UnixMilli(),
		ExpiresAt:   pair.Refresh.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal refresh credential: %w", err)
	}
	return sessionBlob, refreshBlob, nil
}

// Put records a session and its refresh credential. Both keys live as long as the
// refresh credential so a logout with an expired session still finds its pair.
func (s *RedisStore) Put(ctx context.Context, pair core.TokenPair) error {
	sessionBlob, refreshBlob, err := encodePair(pair)
	if err != nil {
		return err
	}

	sessionHash := core.HashToken(pair.Session.Token)
	identityKey := s.identityPrefix() + pair.Session.Identity.String()
	ttl := ttlUntil(s.now(), pair.Refresh.ExpiresAt)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionPrefix()+sessionHash, sessionBlob, ttl)
		pipe.Set(ctx, s.refreshPrefix()+core.HashToken(pair.Refresh.Token), refreshBlob, ttl)
		pipe.SAdd(ctx, identityKey, sessionHash)
		pipe.PExpire(ctx, identityKey, ttl)
		return nil
	})
	if err != nil {
		return storeErr("put session", err)
	}
	return nil
}

// Get returns a live session
func (s *RedisStore) Get(ctx context.Context, sessionToken string) (*core.Session, error) {
	data, err := s.client.Get(ctx, s.sessionPrefix()+core.HashToken(sessionToken)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrSessionInvalid
		}
		return nil, storeErr("get session", err)
	}

	var rec redisSession
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, core.ErrSessionInvalid
	}

	session := &core.Session{
		Token:     sessionToken,
		Identity:  core.Identity(rec.Identity),
		IssuedAt:  time.UnixMilli(rec.IssuedAt),
		ExpiresAt: time.UnixMilli(rec.ExpiresAt),
	}
	if session.Expired(s.now()) {
		return nil, core.ErrSessionInvalid
	}
	return session, nil
}

// GetByRefresh returns a live refresh credential
func (s *RedisStore) GetByRefresh(ctx context.Context, refreshToken string) (*core.RefreshCredential, error) {
	data, err := s.client.Get(ctx, s.refreshPrefix()+core.HashToken(refreshToken)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrRefreshInvalid
		}
		return nil, storeErr("get refresh credential", err)
	}

	var rec redisRefresh
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, core.ErrRefreshInvalid
	}

	cred := &core.RefreshCredential{
		Token:       refreshToken,
		Identity:    core.Identity(rec.Identity),
		SessionHash: rec.SessionHash,
		IssuedAt:    time.UnixMilli(rec.IssuedAt),
		ExpiresAt:   time.UnixMilli(rec.ExpiresAt),
	}
	if cred.Expired(s.now()) {
		return nil, core.ErrRefreshInvalid
	}
	return cred, nil
}

// Rotate swaps the old pair for next in one script invocation
func (s *RedisStore) Rotate(ctx context.Context, oldRefreshToken string, next core.TokenPair) error {
	sessionBlob, refreshBlob, err := encodePair(next)
	if err != nil {
		return err
	}

	now := s.now()
	nextSessionHash := core.HashToken(next.Session.Token)
	ttl := ttlUntil(now, next.Refresh.ExpiresAt)

	res, err := rotateLua.Run(ctx, s.client,
		[]string{
			s.refreshPrefix() + core.HashToken(oldRefreshToken),
			s.sessionPrefix() + nextSessionHash,
			s.refreshPrefix() + core.HashToken(next.Refresh.Token),
		},
		now.UnixMilli(),
		sessionBlob,
		refreshBlob,
		ttl.Milliseconds(),
		nextSessionHash,
		s.sessionPrefix(),
		s.identityPrefix(),
		next.Session.Identity.String(),
	).Int64()
	if err != nil {
		return storeErr("rotate refresh credential", err)
	}
	if res != 1 {
		return core.ErrRefreshInvalid
	}
	return nil
}

// Revoke removes a session and its refresh credential
func (s *RedisStore) Revoke(ctx context.Context, sessionToken string) error {
	sessionHash := core.HashToken(sessionToken)
	err := revokeLua.Run(ctx, s.client,
		[]string{s.sessionPrefix() + sessionHash},
		s.refreshPrefix(),
		s.identityPrefix(),
		sessionHash,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return storeErr("revoke session", err)
	}
	return nil
}

// RevokeAll removes every session of an identity
func (s *RedisStore) RevokeAll(ctx context.Context, identity core.Identity) (int, error) {
	live, err := revokeAllLua.Run(ctx, s.client,
		[]string{s.identityPrefix() + identity.String()},
		s.sessionPrefix(),
		s.refreshPrefix(),
		s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, storeErr("revoke all sessions", err)
	}
	return int(live), nil
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
