package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/wcsap/core"
)

type memorySession struct {
	identity    core.Identity
	issuedAt    time.Time
	expiresAt   time.Time
	refreshHash string
}

type memoryRefresh struct {
	identity    core.Identity
	sessionHash string
	issuedAt    time.Time
	expiresAt   time.Time
}

// MemoryStore is an in-memory implementation of the challenge and session stores.
// It is meant for tests and single instance deployments.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	challenges map[string]core.Challenge
	sessions   map[string]memorySession
	refreshes  map[string]memoryRefresh
	byIdentity map[core.Identity]map[string]struct{}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions("", opts)
	return &MemoryStore{
		now:        o.now,
		challenges: make(map[string]core.Challenge),
		sessions:   make(map[string]memorySession),
		refreshes:  make(map[string]memoryRefresh),
		byIdentity: make(map[core.Identity]map[string]struct{}),
	}
}

// Create stores a challenge
func (s *MemoryStore) Create(ctx context.Context, challenge *core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[challenge.ID] = *challenge
	return nil
}

// Consume removes and returns a challenge if it is present and unexpired
func (s *MemoryStore) Consume(ctx context.Context, id string) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge, ok := s.challenges[id]
	if !ok {
		return nil, core.ErrChallengeInvalid
	}
	delete(s.challenges, id)

	if challenge.Expired(s.now()) {
		return nil, core.ErrChallengeInvalid
	}
	return &challenge, nil
}

// Put records a session and its refresh credential
func (s *MemoryStore) Put(ctx context.Context, pair core.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(pair)
	return nil
}

func (s *MemoryStore) putLocked(pair core.TokenPair) {
	sessionHash := core.HashToken(pair.Session.Token)
	refreshHash := core.HashToken(pair.Refresh.Token)

	s.sessions[sessionHash] = memorySession{
		identity:    pair.Session.Identity,
		issuedAt:    pair.Session.IssuedAt,
		expiresAt:   pair.Session.ExpiresAt,
		refreshHash: refreshHash,
	}
	s.refreshes[refreshHash] = memoryRefresh{
		identity:    pair.Refresh.Identity,
		sessionHash: sessionHash,
		issuedAt:    pair.Refresh.IssuedAt,
		expiresAt:   pair.Refresh.ExpiresAt,
	}

	index, ok := s.byIdentity[pair.Session.Identity]
	if !ok {
		index = make(map[string]struct{})
		s.byIdentity[pair.Session.Identity] = index
	}
	index[sessionHash] = struct{}{}
}

// Get returns a live session
func (s *MemoryStore) Get(ctx context.Context, sessionToken string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[core.HashToken(sessionToken)]
	if !ok || !s.now().Before(rec.expiresAt) {
		return nil, core.ErrSessionInvalid
	}

	return &core.Session{
		Token:     sessionToken,
		Identity:  rec.identity,
		IssuedAt:  rec.issuedAt,
		ExpiresAt: rec.expiresAt,
	}, nil
}

// GetByRefresh returns a live refresh credential
func (s *MemoryStore) GetByRefresh(ctx context.Context, refreshToken string) (*core.RefreshCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refreshes[core.HashToken(refreshToken)]
	if !ok || !s.now().Before(rec.expiresAt) {
		return nil, core.ErrRefreshInvalid
	}

	return &core.RefreshCredential{
		Token:       refreshToken,
		Identity:    rec.identity,
		SessionHash: rec.sessionHash,
		IssuedAt:    rec.issuedAt,
		ExpiresAt:   rec.expiresAt,
	}, nil
}

// Rotate swaps the pair owned by oldRefreshToken for next under a single lock
func (s *MemoryStore) Rotate(ctx context.Context, oldRefreshToken string, next core.TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refreshHash := core.HashToken(oldRefreshToken)
	rec, ok := s.refreshes[refreshHash]
	if !ok {
		return core.ErrRefreshInvalid
	}

	s.deleteSessionLocked(rec.sessionHash)
	delete(s.refreshes, refreshHash)

	if !s.now().Before(rec.expiresAt) {
		return core.ErrRefreshInvalid
	}

	s.putLocked(next)
	return nil
}

// Revoke removes a session and its refresh credential
func (s *MemoryStore) Revoke(ctx context.Context, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteSessionLocked(core.HashToken(sessionToken))
	return nil
}

// RevokeAll removes every session of an identity
func (s *MemoryStore) RevokeAll(ctx context.Context, identity core.Identity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	revoked := 0
	for sessionHash := range s.byIdentity[identity] {
		if rec, ok := s.sessions[sessionHash]; ok && now.Before(rec.expiresAt) {
			revoked++
		}
		s.deleteSessionLocked(sessionHash)
	}
	delete(s.byIdentity, identity)

	return revoked, nil
}

func (s *MemoryStore) deleteSessionLocked(sessionHash string) {
	rec, ok := s.sessions[sessionHash]
	if !ok {
		return
	}
	delete(s.sessions, sessionHash)
	delete(s.refreshes, rec.refreshHash)

	if index, ok := s.byIdentity[rec.identity]; ok {
		delete(index, sessionHash)
		if len(index) == 0 {
			delete(s.byIdentity, rec.identity)
		}
	}
}

// Sweep drops expired challenges and pairs whose refresh credential has expired.
// It returns the number of records removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, challenge := range s.challenges {
		if challenge.Expired(now) {
			delete(s.challenges, id)
			removed++
		}
	}
	for refreshHash, rec := range s.refreshes {
		if !now.Before(rec.expiresAt) {
			s.deleteSessionLocked(rec.sessionHash)
			delete(s.refreshes, refreshHash)
			removed++
		}
	}
	return removed
}

// Clear removes all data from the store
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges = make(map[string]core.Challenge)
	s.sessions = make(map[string]memorySession)
	s.refreshes = make(map[string]memoryRefresh)
	s.byIdentity = make(map[core.Identity]map[string]struct{})
}
