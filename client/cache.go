package client

import (
	"sync"
	"time"

	"github.com/layer-3/wcsap/core"
)

// CachedSession is what the client keeps between runs
type CachedSession struct {
	Identity         core.Identity `json:"identity"`
	SessionToken     string        `json:"session_token"`
	RefreshToken     string        `json:"refresh_token"`
	ExpiresAt        time.Time     `json:"expires_at"`
	RefreshExpiresAt time.Time     `json:"refresh_expires_at"`
}

func cachedFromCredentials(c *Credentials) CachedSession {
	return CachedSession{
		Identity:         core.NormalizeIdentity(c.Identity),
		SessionToken:     c.SessionToken,
		RefreshToken:     c.RefreshToken,
		ExpiresAt:        c.ExpiresAt,
		RefreshExpiresAt: c.RefreshExpiresAt,
	}
}

// SessionCache stores at most one session, scoped to the active identity.
// Loading or saving for a different identity drops the previous identity's entry.
type SessionCache interface {
	// Load returns the cached session for identity, or nil when there is none
	Load(identity core.Identity) (*CachedSession, error)
	// Active returns the session of whichever identity is active, or nil
	Active() (*CachedSession, error)
	// Save stores session and makes its identity the active one
	Save(session CachedSession) error
	// Clear removes the entry of identity
	Clear(identity core.Identity) error
}

// MemoryCache is a SessionCache that lives as long as the process
type MemoryCache struct {
	mu      sync.Mutex
	session *CachedSession
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Load returns the session for identity
func (c *MemoryCache) Load(identity core.Identity) (*CachedSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, nil
	}
	if !c.session.Identity.Equal(identity) {
		c.session = nil
		return nil, nil
	}
	s := *c.session
	return &s, nil
}

// Active returns the cached session of the active identity
func (c *MemoryCache) Active() (*CachedSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, nil
	}
	s := *c.session
	return &s, nil
}

// Save replaces whatever is cached
func (c *MemoryCache) Save(session CachedSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = &session
	return nil
}

// Clear removes the session of identity
func (c *MemoryCache) Clear(identity core.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.Identity.Equal(identity) {
		c.session = nil
	}
	return nil
}
