package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/layer-3/wcsap/core"
	"github.com/layer-3/wcsap/ports"
)

const secretBytes = 32

// SessionIssuer mints session and refresh pairs and rotates them
type SessionIssuer struct {
	store      ports.SessionStore
	sessionTTL time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewSessionIssuer creates a session issuer backed by store
func NewSessionIssuer(store ports.SessionStore, cfg Config) *SessionIssuer {
	return &SessionIssuer{
		store:      store,
		sessionTTL: cfg.SessionTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (i *SessionIssuer) newPair(identity core.Identity) (core.TokenPair, error) {
	sessionToken, err := newSecret()
	if err != nil {
		return core.TokenPair{}, err
	}
	refreshToken, err := newSecret()
	if err != nil {
		return core.TokenPair{}, err
	}

	now := i.now()
	return core.TokenPair{
		Session: &core.Session{
			Token:     sessionToken,
			Identity:  identity,
			IssuedAt:  now,
			ExpiresAt: now.Add(i.sessionTTL),
		},
		Refresh: &core.RefreshCredential{
			Token:       refreshToken,
			Identity:    identity,
			SessionHash: core.HashToken(sessionToken),
			IssuedAt:    now,
			ExpiresAt:   now.Add(i.refreshTTL),
		},
	}, nil
}

// Issue creates and records a new pair for identity
func (i *SessionIssuer) Issue(ctx context.Context, identity core.Identity) (core.TokenPair, error) {
	pair, err := i.newPair(identity)
	if err != nil {
		return core.TokenPair{}, err
	}
	if err := i.store.Put(ctx, pair); err != nil {
		return core.TokenPair{}, fmt.Errorf("failed to store session: %w", err)
	}
	return pair, nil
}

// Rotate exchanges a refresh token for a new pair. The old pair dies in the same
// store operation that records the new one.
func (i *SessionIssuer) Rotate(ctx context.Context, oldRefreshToken string) (core.TokenPair, error) {
	if oldRefreshToken == "" {
		return core.TokenPair{}, core.ErrRefreshInvalid
	}

	cred, err := i.store.GetByRefresh(ctx, oldRefreshToken)
	if err != nil {
		return core.TokenPair{}, err
	}

	next, err := i.newPair(cred.Identity)
	if err != nil {
		return core.TokenPair{}, err
	}
	if err := i.store.Rotate(ctx, oldRefreshToken, next); err != nil {
		return core.TokenPair{}, err
	}
	return next, nil
}
