package ports

import (
	"context"

	"github.com/layer-3/wcsap/core"
)

// ChallengeRepository persists outstanding challenges until they are consumed or expire
type ChallengeRepository interface {
	// Create stores a freshly issued challenge keyed by its ID
	Create(ctx context.Context, challenge *core.Challenge) error

	// Consume atomically removes and returns the challenge. Unknown, already consumed
	// and expired challenges all yield core.ErrChallengeInvalid, and only one of any
	// number of concurrent callers for the same ID can succeed.
	Consume(ctx context.Context, id string) (*core.Challenge, error)
}

// SessionStore persists sessions and their paired refresh credentials
type SessionStore interface {
	// Put records a new session together with the refresh credential that may rotate it
	Put(ctx context.Context, pair core.TokenPair) error

	// Get returns the live session for token or core.ErrSessionInvalid.
	// Expired sessions are never returned even if still physically stored.
	Get(ctx context.Context, sessionToken string) (*core.Session, error)

	// GetByRefresh returns the live refresh credential or core.ErrRefreshInvalid
	GetByRefresh(ctx context.Context, refreshToken string) (*core.RefreshCredential, error)

	// Rotate replaces the pair owned by oldRefreshToken with next as a single
	// compare-and-swap. Exactly one concurrent caller wins; everyone else gets
	// core.ErrRefreshInvalid and nothing is written.
	Rotate(ctx context.Context, oldRefreshToken string, next core.TokenPair) error

	// Revoke removes a session and its paired refresh credential. Unknown tokens are not an error.
	Revoke(ctx context.Context, sessionToken string) error

	// RevokeAll removes every session of identity and reports how many were live
	RevokeAll(ctx context.Context, identity core.Identity) (int, error)
}
