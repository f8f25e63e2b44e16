package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Identity is the public wallet address a signing key represents
type Identity string

// NormalizeIdentity returns the canonical form used for comparisons and store keys.
// Hex addresses are compared case-insensitively, so mixed-case checksummed input
// and lower-case input map to the same identity.
func NormalizeIdentity(raw string) Identity {
	return Identity(strings.ToLower(strings.TrimSpace(raw)))
}

// String returns the identity as a plain string
func (i Identity) String() string {
	return string(i)
}

// Equal reports whether two identities refer to the same address
func (i Identity) Equal(other Identity) bool {
	return NormalizeIdentity(string(i)) == NormalizeIdentity(string(other))
}

// Challenge represents an authentication challenge
type Challenge struct {
	ID        string    // Unique identifier for the challenge
	Identity  Identity  // Address the challenge is bound to
	Nonce     string    // Random nonce embedded in the message
	Message   string    // Exact text the wallet signs
	IssuedAt  time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge expires
}

// Expired reports whether the challenge is past its expiry at now
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Session represents an authenticated user session
type Session struct {
	Token     string    // Opaque bearer secret
	Identity  Identity  // Address the session belongs to
	IssuedAt  time.Time // When the session was created
	ExpiresAt time.Time // When the session stops being valid
}

// Expired reports whether the session is past its expiry at now
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RefreshCredential entitles its holder to exactly one rotation of the paired session
type RefreshCredential struct {
	Token       string    // Opaque refresh secret
	Identity    Identity  // Address the credential belongs to
	SessionHash string    // HashToken of the session this credential may rotate
	IssuedAt    time.Time // When the credential was created
	ExpiresAt   time.Time // When the credential stops being valid
}

// Expired reports whether the credential is past its expiry at now
func (r *RefreshCredential) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TokenPair is what a successful verify or refresh hands back to the client
type TokenPair struct {
	Session *Session
	Refresh *RefreshCredential
}

// HashToken returns the storage key for an opaque secret. Stores never keep the plain value.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
