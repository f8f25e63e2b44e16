package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/wcsap/core"
)

const (
	AudienceChallenge = "wcsap:challenge"
	Issuer            = "wcsap"
)

// DefaultLeeway covers the whole-second rounding of the exp claim. The challenge
// store stays authoritative for expiry.
const DefaultLeeway = time.Second

// Option configures a JWTTokenizer
type Option func(*JWTTokenizer)

// WithTimeFunc sets the clock handle expiry is checked against
func WithTimeFunc(now func() time.Time) Option {
	return func(j *JWTTokenizer) { j.now = now }
}

// WithLeeway sets the tolerance applied to handle expiry
func WithLeeway(leeway time.Duration) Option {
	return func(j *JWTTokenizer) { j.leeway = leeway }
}

// JWTTokenizer signs challenge handles with ES256 so forged handles are rejected
// before the challenge store is touched
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	now     func() time.Time
	leeway  time.Duration
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, opts ...Option) *JWTTokenizer {
	j := &JWTTokenizer{signKey: signKey, now: time.Now, leeway: DefaultLeeway}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// GenerateSigningKey returns an ephemeral P-256 key. Handles signed with it do not
// survive a restart, which only invalidates challenges that were still outstanding.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return key, nil
}

// LoadSigningKey reads a PEM encoded P-256 private key
func LoadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return key, nil
}

// ChallengeToToken converts a Challenge to a JWT token
func (j *JWTTokenizer) ChallengeToToken(challenge *core.Challenge) (string, error) {
	claims := ChallengeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   challenge.Identity.String(),
			ID:        challenge.ID,
			ExpiresAt: jwt.NewNumericDate(challenge.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(challenge.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceChallenge},
		},
		Nonce: challenge.Nonce,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// TokenToChallenge converts a JWT token to a Challenge.
// Every parse failure, including expiry, is reported as core.ErrChallengeInvalid.
func (j *JWTTokenizer) TokenToChallenge(tokenStr string) (*core.Challenge, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ChallengeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	},
		jwt.WithAudience(AudienceChallenge),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
		jwt.WithLeeway(j.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrChallengeInvalid, err)
	}

	claims, ok := token.Claims.(*ChallengeClaims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, core.ErrChallengeInvalid
	}

	challenge := &core.Challenge{
		ID:        claims.ID,
		Identity:  core.Identity(claims.Subject),
		Nonce:     claims.Nonce,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		challenge.IssuedAt = claims.IssuedAt.Time
	}

	return challenge, nil
}
