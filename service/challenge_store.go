package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/wcsap/core"
	"github.com/layer-3/wcsap/ports"
)

const nonceBytes = 32

// IssuedChallenge is what a client receives for a challenge request
type IssuedChallenge struct {
	Handle    string // challenge_id on the wire
	Challenge *core.Challenge
}

// ChallengeStore issues single-use challenges and consumes them on verify
type ChallengeStore struct {
	repo      ports.ChallengeRepository
	tokenizer ports.ChallengeTokenizer
	domain    string
	chainID   int64
	ttl       time.Duration
	now       func() time.Time
}

// NewChallengeStore creates a challenge store. A nil tokenizer hands out the raw challenge ID.
func NewChallengeStore(repo ports.ChallengeRepository, tokenizer ports.ChallengeTokenizer, cfg Config) *ChallengeStore {
	return &ChallengeStore{
		repo:      repo,
		tokenizer: tokenizer,
		domain:    cfg.Domain,
		chainID:   cfg.ChainID,
		ttl:       cfg.ChallengeTTL,
		now:       time.Now,
	}
}

// Issue creates and stores a fresh challenge bound to identity
func (s *ChallengeStore) Issue(ctx context.Context, identity core.Identity) (*IssuedChallenge, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := s.now()
	challenge := &core.Challenge{
		ID:        uuid.New().String(),
		Identity:  identity,
		Nonce:     hex.EncodeToString(nonce),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	challenge.Message = core.BuildChallengeMessage(core.MessageParams{
		Domain:    s.domain,
		Identity:  identity,
		ChainID:   s.chainID,
		Nonce:     challenge.Nonce,
		ID:        challenge.ID,
		IssuedAt:  challenge.IssuedAt,
		ExpiresAt: challenge.ExpiresAt,
	})

	handle := challenge.ID
	if s.tokenizer != nil {
		token, err := s.tokenizer.ChallengeToToken(challenge)
		if err != nil {
			return nil, fmt.Errorf("failed to create challenge handle: %w", err)
		}
		handle = token
	}

	if err := s.repo.Create(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	return &IssuedChallenge{Handle: handle, Challenge: challenge}, nil
}

// Consume resolves a handle and removes the challenge it names.
// Forged handles are rejected before the repository is touched.
func (s *ChallengeStore) Consume(ctx context.Context, handle string) (*core.Challenge, error) {
	if handle == "" {
		return nil, core.ErrChallengeInvalid
	}

	if s.tokenizer == nil {
		return s.repo.Consume(ctx, handle)
	}

	claimed, err := s.tokenizer.TokenToChallenge(handle)
	if err != nil {
		return nil, err
	}
	challenge, err := s.repo.Consume(ctx, claimed.ID)
	if err != nil {
		return nil, err
	}
	if challenge.Nonce != claimed.Nonce || !challenge.Identity.Equal(claimed.Identity) {
		return nil, core.ErrChallengeInvalid
	}
	return challenge, nil
}
