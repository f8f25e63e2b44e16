package service

import (
	"fmt"
	"time"
)

// Config holds the protocol parameters of the auth service
type Config struct {
	Domain  string
	ChainID int64

	ChallengeTTL time.Duration
	SessionTTL   time.Duration
	RefreshTTL   time.Duration

	// StoreTimeout bounds every store call. Zero means no extra bound.
	StoreTimeout time.Duration

	// ChallengeRate is the number of challenges per minute one identity may request.
	// Zero disables throttling.
	ChallengeRate  float64
	ChallengeBurst int
}

// DefaultConfig returns the protocol defaults
func DefaultConfig() Config {
	return Config{
		Domain:       "localhost",
		ChainID:      1,
		ChallengeTTL: 5 * time.Minute,
		SessionTTL:   15 * time.Minute,
		RefreshTTL:   5 * 24 * time.Hour, // 5 days
		StoreTimeout: 2 * time.Second,
	}
}

// Validate checks that the lifetimes make sense together
func (c Config) Validate() error {
	switch {
	case c.ChallengeTTL <= 0:
		return fmt.Errorf("challenge TTL must be positive, got %s", c.ChallengeTTL)
	case c.SessionTTL <= 0:
		return fmt.Errorf("session TTL must be positive, got %s", c.SessionTTL)
	case c.RefreshTTL <= 0:
		return fmt.Errorf("refresh TTL must be positive, got %s", c.RefreshTTL)
	case c.SessionTTL >= c.RefreshTTL:
		return fmt.Errorf("session TTL %s must be shorter than refresh TTL %s", c.SessionTTL, c.RefreshTTL)
	case c.StoreTimeout < 0:
		return fmt.Errorf("store timeout must not be negative, got %s", c.StoreTimeout)
	case c.ChallengeRate < 0:
		return fmt.Errorf("challenge rate must not be negative, got %v", c.ChallengeRate)
	}
	return nil
}
