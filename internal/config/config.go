// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/layer-3/wcsap/service"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config contains runtime configuration values.
type Config struct {
	Environment      string
	HTTPAddr         string
	Store            string
	RedisURL         string
	DatabaseURL      string
	ChallengeTTL     time.Duration
	SessionTTL       time.Duration
	RefreshTTL       time.Duration
	Domain           string
	ChainID          int64
	ChallengeKeyFile string
	ChallengeRate    float64
	ChallengeBurst   int
	Events           bool
	StoreTimeout     time.Duration
	SweepInterval    time.Duration
}

// Development reports whether development logging should be used
func (c Config) Development() bool {
	return c.Environment == "development"
}

// Service returns the protocol parameters for the auth service
func (c Config) Service() service.Config {
	return service.Config{
		Domain:         c.Domain,
		ChainID:        c.ChainID,
		ChallengeTTL:   c.ChallengeTTL,
		SessionTTL:     c.SessionTTL,
		RefreshTTL:     c.RefreshTTL,
		StoreTimeout:   c.StoreTimeout,
		ChallengeRate:  c.ChallengeRate,
		ChallengeBurst: c.ChallengeBurst,
	}
}

// Validate checks the combination of values
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Events && c.RedisURL == "" {
		return errors.New("REDIS_URL is required when events are enabled")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	return c.Service().Validate()
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	p := &parser{}
	defaults := service.DefaultConfig()

	cfg := Config{
		Environment:      getEnv("WCSAP_ENV", "production"),
		HTTPAddr:         getEnv("WCSAP_HTTP_ADDR", ":9000"),
		Store:            strings.ToLower(getEnv("WCSAP_STORE", StoreMemory)),
		RedisURL:         os.Getenv("REDIS_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		ChallengeTTL:     p.duration("WCSAP_CHALLENGE_TTL", defaults.ChallengeTTL),
		SessionTTL:       p.duration("WCSAP_SESSION_TTL", defaults.SessionTTL),
		RefreshTTL:       p.duration("WCSAP_REFRESH_TTL", defaults.RefreshTTL),
		Domain:           getEnv("WCSAP_DOMAIN", defaults.Domain),
		ChainID:          p.integer("WCSAP_CHAIN_ID", defaults.ChainID),
		ChallengeKeyFile: os.Getenv("WCSAP_CHALLENGE_KEY_FILE"),
		ChallengeRate:    p.number("WCSAP_CHALLENGE_RATE", 0),
		ChallengeBurst:   int(p.integer("WCSAP_CHALLENGE_BURST", 5)),
		Events:           p.boolean("WCSAP_EVENTS", false),
		StoreTimeout:     p.duration("WCSAP_STORE_TIMEOUT", defaults.StoreTimeout),
		SweepInterval:    p.duration("WCSAP_SWEEP_INTERVAL", time.Minute),
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// parser collects malformed values instead of silently falling back to defaults
type parser struct {
	errs []error
}

func (p *parser) fail(key, v string, err error) {
	p.errs = append(p.errs, fmt.Errorf("invalid %s=%q: %w", key, v, err))
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) integer(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) number(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	}
	p.fail(key, v, errors.New("not a boolean"))
	return def
}
