package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/layer-3/wcsap/core"
	"github.com/layer-3/wcsap/internal/logging"
	"github.com/layer-3/wcsap/internal/metrics"
	"github.com/layer-3/wcsap/ports"
	"go.uber.org/zap"
)

const maxIdentityLength = 256

// Status is the answer to a status request
type Status struct {
	Authenticated bool
	Identity      core.Identity
	ExpiresAt     time.Time
}

// Option configures an AuthService
type Option func(*options)

type options struct {
	tokenizer ports.ChallengeTokenizer
	events    ports.EventPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// WithTokenizer wraps challenge IDs in signed handles
func WithTokenizer(tokenizer ports.ChallengeTokenizer) Option {
	return func(o *options) { o.tokenizer = tokenizer }
}

// WithEventPublisher publishes logout events
func WithEventPublisher(events ports.EventPublisher) Option {
	return func(o *options) { o.events = events }
}

// WithMetrics records protocol counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the service logger
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the time source used to stamp challenges and sessions
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// AuthService handles the challenge, verify, refresh, logout and status operations
type AuthService struct {
	challenges *ChallengeStore
	sessions   *SessionIssuer
	store      ports.SessionStore
	verifier   ports.SignatureVerifier
	events     ports.EventPublisher
	limiter    *ChallengeLimiter
	metrics    *metrics.Metrics
	logger     *zap.Logger

	storeTimeout time.Duration
}

// NewAuthService creates a new authentication service
func NewAuthService(
	challenges ports.ChallengeRepository,
	sessions ports.SessionStore,
	verifier ports.SignatureVerifier,
	cfg Config,
	opts ...Option,
) *AuthService {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New(nil)
	}

	s := &AuthService{
		challenges:   NewChallengeStore(challenges, o.tokenizer, cfg),
		sessions:     NewSessionIssuer(sessions, cfg),
		store:        sessions,
		verifier:     verifier,
		events:       o.events,
		limiter:      NewChallengeLimiter(cfg.ChallengeRate, cfg.ChallengeBurst),
		metrics:      o.metrics,
		logger:       logging.OrNop(o.logger).Named("auth"),
		storeTimeout: cfg.StoreTimeout,
	}
	if o.now != nil {
		s.challenges.now = o.now
		s.sessions.now = o.now
		if s.limiter != nil {
			s.limiter.now = o.now
		}
	}
	return s
}

// ParseIdentity validates and normalizes a claimed identity
func ParseIdentity(raw string) (core.Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxIdentityLength {
		return "", core.ErrInvalidIdentity
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", core.ErrInvalidIdentity
		}
	}
	return core.NormalizeIdentity(raw), nil
}

func (s *AuthService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

// logFailure logs infrastructure failures loudly and protocol rejections quietly
func (s *AuthService) logFailure(msg string, err error, fields ...zap.Field) {
	kind := core.KindOf(err)
	fields = append(fields, zap.String("error_kind", string(kind)), zap.Error(err))
	if kind == core.KindInternal {
		s.logger.Error(msg, fields...)
		return
	}
	s.logger.Debug(msg, fields...)
}

// Challenge issues a challenge bound to the claimed identity
func (s *AuthService) Challenge(ctx context.Context, rawIdentity string) (*IssuedChallenge, error) {
	identity, err := ParseIdentity(rawIdentity)
	if err != nil {
		return nil, err
	}

	if !s.limiter.Allow(identity) {
		s.logger.Info("challenge rate limited", zap.String("identity", identity.String()))
		return nil, core.ErrRateLimited
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	issued, err := s.challenges.Issue(ctx, identity)
	if err != nil {
		s.logFailure("failed to issue challenge", err, zap.String("identity", identity.String()))
		return nil, err
	}

	s.metrics.ChallengesIssued.Inc()
	s.logger.Debug("challenge issued",
		zap.String("identity", identity.String()),
		zap.String("challenge_id", issued.Challenge.ID),
	)
	return issued, nil
}

// Verify consumes the challenge and, if the signature proves ownership of the
// bound identity, issues a new session pair. The challenge is gone afterwards
// whatever the outcome.
func (s *AuthService) Verify(ctx context.Context, handle, signature, rawIdentity string) (core.TokenPair, error) {
	pair, err := s.verify(ctx, handle, signature, rawIdentity)
	s.metrics.Verifications.WithLabelValues(metrics.Result(string(core.KindOf(err)))).Inc()
	return pair, err
}

func (s *AuthService) verify(ctx context.Context, handle, signature, rawIdentity string) (core.TokenPair, error) {
	claimed, err := ParseIdentity(rawIdentity)
	if err != nil {
		return core.TokenPair{}, err
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	challenge, err := s.challenges.Consume(ctx, handle)
	if err != nil {
		s.logFailure("challenge rejected", err, zap.String("identity", claimed.String()))
		return core.TokenPair{}, err
	}

	if !challenge.Identity.Equal(claimed) || !s.verifier.Verify(challenge.Message, signature, claimed) {
		s.logger.Info("signature rejected",
			zap.String("identity", claimed.String()),
			zap.String("challenge_id", challenge.ID),
		)
		return core.TokenPair{}, core.ErrSignatureInvalid
	}

	pair, err := s.sessions.Issue(ctx, claimed)
	if err != nil {
		s.logFailure("failed to issue session", err, zap.String("identity", claimed.String()))
		return core.TokenPair{}, err
	}

	s.logger.Info("identity verified",
		zap.String("identity", claimed.String()),
		zap.String("challenge_id", challenge.ID),
	)
	return pair, nil
}

// Refresh rotates a refresh token into a new pair. When sessionToken is given it
// must be the session the refresh token was issued with.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, sessionToken string) (core.TokenPair, error) {
	pair, err := s.refresh(ctx, refreshToken, sessionToken)
	s.metrics.Refreshes.WithLabelValues(metrics.Result(string(core.KindOf(err)))).Inc()
	return pair, err
}

func (s *AuthService) refresh(ctx context.Context, refreshToken, sessionToken string) (core.TokenPair, error) {
	if refreshToken == "" {
		return core.TokenPair{}, core.ErrRefreshInvalid
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if sessionToken != "" {
		cred, err := s.store.GetByRefresh(ctx, refreshToken)
		if err != nil {
			s.logFailure("refresh rejected", err)
			return core.TokenPair{}, err
		}
		if cred.SessionHash != core.HashToken(sessionToken) {
			s.logger.Info("refresh token presented with foreign session",
				zap.String("identity", cred.Identity.String()))
			return core.TokenPair{}, core.ErrRefreshInvalid
		}
	}

	pair, err := s.sessions.Rotate(ctx, refreshToken)
	if err != nil {
		s.logFailure("refresh rejected", err)
		return core.TokenPair{}, err
	}

	s.logger.Debug("session rotated", zap.String("identity", pair.Session.Identity.String()))
	return pair, nil
}

// Authenticate returns the live session for a bearer token or core.ErrSessionInvalid
func (s *AuthService) Authenticate(ctx context.Context, sessionToken string) (*core.Session, error) {
	if sessionToken == "" {
		return nil, core.ErrSessionInvalid
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	session, err := s.store.Get(ctx, sessionToken)
	if err != nil {
		if !errors.Is(err, core.ErrSessionInvalid) {
			s.logFailure("failed to load session", err)
		}
		return nil, err
	}
	return session, nil
}

// Status reports whether sessionToken names a live session. Unknown and expired
// tokens are reported as unauthenticated rather than as errors.
func (s *AuthService) Status(ctx context.Context, sessionToken string) (Status, error) {
	session, err := s.Authenticate(ctx, sessionToken)
	if errors.Is(err, core.ErrSessionInvalid) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{
		Authenticated: true,
		Identity:      session.Identity,
		ExpiresAt:     session.ExpiresAt,
	}, nil
}

// Logout revokes a session and its refresh token. Revoking an unknown or
// already revoked session succeeds.
func (s *AuthService) Logout(ctx context.Context, sessionToken string) error {
	if sessionToken == "" {
		return nil
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	session, err := s.store.Get(ctx, sessionToken)
	if err != nil && !errors.Is(err, core.ErrSessionInvalid) {
		s.logFailure("failed to load session", err)
		return err
	}

	if err := s.store.Revoke(ctx, sessionToken); err != nil {
		s.logFailure("failed to revoke session", err)
		return err
	}
	s.metrics.Logouts.WithLabelValues("single").Inc()

	if session != nil {
		s.logger.Info("session revoked", zap.String("identity", session.Identity.String()))
		s.publishLogout(ctx, session.Identity, ports.ReasonLogout, 1)
	}
	return nil
}

// LogoutAll revokes every session of the identity that owns sessionToken and
// reports how many live sessions were removed.
func (s *AuthService) LogoutAll(ctx context.Context, sessionToken string) (int, error) {
	session, err := s.Authenticate(ctx, sessionToken)
	if err != nil {
		return 0, err
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	revoked, err := s.store.RevokeAll(ctx, session.Identity)
	if err != nil {
		s.logFailure("failed to revoke sessions", err, zap.String("identity", session.Identity.String()))
		return 0, err
	}
	s.metrics.Logouts.WithLabelValues("all").Inc()

	s.logger.Info("all sessions revoked",
		zap.String("identity", session.Identity.String()),
		zap.Int("revoked", revoked),
	)
	s.publishLogout(ctx, session.Identity, ports.ReasonLogoutAll, revoked)
	return revoked, nil
}

func (s *AuthService) publishLogout(ctx context.Context, identity core.Identity, reason string, revoked int) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishLogout(ctx, identity, reason, revoked); err != nil {
		s.logger.Warn("failed to publish logout event",
			zap.String("identity", identity.String()),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
