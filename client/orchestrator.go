// Package client drives the wallet login protocol from the client side.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/layer-3/wcsap/core"
	"github.com/layer-3/wcsap/internal/logging"
	"go.uber.org/zap"
)

var (
	// ErrLoginInProgress is returned when Login is called while another login is running
	ErrLoginInProgress = errors.New("login already in progress")
	// ErrSessionExpired is returned when a session could not be recovered by refreshing
	ErrSessionExpired = errors.New("session expired, please sign in again")
	// ErrNotAuthenticated is returned by authorized calls made without a session
	ErrNotAuthenticated = errors.New("not authenticated")
)

// State of the login state machine
type State int

const (
	StateDisconnected State = iota
	StateChallenged
	StateSigning
	StateVerifying
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateChallenged:
		return "CHALLENGED"
	case StateSigning:
		return "SIGNING"
	case StateVerifying:
		return "VERIFYING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Signer produces a personal-message signature for identity. It returns
// core.ErrUserRejected when the user declines and core.ErrSignerUnavailable
// when no wallet can sign.
type Signer interface {
	Sign(ctx context.Context, message string, identity core.Identity) (string, error)
}

// Connection reports which identity the wallet currently exposes
type Connection interface {
	CurrentIdentity() (core.Identity, bool)
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logging.OrNop(l) }
}

// WithStateListener is called after every state transition
func WithStateListener(fn func(from, to State)) Option {
	return func(o *Orchestrator) { o.listener = fn }
}

// Orchestrator is the client side state machine of one wallet
type Orchestrator struct {
	api      *APIClient
	signer   Signer
	conn     Connection
	cache    SessionCache
	logger   *zap.Logger
	listener func(from, to State)

	loggingIn atomic.Bool
	refreshMu sync.Mutex

	mu      sync.Mutex
	state   State
	failure core.ErrorKind
	session *CachedSession
	// epoch changes whenever the session is ended or replaced by a new login.
	// A rotation started under an older epoch is revoked instead of adopted.
	epoch uint64
}

// New creates an orchestrator. signer and conn may be nil for a session-only
// client that can resume, refresh and log out but never sign in.
func New(api *APIClient, signer Signer, conn Connection, cache SessionCache, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:    api,
		signer: signer,
		conn:   conn,
		cache:  cache,
		logger: zap.NewNop(),
		state:  StateDisconnected,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// FailureReason returns the kind of the last failure while in StateFailed
func (o *Orchestrator) FailureReason() core.ErrorKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failure
}

// Session returns a copy of the current session, if any
func (o *Orchestrator) Session() (CachedSession, bool) {
	session, ok, _ := o.snapshot()
	return session, ok
}

func (o *Orchestrator) snapshot() (CachedSession, bool, uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return CachedSession{}, false, o.epoch
	}
	return *o.session, true, o.epoch
}

func (o *Orchestrator) currentEpoch() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch
}

func (o *Orchestrator) nextEpoch() {
	o.mu.Lock()
	o.epoch++
	o.mu.Unlock()
}

func (o *Orchestrator) transition(to State, failure core.ErrorKind, session *CachedSession) {
	o.mu.Lock()
	from, listener := o.setLocked(to, failure, session)
	o.mu.Unlock()
	o.notify(from, to, listener)
}

func (o *Orchestrator) setLocked(to State, failure core.ErrorKind, session *CachedSession) (State, func(from, to State)) {
	from := o.state
	o.state = to
	o.failure = failure
	if to == StateAuthenticated {
		o.session = session
	} else {
		o.session = nil
	}
	return from, o.listener
}

func (o *Orchestrator) notify(from, to State, listener func(from, to State)) {
	if from != to {
		o.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		if listener != nil {
			listener(from, to)
		}
	}
}

func (o *Orchestrator) setState(to State) {
	o.transition(to, core.KindNone, nil)
}

func (o *Orchestrator) clearCache(identity core.Identity) {
	if identity == "" {
		return
	}
	if err := o.cache.Clear(identity); err != nil {
		o.logger.Warn("failed to clear session cache", zap.Error(err))
	}
}

// Login signs in the identity the connection exposes. Concurrent calls are
// rejected with ErrLoginInProgress. Cancelling ctx before verification
// completes abandons the attempt and leaves the challenge to expire.
func (o *Orchestrator) Login(ctx context.Context) error {
	if !o.loggingIn.CompareAndSwap(false, true) {
		return ErrLoginInProgress
	}
	defer o.loggingIn.Store(false)

	if o.conn == nil || o.signer == nil {
		return o.fail("", core.ErrSignerUnavailable)
	}
	identity, ok := o.conn.CurrentIdentity()
	if !ok || identity == "" {
		return o.fail("", core.ErrSignerUnavailable)
	}
	identity = core.NormalizeIdentity(identity.String())
	o.nextEpoch()

	// a new login replaces whatever was cached for this or any other identity
	if _, err := o.cache.Load(identity); err != nil {
		o.logger.Warn("failed to read session cache", zap.Error(err))
	}
	o.clearCache(identity)

	challenge, err := o.api.Challenge(ctx, identity)
	if err != nil {
		return o.fail(identity, err)
	}
	o.setState(StateChallenged)

	o.setState(StateSigning)
	signature, err := o.signer.Sign(ctx, challenge.Message, identity)
	if err != nil {
		return o.fail(identity, err)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(identity, err)
	}

	o.setState(StateVerifying)
	creds, err := o.api.Verify(ctx, challenge.ChallengeID, signature, identity)
	if err != nil {
		return o.fail(identity, err)
	}
	if !core.NormalizeIdentity(creds.Identity).Equal(identity) {
		return o.fail(identity, fmt.Errorf("%w: server issued session for another identity", core.ErrTransport))
	}

	session := cachedFromCredentials(creds)
	if err := o.cache.Save(session); err != nil {
		return o.fail(identity, fmt.Errorf("failed to persist session: %w", err))
	}

	o.transition(StateAuthenticated, core.KindNone, &session)
	o.logger.Info("signed in", zap.String("identity", identity.String()))
	return nil
}

// fail clears partial state and moves to FAILED, or back to DISCONNECTED when
// the caller abandoned the attempt
func (o *Orchestrator) fail(identity core.Identity, err error) error {
	o.clearCache(identity)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		o.setState(StateDisconnected)
		return err
	}

	kind := core.KindOf(err)
	if kind == core.KindInternal {
		kind = core.KindTransport
	}
	o.transition(StateFailed, kind, nil)
	o.logger.Info("sign in failed", zap.String("error_kind", string(kind)), zap.Error(err))
	return err
}

// Resume restores a cached session without asking for a signature. An
// unusable session is cleared and leaves the orchestrator DISCONNECTED.
// Transport failures keep the cache so a later Resume can try again.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	epoch := o.currentEpoch()
	cached, err := o.loadCached()
	if err != nil {
		return err
	}
	if cached == nil {
		o.setState(StateDisconnected)
		return nil
	}

	status, err := o.api.Status(ctx, cached.SessionToken)
	if err != nil {
		o.setState(StateDisconnected)
		return err
	}
	if status.Authenticated && core.NormalizeIdentity(status.Identity).Equal(cached.Identity) {
		if status.ExpiresAt != nil {
			cached.ExpiresAt = *status.ExpiresAt
		}
		o.transition(StateAuthenticated, core.KindNone, cached)
		return nil
	}

	next, err := o.api.Refresh(ctx, cached.RefreshToken, cached.SessionToken)
	if err != nil {
		o.setState(StateDisconnected)
		if core.Retryable(err) {
			return err
		}
		o.clearCache(cached.Identity)
		return nil
	}
	return o.adopt(ctx, epoch, cached.Identity, next)
}

func (o *Orchestrator) loadCached() (*CachedSession, error) {
	if o.conn != nil {
		if identity, ok := o.conn.CurrentIdentity(); ok && identity != "" {
			return o.cache.Load(core.NormalizeIdentity(identity.String()))
		}
	}
	return o.cache.Active()
}

// adopt persists a rotated pair and moves to AUTHENTICATED. If the session
// was ended after epoch was read, the pair is revoked on the server instead.
func (o *Orchestrator) adopt(ctx context.Context, epoch uint64, identity core.Identity, creds *Credentials) error {
	session := cachedFromCredentials(creds)
	if !session.Identity.Equal(identity) {
		o.clearCache(identity)
		o.setState(StateDisconnected)
		return fmt.Errorf("%w: server rotated session into another identity", core.ErrTransport)
	}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		o.logger.Debug("discarding rotation for an ended session", zap.String("identity", identity.String()))
		o.revoke(ctx, creds.SessionToken)
		return ErrNotAuthenticated
	}
	if err := o.cache.Save(session); err != nil {
		from, listener := o.setLocked(StateDisconnected, core.KindNone, nil)
		o.mu.Unlock()
		o.notify(from, StateDisconnected, listener)
		return fmt.Errorf("failed to persist session: %w", err)
	}
	from, listener := o.setLocked(StateAuthenticated, core.KindNone, &session)
	o.mu.Unlock()
	o.notify(from, StateAuthenticated, listener)
	return nil
}

// revoke ends a server session the orchestrator no longer tracks
func (o *Orchestrator) revoke(ctx context.Context, sessionToken string) {
	if err := o.api.Logout(context.WithoutCancel(ctx), sessionToken); err != nil {
		o.logger.Warn("failed to revoke discarded session", zap.Error(err))
	}
}

// refresh exchanges the refresh token paired with staleToken. Concurrent
// callers that saw the same stale token share one rotation.
func (o *Orchestrator) refresh(ctx context.Context, staleToken string) (string, error) {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	current, ok, epoch := o.snapshot()
	if !ok {
		return "", ErrSessionExpired
	}
	if current.SessionToken != staleToken {
		return current.SessionToken, nil
	}

	creds, err := o.api.Refresh(ctx, current.RefreshToken, current.SessionToken)
	if err != nil {
		if core.Retryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		o.expire(current.Identity)
		return "", ErrSessionExpired
	}
	if err := o.adopt(ctx, epoch, current.Identity, creds); err != nil {
		return "", err
	}
	o.logger.Debug("session refreshed", zap.String("identity", current.Identity.String()))
	return creds.SessionToken, nil
}

// expire ends the session locally. Rotations already in flight are not adopted.
func (o *Orchestrator) expire(identity core.Identity) {
	o.nextEpoch()
	o.clearCache(identity)
	o.setState(StateDisconnected)
}

// authorized runs call with the session token. On core.ErrSessionInvalid it
// refreshes once and retries; a second rejection ends the session.
func (o *Orchestrator) authorized(ctx context.Context, call func(ctx context.Context, sessionToken string) error) error {
	session, ok := o.Session()
	if !ok {
		return ErrNotAuthenticated
	}

	err := call(ctx, session.SessionToken)
	if !errors.Is(err, core.ErrSessionInvalid) {
		return err
	}

	token, err := o.refresh(ctx, session.SessionToken)
	if err != nil {
		return err
	}

	err = call(ctx, token)
	if errors.Is(err, core.ErrSessionInvalid) {
		o.expire(session.Identity)
		return ErrSessionExpired
	}
	return err
}

// NewRequest builds a request against the server the orchestrator talks to
func (o *Orchestrator) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, o.api.BaseURL()+path, body)
}

// Do sends req with the session token attached. An authorization failure
// triggers exactly one refresh-and-retry; if that fails too the session is
// dropped and ErrSessionExpired returned. Request bodies must be replayable.
func (o *Orchestrator) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := o.authorized(ctx, func(ctx context.Context, token string) error {
		r, err := o.api.send(ctx, req, token)
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Logout revokes the session on the server and clears it locally. Local
// state is cleared even if the server cannot be reached. A refresh in
// flight completes first so the pair it produced is the one revoked.
func (o *Orchestrator) Logout(ctx context.Context) error {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	session, ok := o.Session()
	if !ok {
		cached, err := o.cache.Active()
		if err != nil || cached == nil {
			o.setState(StateDisconnected)
			return err
		}
		session = *cached
	}

	o.expire(session.Identity)
	return o.api.Logout(ctx, session.SessionToken)
}

// LogoutAll revokes every session of the signed in identity and reports how many were live
func (o *Orchestrator) LogoutAll(ctx context.Context) (int, error) {
	session, ok := o.Session()
	if !ok {
		return 0, ErrNotAuthenticated
	}

	var revoked int
	err := o.authorized(ctx, func(ctx context.Context, token string) error {
		n, err := o.api.LogoutAll(ctx, token)
		revoked = n
		return err
	})
	if err != nil {
		return 0, err
	}

	o.expire(session.Identity)
	return revoked, nil
}
