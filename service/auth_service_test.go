package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/layer-3/wcsap/adapters/events"
	"github.com/layer-3/wcsap/adapters/store"
	"github.com/layer-3/wcsap/adapters/tokenizer"
	"github.com/layer-3/wcsap/adapters/verifier"
	"github.com/layer-3/wcsap/adapters/wallet"
	"github.com/layer-3/wcsap/core"
	"github.com/layer-3/wcsap/internal/metrics"
	"github.com/layer-3/wcsap/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc     *AuthService
	store   *store.MemoryStore
	clock   *fakeClock
	signer  *wallet.KeySigner
	tok     *tokenizer.JWTTokenizer
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()

	clock := newFakeClock()
	mem := store.NewMemoryStore(store.WithClock(clock.Now))

	key, err := tokenizer.GenerateSigningKey()
	require.NoError(t, err)
	signer, err := wallet.GenerateKeySigner()
	require.NoError(t, err)

	tok := tokenizer.NewJWTTokenizer(key, tokenizer.WithTimeFunc(clock.Now))
	m := metrics.New(prometheus.NewRegistry())
	opts = append([]Option{
		WithTokenizer(tok),
		WithMetrics(m),
		WithClock(clock.Now),
	}, opts...)

	return &testEnv{
		svc:     NewAuthService(mem, mem, verifier.NewEthVerifier(), cfg, opts...),
		store:   mem,
		clock:   clock,
		signer:  signer,
		tok:     tok,
		metrics: m,
	}
}

func (e *testEnv) identity() core.Identity {
	id, _ := e.signer.CurrentIdentity()
	return id
}

func (e *testEnv) login(t *testing.T) core.TokenPair {
	t.Helper()
	ctx := context.Background()

	issued, err := e.svc.Challenge(ctx, e.identity().String())
	require.NoError(t, err)
	sig, err := e.signer.Sign(ctx, issued.Challenge.Message, e.identity())
	require.NoError(t, err)

	pair, err := e.svc.Verify(ctx, issued.Handle, sig, e.identity().String())
	require.NoError(t, err)
	return pair
}

func TestLoginAndStatus(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	// the claimed identity arrives checksummed and still matches the lower-case binding
	upper := "0x" + strings.ToUpper(strings.TrimPrefix(env.identity().String(), "0x"))
	issued, err := env.svc.Challenge(ctx, upper)
	require.NoError(t, err)
	assert.Equal(t, env.identity(), issued.Challenge.Identity)
	assert.Contains(t, issued.Challenge.Message, issued.Challenge.Nonce)
	assert.Len(t, issued.Challenge.Nonce, 64)
	assert.NotEqual(t, issued.Challenge.ID, issued.Handle)

	sig, err := env.signer.Sign(ctx, issued.Challenge.Message, env.identity())
	require.NoError(t, err)

	pair, err := env.svc.Verify(ctx, issued.Handle, sig, upper)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Session.Token)
	assert.NotEmpty(t, pair.Refresh.Token)
	assert.NotEqual(t, pair.Session.Token, pair.Refresh.Token)
	assert.Equal(t, env.clock.Now().Add(15*time.Minute), pair.Session.ExpiresAt)

	status, err := env.svc.Status(ctx, pair.Session.Token)
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	assert.Equal(t, env.identity(), status.Identity)
	assert.Equal(t, pair.Session.ExpiresAt, status.ExpiresAt)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ChallengesIssued))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Verifications.WithLabelValues("ok")))
}

func TestVerifyConsumesChallenge(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	issued, err := env.svc.Challenge(ctx, env.identity().String())
	require.NoError(t, err)
	sig, err := env.signer.Sign(ctx, issued.Challenge.Message, env.identity())
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, issued.Handle, sig, env.identity().String())
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, issued.Handle, sig, env.identity().String())
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)
}

func TestVerifyFailureStillConsumes(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	issued, err := env.svc.Challenge(ctx, env.identity().String())
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, issued.Handle, "0xdeadbeef", env.identity().String())
	assert.ErrorIs(t, err, core.ErrSignatureInvalid)

	sig, err := env.signer.Sign(ctx, issued.Challenge.Message, env.identity())
	require.NoError(t, err)
	_, err = env.svc.Verify(ctx, issued.Handle, sig, env.identity().String())
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)
}

func TestVerifySignatureForOtherChallenge(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	first, err := env.svc.Challenge(ctx, env.identity().String())
	require.NoError(t, err)
	second, err := env.svc.Challenge(ctx, env.identity().String())
	require.NoError(t, err)

	sig, err := env.signer.Sign(ctx, second.Challenge.Message, env.identity())
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, first.Handle, sig, env.identity().String())
	assert.ErrorIs(t, err, core.ErrSignatureInvalid)

	// the challenge whose message was signed was never submitted and is still usable
	_, err = env.svc.Verify(ctx, second.Handle, sig, env.identity().String())
	assert.NoError(t, err)
}

func TestVerifyBindingMismatch(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	other, err := wallet.GenerateKeySigner()
	require.NoError(t, err)
	otherID, _ := other.CurrentIdentity()

	issued, err := env.svc.Challenge(ctx, env.identity().String())
	require.NoError(t, err)

	// a valid signature by another wallet over the message does not satisfy the binding
	sig, err := other.Sign(ctx, issued.Challenge.Message, otherID)
	require.NoError(t, err)
	_, err = env.svc.Verify(ctx, issued.Handle, sig, otherID.String())
	assert.ErrorIs(t, err, core.ErrSignatureInvalid)
}

func TestVerifyExpiredChallenge(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	issued, err := env.svc.Challenge(ctx, env.identity().String())
	require.NoError(t, err)
	sig, err := env.signer.Sign(ctx, issued.Challenge.Message, env.identity())
	require.NoError(t, err)

	env.clock.Advance(5 * time.Minute)

	_, err = env.svc.Verify(ctx, issued.Handle, sig, env.identity().String())
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)
}

func TestVerifyForgedHandle(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	issued, err := env.svc.Challenge(ctx, env.identity().String())
	require.NoError(t, err)
	sig, err := env.signer.Sign(ctx, issued.Challenge.Message, env.identity())
	require.NoError(t, err)

	// the raw ID is not a valid handle when handles are signed
	_, err = env.svc.Verify(ctx, issued.Challenge.ID, sig, env.identity().String())
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)

	_, err = env.svc.Verify(ctx, issued.Handle, sig, env.identity().String())
	assert.NoError(t, err)
}

func TestVerifyFollowsInjectedClock(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.clock.Advance(-time.Hour)

	pair := env.login(t)
	assert.Equal(t, env.identity(), pair.Session.Identity)
}

func TestVerifyHandleMustMatchStoredChallenge(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	issued, err := env.svc.Challenge(ctx, env.identity().String())
	require.NoError(t, err)
	sig, err := env.signer.Sign(ctx, issued.Challenge.Message, env.identity())
	require.NoError(t, err)

	tampered := *issued.Challenge
	tampered.Nonce = "00"
	handle, err := env.tok.ChallengeToToken(&tampered)
	require.NoError(t, err)

	_, err = env.svc.Verify(ctx, handle, sig, env.identity().String())
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)

	// the stored challenge was consumed by the attempt
	_, err = env.svc.Verify(ctx, issued.Handle, sig, env.identity().String())
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)
}

func TestChallengeRejectsBadIdentity(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	for _, raw := range []string{"", "   ", "0xabc\nNonce: 1", strings.Repeat("a", maxIdentityLength+1)} {
		_, err := env.svc.Challenge(context.Background(), raw)
		assert.ErrorIs(t, err, core.ErrInvalidIdentity, "identity %q", raw)
	}
}

func TestRefreshRotates(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()
	pair := env.login(t)

	next, err := env.svc.Refresh(ctx, pair.Refresh.Token, pair.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, env.identity(), next.Session.Identity)

	status, err := env.svc.Status(ctx, pair.Session.Token)
	require.NoError(t, err)
	assert.False(t, status.Authenticated)

	status, err = env.svc.Status(ctx, next.Session.Token)
	require.NoError(t, err)
	assert.True(t, status.Authenticated)

	_, err = env.svc.Refresh(ctx, pair.Refresh.Token, "")
	assert.ErrorIs(t, err, core.ErrRefreshInvalid)
}

func TestRefreshRejectsForeignSession(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()
	first := env.login(t)
	second := env.login(t)

	_, err := env.svc.Refresh(ctx, first.Refresh.Token, second.Session.Token)
	assert.ErrorIs(t, err, core.ErrRefreshInvalid)

	// the mismatch does not burn the refresh token
	_, err = env.svc.Refresh(ctx, first.Refresh.Token, first.Session.Token)
	assert.NoError(t, err)
}

func TestRefreshWorksAfterSessionExpiry(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()
	pair := env.login(t)

	env.clock.Advance(16 * time.Minute)

	status, err := env.svc.Status(ctx, pair.Session.Token)
	require.NoError(t, err)
	assert.False(t, status.Authenticated)

	next, err := env.svc.Refresh(ctx, pair.Refresh.Token, pair.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(15*time.Minute), next.Session.ExpiresAt)
}

func TestRefreshExpired(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	pair := env.login(t)

	env.clock.Advance(5 * 24 * time.Hour)

	_, err := env.svc.Refresh(context.Background(), pair.Refresh.Token, "")
	assert.ErrorIs(t, err, core.ErrRefreshInvalid)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Refreshes.WithLabelValues("refresh_invalid")))
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	pair := env.login(t)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []core.TokenPair
		losers  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := env.svc.Refresh(context.Background(), pair.Refresh.Token, "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, core.ErrRefreshInvalid)
				losers++
				return
			}
			winners = append(winners, next)
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, callers-1, losers)

	status, err := env.svc.Status(context.Background(), winners[0].Session.Token)
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
}

func TestLogoutIsIdempotent(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()
	pair := env.login(t)

	require.NoError(t, env.svc.Logout(ctx, pair.Session.Token))
	require.NoError(t, env.svc.Logout(ctx, pair.Session.Token))
	require.NoError(t, env.svc.Logout(ctx, ""))

	status, err := env.svc.Status(ctx, pair.Session.Token)
	require.NoError(t, err)
	assert.False(t, status.Authenticated)

	_, err = env.svc.Refresh(ctx, pair.Refresh.Token, "")
	assert.ErrorIs(t, err, core.ErrRefreshInvalid)
}

func TestStatusUnknownToken(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	status, err := env.svc.Status(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, status.Authenticated)
	assert.Empty(t, status.Identity)
}

func TestLogoutAllPublishesEvent(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 4}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, events.LogoutTopic)
	require.NoError(t, err)

	env := newTestEnv(t, DefaultConfig(), WithEventPublisher(events.NewWatermillPublisher(pubSub)))
	first := env.login(t)
	second := env.login(t)

	revoked, err := env.svc.LogoutAll(ctx, first.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, 2, revoked)

	for _, token := range []string{first.Session.Token, second.Session.Token} {
		status, err := env.svc.Status(ctx, token)
		require.NoError(t, err)
		assert.False(t, status.Authenticated)
	}

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, ports.ReasonLogoutAll, msg.Metadata.Get("reason"))
	case <-ctx.Done():
		t.Fatal("logout event was not published")
	}

	_, err = env.svc.LogoutAll(ctx, first.Session.Token)
	assert.ErrorIs(t, err, core.ErrSessionInvalid)
}

type failingPublisher struct{}

func (failingPublisher) PublishLogout(context.Context, core.Identity, string, int) error {
	return errors.New("broker down")
}

func TestLogoutSurvivesPublishFailure(t *testing.T) {
	obsCore, logs := observer.New(zapcore.WarnLevel)
	env := newTestEnv(t, DefaultConfig(),
		WithEventPublisher(failingPublisher{}),
		WithLogger(zap.New(obsCore)),
	)
	pair := env.login(t)

	require.NoError(t, env.svc.Logout(context.Background(), pair.Session.Token))
	assert.Equal(t, 1, logs.FilterMessage("failed to publish logout event").Len())
}

func TestChallengeRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChallengeRate = 6 // one every ten seconds
	cfg.ChallengeBurst = 2
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	id := env.identity().String()

	for i := 0; i < 2; i++ {
		_, err := env.svc.Challenge(ctx, id)
		require.NoError(t, err)
	}
	_, err := env.svc.Challenge(ctx, id)
	assert.ErrorIs(t, err, core.ErrRateLimited)

	// other identities have their own bucket
	_, err = env.svc.Challenge(ctx, "0x0000000000000000000000000000000000000001")
	assert.NoError(t, err)

	env.clock.Advance(10 * time.Second)
	_, err = env.svc.Challenge(ctx, id)
	assert.NoError(t, err)
}

type slowStore struct {
	*store.MemoryStore
}

func (s slowStore) Create(ctx context.Context, challenge *core.Challenge) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStoreTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoreTimeout = 10 * time.Millisecond

	mem := slowStore{store.NewMemoryStore()}
	svc := NewAuthService(mem, mem, verifier.NewEthVerifier(), cfg)

	_, err := svc.Challenge(context.Background(), "0xabc")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, core.KindInternal, core.KindOf(err))
}
