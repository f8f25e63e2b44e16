package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/layer-3/wcsap/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flaky answers the first n requests to path with respond instead of passing them on
func flaky(path string, n int32, respond func(w http.ResponseWriter), hits *atomic.Int32) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == path && hits.Add(1) <= n {
				respond(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func TestChallengeRetriesTransportFailures(t *testing.T) {
	responses := map[string]func(w http.ResponseWriter){
		"bad gateway": func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) },
		"empty body":  func(w http.ResponseWriter) { w.WriteHeader(http.StatusOK) },
		"garbage":     func(w http.ResponseWriter) { _, _ = w.Write([]byte("<html>captive portal</html>")) },
		"internal": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"success":false,"error_kind":"internal"}`))
		},
	}
	for name, respond := range responses {
		t.Run(name, func(t *testing.T) {
			var hits atomic.Int32
			backend := newBackend(t, flaky("/auth/challenge", 2, respond, &hits))
			o := backend.orchestrator(newSigner(t), NewMemoryCache())

			require.NoError(t, o.Login(context.Background()))
			assert.EqualValues(t, 3, hits.Load())
			assert.Equal(t, StateAuthenticated, o.State())
		})
	}
}

func TestChallengeGivesUpAfterThreeAttempts(t *testing.T) {
	var hits atomic.Int32
	backend := newBackend(t, flaky("/auth/challenge", 100, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, &hits))
	signer := newSigner(t)
	o := backend.orchestrator(signer, NewMemoryCache())

	err := o.Login(context.Background())
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, StateFailed, o.State())
	assert.Equal(t, core.KindTransport, o.FailureReason())
	assert.Zero(t, signer.calls.Load())
}

func TestProtocolErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	backend := newBackend(t, flaky("/auth/verify", 100, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"error_kind":"signature_invalid"}`))
	}, &hits))
	o := backend.orchestrator(newSigner(t), NewMemoryCache())

	err := o.Login(context.Background())
	assert.ErrorIs(t, err, core.ErrSignatureInvalid)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, core.KindSignatureInvalid, o.FailureReason())
}

func TestRefreshIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	backend := newBackend(t, flaky("/auth/refresh", 100, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadGateway)
	}, &hits))

	_, err := NewAPIClient(backend.server.URL, WithRetryPolicy(fastRetry())).Refresh(context.Background(), "r", "")
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.EqualValues(t, 1, hits.Load())
}

func TestResumeRetriesUnusableStatus(t *testing.T) {
	bodies := map[string]string{
		"null":                  "null",
		"missing authenticated": `{"identity":"0xabc"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			var hits atomic.Int32
			backend := newBackend(t, flaky("/auth/status", 2, func(w http.ResponseWriter) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(body))
			}, &hits))
			cache := NewMemoryCache()
			require.NoError(t, backend.orchestrator(newSigner(t), cache).Login(context.Background()))
			before, _ := cache.Active()

			o := backend.orchestrator(nil, cache)
			require.NoError(t, o.Resume(context.Background()))
			assert.EqualValues(t, 3, hits.Load())
			assert.Equal(t, StateAuthenticated, o.State())

			// the refresh token was not spent
			after, _ := o.Session()
			assert.Equal(t, before.SessionToken, after.SessionToken)
			assert.Equal(t, before.RefreshToken, after.RefreshToken)
		})
	}
}

func TestResumeKeepsCacheWhenStatusStaysUnusable(t *testing.T) {
	var hits atomic.Int32
	backend := newBackend(t, flaky("/auth/status", 100, func(w http.ResponseWriter) {
		_, _ = w.Write([]byte("null"))
	}, &hits))
	cache := NewMemoryCache()
	require.NoError(t, backend.orchestrator(newSigner(t), cache).Login(context.Background()))

	o := backend.orchestrator(nil, cache)
	err := o.Resume(context.Background())
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.Equal(t, StateDisconnected, o.State())

	cached, _ := cache.Active()
	assert.NotNil(t, cached)
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"challenge invalid", http.StatusUnauthorized, `{"success":false,"error_kind":"challenge_invalid"}`, core.ErrChallengeInvalid},
		{"refresh invalid", http.StatusUnauthorized, `{"success":false,"error_kind":"refresh_invalid"}`, core.ErrRefreshInvalid},
		{"rate limited", http.StatusTooManyRequests, `{"success":false,"error_kind":"rate_limited"}`, core.ErrRateLimited},
		{"bare unauthorized", http.StatusUnauthorized, ``, core.ErrSessionInvalid},
		{"unknown kind", http.StatusBadRequest, `{"success":false,"error_kind":"teapot"}`, core.ErrTransport},
		{"malformed success", http.StatusOK, `{"authenticated":`, core.ErrTransport},
		{"whitespace success", http.StatusOK, " \n", core.ErrTransport},
		{"null success", http.StatusOK, "null", core.ErrTransport},
		{"array success", http.StatusOK, "[]", core.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rec.WriteHeader(tt.status)
			_, _ = rec.WriteString(tt.body)

			var out Status
			err := decodeResponse(rec.Result(), &out)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLinearBackoff(t *testing.T) {
	b := RetryPolicy{Attempts: 3, Step: 100 * time.Millisecond}.backoff()

	d, stop := b.Next()
	assert.False(t, stop)
	assert.Equal(t, 100*time.Millisecond, d)

	d, stop = b.Next()
	assert.False(t, stop)
	assert.Equal(t, 200*time.Millisecond, d)

	_, stop = b.Next()
	assert.True(t, stop)
}

func TestCallHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewAPIClient(srv.URL).Status(ctx, "token")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, strings.Contains(err.Error(), "retryable"))
}
