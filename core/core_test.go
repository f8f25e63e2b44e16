package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIdentity(t *testing.T) {
	assert.Equal(t, Identity("0xabcdef"), NormalizeIdentity("  0xAbCdEf "))
	assert.True(t, Identity("0xABC").Equal("0xabc"))
	assert.False(t, Identity("0xabc").Equal("0xabd"))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{ErrChallengeInvalid, KindChallengeInvalid},
		{fmt.Errorf("consume: %w", ErrChallengeInvalid), KindChallengeInvalid},
		{fmt.Errorf("verify: %w", ErrSignatureInvalid), KindSignatureInvalid},
		{ErrRefreshInvalid, KindRefreshInvalid},
		{ErrUserRejected, KindUserRejected},
		{ErrSignerUnavailable, KindSignerUnavailable},
		{fmt.Errorf("dial: %w", ErrTransport), KindTransport},
		{ErrRateLimited, KindRateLimited},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "error %v", tt.err)
	}
}

func TestErrorForKindRoundTrip(t *testing.T) {
	for _, kind := range []ErrorKind{KindChallengeInvalid, KindSignatureInvalid, KindRefreshInvalid, KindTransport} {
		assert.Equal(t, kind, KindOf(ErrorForKind(kind)))
	}
	assert.Nil(t, ErrorForKind("nonsense"))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(fmt.Errorf("x: %w", ErrTransport)))
	assert.False(t, Retryable(ErrUserRejected))
	assert.False(t, Retryable(ErrSignatureInvalid))
}

func TestExpiry(t *testing.T) {
	now := time.Now()
	c := &Challenge{ExpiresAt: now}
	assert.True(t, c.Expired(now))
	assert.False(t, c.Expired(now.Add(-time.Second)))

	s := &Session{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Minute)))
}

func TestBuildChallengeMessage(t *testing.T) {
	issued := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := BuildChallengeMessage(MessageParams{
		Domain:    "app.example",
		Identity:  "0xabc",
		ChainID:   1,
		Nonce:     "n0nce",
		ID:        "id-1",
		IssuedAt:  issued,
		ExpiresAt: issued.Add(5 * time.Minute),
	})

	assert.True(t, strings.HasPrefix(msg, "app.example wants you to sign in with your wallet:\n0xabc\n"))
	assert.Contains(t, msg, "Nonce: n0nce")
	assert.Contains(t, msg, "Issued At: 2024-01-02T03:04:05Z")
	assert.Contains(t, msg, "Expiration Time: 2024-01-02T03:09:05Z")
	assert.Contains(t, msg, "Request ID: id-1")
}
