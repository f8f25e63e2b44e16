package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/wcsap/core"
)

// ApproveFunc is asked before every signature. Returning false rejects the request.
type ApproveFunc func(ctx context.Context, message string) bool

// KeySigner signs personal messages with a local private key.
// It plays both the signer and the connection role for CLI use and tests.
type KeySigner struct {
	mu       sync.RWMutex
	key      *ecdsa.PrivateKey
	identity core.Identity
	approve  ApproveFunc
}

// NewKeySigner wraps a private key
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:      key,
		identity: core.NormalizeIdentity(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}
}

// NewKeySignerFromHex parses a hex private key, with or without 0x prefix
func NewKeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewKeySigner(key), nil
}

// GenerateKeySigner creates a signer over a fresh random key
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKeySigner(key), nil
}

// WithApproval installs a confirmation hook and returns the signer
func (s *KeySigner) WithApproval(approve ApproveFunc) *KeySigner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approve = approve
	return s
}

// Disconnect drops the key, after which the signer reports no identity and refuses to sign
func (s *KeySigner) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = nil
	s.identity = ""
}

// CurrentIdentity returns the address of the wrapped key
func (s *KeySigner) CurrentIdentity() (core.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.key != nil
}

// Sign produces a 0x-prefixed 65 byte personal_sign signature with V in {27, 28}
func (s *KeySigner) Sign(ctx context.Context, message string, identity core.Identity) (string, error) {
	s.mu.RLock()
	key, own, approve := s.key, s.identity, s.approve
	s.mu.RUnlock()

	if key == nil || !own.Equal(identity) {
		return "", core.ErrSignerUnavailable
	}
	if approve != nil && !approve(ctx, message) {
		return "", core.ErrUserRejected
	}

	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(sig), nil
}
