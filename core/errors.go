package core

import "errors"

var (
	// ErrChallengeInvalid covers unknown, consumed and expired challenges alike
	ErrChallengeInvalid = errors.New("challenge is invalid")
	// ErrSignatureInvalid is returned when the recovered signer does not match the claim
	ErrSignatureInvalid = errors.New("invalid signature")
	// ErrRefreshInvalid covers unknown, expired and already rotated refresh tokens
	ErrRefreshInvalid = errors.New("refresh token is invalid")
	// ErrSessionInvalid is returned when a session token is unknown, revoked or expired
	ErrSessionInvalid = errors.New("session is invalid")
	// ErrUserRejected is returned by a signer when the user declined the request
	ErrUserRejected = errors.New("user rejected the signature request")
	// ErrSignerUnavailable is returned when no signing capability is present
	ErrSignerUnavailable = errors.New("no signer available")
	// ErrTransport wraps network, timeout and malformed-response failures
	ErrTransport = errors.New("transport failure")
	// ErrInvalidIdentity is returned for an empty or malformed identity
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrRateLimited is returned when an identity requests challenges too quickly
	ErrRateLimited = errors.New("too many challenge requests")
	// ErrStoreOperationFailed is returned when a backing store fails
	ErrStoreOperationFailed = errors.New("store operation failed")
)

// ErrorKind is the stable, wire-visible category of a protocol failure
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindChallengeInvalid  ErrorKind = "challenge_invalid"
	KindSignatureInvalid  ErrorKind = "signature_invalid"
	KindRefreshInvalid    ErrorKind = "refresh_invalid"
	KindSessionInvalid    ErrorKind = "session_invalid"
	KindUserRejected      ErrorKind = "user_rejected"
	KindSignerUnavailable ErrorKind = "signer_unavailable"
	KindTransport         ErrorKind = "transport"
	KindBadRequest        ErrorKind = "bad_request"
	KindRateLimited       ErrorKind = "rate_limited"
	KindInternal          ErrorKind = "internal"
)

var kindErrors = []struct {
	err  error
	kind ErrorKind
}{
	{ErrChallengeInvalid, KindChallengeInvalid},
	{ErrSignatureInvalid, KindSignatureInvalid},
	{ErrRefreshInvalid, KindRefreshInvalid},
	{ErrSessionInvalid, KindSessionInvalid},
	{ErrUserRejected, KindUserRejected},
	{ErrSignerUnavailable, KindSignerUnavailable},
	{ErrTransport, KindTransport},
	{ErrInvalidIdentity, KindBadRequest},
	{ErrRateLimited, KindRateLimited},
}

// KindOf maps an error chain to its ErrorKind. Anything unrecognised is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, ke := range kindErrors {
		if errors.Is(err, ke.err) {
			return ke.kind
		}
	}
	return KindInternal
}

// ErrorForKind returns the sentinel error for a wire kind, used by clients decoding failures
func ErrorForKind(kind ErrorKind) error {
	for _, ke := range kindErrors {
		if ke.kind == kind {
			return ke.err
		}
	}
	return nil
}

// Retryable reports whether a client may retry the failed call without new user intent
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
