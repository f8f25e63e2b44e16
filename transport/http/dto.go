package http

import "time"

// ChallengeRequest asks for a challenge bound to identity
type ChallengeRequest struct {
	Identity string `json:"identity" binding:"required"`
}

// ChallengeResponse carries the message the wallet has to sign
type ChallengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Message     string    `json:"message"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// VerifyRequest submits a signed challenge
type VerifyRequest struct {
	ChallengeID string `json:"challenge_id" binding:"required"`
	Signature   string `json:"signature" binding:"required"`
	Identity    string `json:"identity" binding:"required"`
}

// RefreshRequest exchanges a refresh token for a new pair
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
	SessionToken string `json:"session_token"`
}

// SessionResponse is returned by verify and refresh
type SessionResponse struct {
	SessionToken     string    `json:"session_token"`
	RefreshToken     string    `json:"refresh_token"`
	Identity         string    `json:"identity"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// StatusResponse reports whether the bearer token is a live session
type StatusResponse struct {
	Authenticated bool       `json:"authenticated"`
	Identity      string     `json:"identity,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// SuccessResponse acknowledges logout requests
type SuccessResponse struct {
	Success bool `json:"success"`
	Revoked *int `json:"revoked,omitempty"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind"`
}

// MeResponse describes the caller of a protected route
type MeResponse struct {
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}
