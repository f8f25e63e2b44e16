package client

import "time"

type challengeRequest struct {
	Identity string `json:"identity"`
}

// Challenge is the server's answer to a challenge request
type Challenge struct {
	ChallengeID string    `json:"challenge_id"`
	Message     string    `json:"message"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type verifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Signature   string `json:"signature"`
	Identity    string `json:"identity"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	SessionToken string `json:"session_token,omitempty"`
}

// Credentials is a session pair handed out by verify or refresh
type Credentials struct {
	SessionToken     string    `json:"session_token"`
	RefreshToken     string    `json:"refresh_token"`
	Identity         string    `json:"identity"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func (c *Credentials) valid() bool {
	return c.SessionToken != "" && c.RefreshToken != "" && c.Identity != ""
}

// Status reports whether a session token is live
type Status struct {
	Authenticated bool       `json:"authenticated"`
	Identity      string     `json:"identity,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type statusResponse struct {
	Authenticated *bool      `json:"authenticated"`
	Identity      string     `json:"identity,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
	Revoked *int `json:"revoked,omitempty"`
}

type errorResponse struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind"`
}
