package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/layer-3/wcsap/core"
	"github.com/layer-3/wcsap/internal/logging"
	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// APIOption configures an APIClient
type APIOption func(*APIClient)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *APIClient) { a.http = c }
}

// WithRetryPolicy replaces the default transport retry policy
func WithRetryPolicy(p RetryPolicy) APIOption {
	return func(a *APIClient) { a.retry = p }
}

// WithAPILogger sets the client logger
func WithAPILogger(l *zap.Logger) APIOption {
	return func(a *APIClient) { a.logger = logging.OrNop(l) }
}

// APIClient speaks the auth protocol over HTTP
type APIClient struct {
	baseURL string
	http    *http.Client
	retry   RetryPolicy
	logger  *zap.Logger
}

// NewAPIClient creates a client for the server at baseURL
func NewAPIClient(baseURL string, opts ...APIOption) *APIClient {
	a := &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		retry:   DefaultRetryPolicy(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BaseURL returns the server address the client talks to
func (a *APIClient) BaseURL() string {
	return a.baseURL
}

func transportErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrTransport, fmt.Sprintf(format, args...))
}

// call performs one request and decodes the response into out.
// Every outcome is either nil, a protocol sentinel from core, or core.ErrTransport.
func (a *APIClient) call(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Debug("request failed", zap.String("path", path), zap.Error(err))
		return transportErr("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

// decodeResponse is the single decoder for every endpoint
func decodeResponse(resp *http.Response, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportErr("failed to read response: %v", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			return transportErr("empty response with status %d", resp.StatusCode)
		}
		if trimmed[0] != '{' {
			return transportErr("response with status %d is not an object", resp.StatusCode)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return transportErr("malformed response: %v", err)
		}
		return nil
	}

	var failure errorResponse
	if err := json.Unmarshal(raw, &failure); err == nil && failure.ErrorKind != "" {
		if sentinel := core.ErrorForKind(core.ErrorKind(failure.ErrorKind)); sentinel != nil {
			return sentinel
		}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return core.ErrSessionInvalid
	}
	return transportErr("unexpected status %d", resp.StatusCode)
}

// Challenge requests a challenge for identity
func (a *APIClient) Challenge(ctx context.Context, identity core.Identity) (*Challenge, error) {
	return withRetry(ctx, a.retry, func(ctx context.Context) (*Challenge, error) {
		var out Challenge
		if err := a.call(ctx, http.MethodPost, "/auth/challenge", "", challengeRequest{Identity: identity.String()}, &out); err != nil {
			return nil, err
		}
		if out.ChallengeID == "" || out.Message == "" {
			return nil, transportErr("incomplete challenge response")
		}
		return &out, nil
	})
}

// Verify submits a signed challenge
func (a *APIClient) Verify(ctx context.Context, challengeID, signature string, identity core.Identity) (*Credentials, error) {
	req := verifyRequest{ChallengeID: challengeID, Signature: signature, Identity: identity.String()}
	return withRetry(ctx, a.retry, func(ctx context.Context) (*Credentials, error) {
		var out Credentials
		if err := a.call(ctx, http.MethodPost, "/auth/verify", "", req, &out); err != nil {
			return nil, err
		}
		if !out.valid() {
			return nil, transportErr("incomplete session response")
		}
		return &out, nil
	})
}

// Refresh rotates a refresh token. The token is single use, so the call is never retried.
func (a *APIClient) Refresh(ctx context.Context, refreshToken, sessionToken string) (*Credentials, error) {
	var out Credentials
	req := refreshRequest{RefreshToken: refreshToken, SessionToken: sessionToken}
	if err := a.call(ctx, http.MethodPost, "/auth/refresh", "", req, &out); err != nil {
		return nil, err
	}
	if !out.valid() {
		return nil, transportErr("incomplete session response")
	}
	return &out, nil
}

// Status asks whether sessionToken is live
func (a *APIClient) Status(ctx context.Context, sessionToken string) (*Status, error) {
	return withRetry(ctx, a.retry, func(ctx context.Context) (*Status, error) {
		var out statusResponse
		if err := a.call(ctx, http.MethodGet, "/auth/status", sessionToken, nil, &out); err != nil {
			return nil, err
		}
		if out.Authenticated == nil {
			return nil, transportErr("incomplete status response")
		}
		return &Status{
			Authenticated: *out.Authenticated,
			Identity:      out.Identity,
			ExpiresAt:     out.ExpiresAt,
		}, nil
	})
}

// Logout revokes sessionToken
func (a *APIClient) Logout(ctx context.Context, sessionToken string) error {
	var out successResponse
	if err := a.call(ctx, http.MethodPost, "/auth/logout", sessionToken, nil, &out); err != nil {
		return err
	}
	if !out.Success {
		return transportErr("logout not acknowledged")
	}
	return nil
}

// LogoutAll revokes every session of the identity owning sessionToken
func (a *APIClient) LogoutAll(ctx context.Context, sessionToken string) (int, error) {
	var out successResponse
	if err := a.call(ctx, http.MethodPost, "/auth/logout-all", sessionToken, nil, &out); err != nil {
		return 0, err
	}
	if !out.Success || out.Revoked == nil {
		return 0, transportErr("logout-all not acknowledged")
	}
	return *out.Revoked, nil
}

// send performs an arbitrary authorized request. A 401 is reported as
// core.ErrSessionInvalid with the body already closed.
func (a *APIClient) send(ctx context.Context, req *http.Request, sessionToken string) (*http.Response, error) {
	r := req.Clone(ctx)
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errors.New("request body cannot be replayed")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+sessionToken)

	resp, err := a.http.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportErr("%s %s: %v", r.Method, r.URL.Path, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		return nil, core.ErrSessionInvalid
	}
	return resp, nil
}
