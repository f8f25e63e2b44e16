package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/wcsap/core"
	"github.com/layer-3/wcsap/service"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

func sessionResponse(pair core.TokenPair) SessionResponse {
	return SessionResponse{
		SessionToken:     pair.Session.Token,
		RefreshToken:     pair.Refresh.Token,
		Identity:         pair.Session.Identity.String(),
		ExpiresAt:        pair.Session.ExpiresAt.UTC(),
		RefreshExpiresAt: pair.Refresh.ExpiresAt.UTC(),
	}
}

// Challenge handles the challenge request
func (h *AuthHandlers) Challenge(c *gin.Context) {
	var req ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	issued, err := h.authService.Challenge(c.Request.Context(), req.Identity)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ChallengeResponse{
		ChallengeID: issued.Handle,
		Message:     issued.Challenge.Message,
		ExpiresAt:   issued.Challenge.ExpiresAt.UTC(),
	})
}

// Verify handles the signed challenge submission
func (h *AuthHandlers) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	pair, err := h.authService.Verify(c.Request.Context(), req.ChallengeID, req.Signature, req.Identity)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse(pair))
}

// Refresh handles token refresh
func (h *AuthHandlers) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	pair, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken, req.SessionToken)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse(pair))
}

// Status reports whether the bearer token is a live session.
// A missing or unknown token is not an error.
func (h *AuthHandlers) Status(c *gin.Context) {
	status, err := h.authService.Status(c.Request.Context(), bearerToken(c))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := StatusResponse{Authenticated: status.Authenticated}
	if status.Authenticated {
		expiresAt := status.ExpiresAt.UTC()
		resp.Identity = status.Identity.String()
		resp.ExpiresAt = &expiresAt
	}
	c.JSON(http.StatusOK, resp)
}

// Logout revokes the bearer session. It succeeds for unknown tokens too.
func (h *AuthHandlers) Logout(c *gin.Context) {
	if err := h.authService.Logout(c.Request.Context(), bearerToken(c)); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// LogoutAll revokes every session of the caller
func (h *AuthHandlers) LogoutAll(c *gin.Context) {
	revoked, err := h.authService.LogoutAll(c.Request.Context(), bearerToken(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Success: true, Revoked: &revoked})
}

// Me returns information about the authenticated caller
func (h *AuthHandlers) Me(c *gin.Context) {
	session, ok := SessionFromContext(c)
	if !ok {
		respondError(c, core.ErrSessionInvalid)
		return
	}

	c.JSON(http.StatusOK, MeResponse{
		Identity:  session.Identity.String(),
		ExpiresAt: session.ExpiresAt.UTC(),
	})
}
