package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/wcsap/core"
)

// statusForKind maps an error kind to the HTTP status it is returned with
func statusForKind(kind core.ErrorKind) int {
	switch kind {
	case core.KindChallengeInvalid, core.KindSignatureInvalid, core.KindRefreshInvalid, core.KindSessionInvalid:
		return http.StatusUnauthorized
	case core.KindBadRequest:
		return http.StatusBadRequest
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(kind core.ErrorKind) ErrorResponse {
	return ErrorResponse{Success: false, ErrorKind: string(kind)}
}

// respondError writes the structured failure for err. Only the kind leaves the process.
func respondError(c *gin.Context, err error) {
	kind := core.KindOf(err)
	c.JSON(statusForKind(kind), errorBody(kind))
}

func abortWithError(c *gin.Context, err error) {
	kind := core.KindOf(err)
	c.AbortWithStatusJSON(statusForKind(kind), errorBody(kind))
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, errorBody(core.KindBadRequest))
}
