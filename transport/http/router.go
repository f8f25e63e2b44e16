package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/wcsap/internal/logging"
	"github.com/layer-3/wcsap/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter sets up the Gin router. A nil gatherer leaves /metrics unrouted.
func SetupRouter(authService *service.AuthService, logger *zap.Logger, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logging.OrNop(logger).Named("http")))

	// Create handlers
	handlers := NewAuthHandlers(authService)

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/challenge", handlers.Challenge)
		auth.POST("/verify", handlers.Verify)
		auth.POST("/refresh", handlers.Refresh)
		auth.GET("/status", handlers.Status)
		auth.POST("/logout", handlers.Logout)
		auth.POST("/logout-all", AuthMiddleware(authService), handlers.LogoutAll)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(authService))
	{
		api.GET("/me", handlers.Me)
	}

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return router
}
