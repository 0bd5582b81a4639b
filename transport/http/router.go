package http

import (
	"github.com/gin-gonic/gin"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/service"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterConfig holds the dependencies of the HTTP API
type RouterConfig struct {
	AuthService *service.AuthService
	Manager     *service.Manager
	Jars        *Jars
	Metrics     *service.Metrics
	Gatherer    prometheus.Gatherer
	Logger      logging.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(RecoveryMiddleware(cfg.Logger), LoggingMiddleware(cfg.Logger), MetricsMiddleware(cfg.Metrics))

	handlers := NewAuthHandlers(cfg.AuthService, cfg.Jars, cfg.Logger)

	auth := router.Group("/auth")
	{
		auth.GET("/nonce", handlers.Nonce)
		auth.POST("/verify", handlers.Verify)
		auth.POST("/logout", handlers.Logout)
		auth.GET("/user", handlers.User)
	}

	if cfg.Manager != nil {
		keys := NewSessionKeyHandlers(cfg.Manager, cfg.Logger)
		protected := router.Group("/")
		protected.Use(AuthMiddleware(cfg.AuthService, cfg.Jars))
		{
			protected.GET("/session-keys", keys.Status)
		}
	}

	router.GET("/healthz", Health)
	if cfg.Gatherer != nil {
		router.GET("/metrics", MetricsHandler(cfg.Gatherer))
	}

	return router
}
