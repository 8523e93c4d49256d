package handler

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/config"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/middleware"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
	"github.com/3mmanu3lmois3s/aws-contract-analyzer/service"
)

// ControlPath is where the control channel websocket is served.
const ControlPath = "/control/ws"

// NewRouter wires the proxy's HTTP surface. Anything that is not a local
// route is intercepted and forwarded to the analysis service. metrics may be nil.
func NewRouter(cfg *config.Config, proxy *service.Proxy, metrics http.Handler) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NoStore())
	router.Use(middleware.RateLimit(&cfg.RateLimit))

	router.GET("/health", NewHealthHandler(proxy).Check)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	auth := middleware.AuthMiddleware(&cfg.Auth)

	protected := router.Group("/")
	protected.Use(auth)
	{
		protected.GET("/auth/me", NewAuthHandler(&cfg.Auth).Me)
		protected.GET(ControlPath, NewControlHandler(proxy).Serve)
	}

	intercept := NewInterceptHandler(proxy, int64(cfg.Server.MaxBodyMB)<<20)
	router.NoRoute(auth, intercept.Intercept)

	return router
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept", middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, model.OutcomeHeader, model.ErrorKindHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
