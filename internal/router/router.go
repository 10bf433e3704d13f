package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/monitoring"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	startLimiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", response.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request IDs on every response, metrics on every route.
	router.Use(response.RequestIDMiddleware(), monitoring.MetricsMiddleware())

	router.NoRoute(handler.NotFound)

	router.GET("/health", handlers.System.Health)
	router.GET("/metrics", monitoring.PrometheusHandler())

	// ─── 1. Learner Group (JWT, compressed JSON) ───────────────────────
	learnerAPI := router.Group("/api/v1/attempts")
	learnerAPI.Use(
		middleware.RequireLearnerJWT(authService),
		middleware.Brotli(),
	)
	{
		learnerAPI.POST("/:slug/start", startLimiter.Middleware(), handlers.Attempt.StartAttempt)
		learnerAPI.GET("/:slug/:attempt_id/review", handlers.Attempt.ReviewAttempt)
	}

	// ─── 2. Attempt Stream (Learner WS, token via query) ───────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireLearnerJWT(authService))
	{
		ws.GET("/attempts/:slug/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 3. Proctor Group (JWT + monitor permission, SSE) ──────────────
	monitorAPI := router.Group("/api/v1/monitor")
	monitorAPI.Use(
		middleware.RequireProctorJWT(authService),
		middleware.RequirePermission(service.PermissionMonitor),
	)
	{
		monitorAPI.GET("/tests/:slug/stream", handlers.Monitor.MonitorTestSSE)
		monitorAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
