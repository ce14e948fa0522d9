package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	openLimiter *middleware.RateLimiter,
	cfg *config.Config,
	log zerolog.Logger,
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
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Request ID and access log on every response.
	router.Use(response.RequestIDMiddleware(log))

	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(middleware.RequireStudentJWT(authService), middleware.CacheControl("no-store"))
	{
		studentAPI.POST("/exams/:exam_id/sessions", openLimiter.Middleware(), handlers.Session.OpenSession)
		studentAPI.GET("/sessions/:session_id", handlers.Session.GetSession)
		studentAPI.DELETE("/sessions/:session_id", handlers.Session.CloseSession)
	}

	// ─── 2. WebSocket Group (token in query) ───────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentJWT(authService))
	{
		ws.GET("/student/sessions/:session_id/stream", handlers.WS.SessionStream)
	}

	// ─── 3. Proctor Group (JWT + proctor role) ─────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(middleware.RequireProctorJWT(authService), middleware.CacheControl("no-store"))
	{
		proctorAPI.GET("/exams/:exam_id/sessions", handlers.Monitor.ListSessions)
		proctorAPI.GET("/exams/:exam_id/attempts", handlers.Monitor.ListAttempts)
		proctorAPI.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
		proctorAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
