package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exam-session-backend/internal/config"
	"github.com/stemsi/exam-session-backend/internal/handler"
	"github.com/stemsi/exam-session-backend/internal/middleware"
	"github.com/stemsi/exam-session-backend/internal/model"
	"github.com/stemsi/exam-session-backend/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	StudentPortal *handler.StudentPortalHandler
	Exam          *handler.ExamHandler
	WS            *handler.WSHandler
	Monitor       *handler.MonitorHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// checkpointLimiter throttles answer checkpoints per identity.
func SetupRouter(
	auth middleware.TokenValidator,
	handlers *Handlers,
	checkpointLimiter *middleware.RateLimiter,
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
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally.
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(auth),
		middleware.NoStore(),
	)
	{
		studentAPI.POST("/exams/:exam_id/session", handlers.StudentPortal.StartOrResume)
		studentAPI.GET("/sessions/:session_id", handlers.StudentPortal.GetSessionState)
		studentAPI.PUT("/sessions/:session_id/answers",
			checkpointLimiter.Middleware(),
			handlers.StudentPortal.SaveAnswer,
		)
		studentAPI.POST("/sessions/:session_id/submit", handlers.StudentPortal.Submit)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(auth))
	{
		ws.GET("/student/sessions/:session_id/stream", handlers.WS.SessionStream)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(
		middleware.RequireAdminJWT(auth),
		middleware.NoStore(),
	)
	{
		// Results
		adminAPI.GET("/exams/:exam_id/results",
			middleware.RequirePermission(model.PermissionResultsRead),
			handlers.Exam.ListResults,
		)
		adminAPI.GET("/exams/:exam_id/monitor",
			middleware.RequirePermission(model.PermissionResultsRead),
			handlers.Monitor.MonitorExamSSE,
		)
		adminAPI.GET("/sessions/:session_id",
			middleware.RequirePermission(model.PermissionResultsRead),
			handlers.Exam.GetSession,
		)
		adminAPI.GET("/sessions/:session_id/score",
			middleware.RequirePermission(model.PermissionResultsRead),
			handlers.Exam.GetScore,
		)

		// Session management
		adminAPI.POST("/sessions/:session_id/expire",
			middleware.RequirePermission(model.PermissionSessionsManage),
			handlers.Exam.ExpireSession,
		)
		adminAPI.POST("/sessions/:session_id/grade",
			middleware.RequirePermission(model.PermissionSessionsManage),
			handlers.Exam.GradeSession,
		)
		adminAPI.POST("/exams/:exam_id/refresh-cache",
			middleware.RequirePermission(model.PermissionSessionsManage),
			handlers.Exam.RefreshCache,
		)

		// System
		adminAPI.GET("/system/metrics",
			middleware.RequirePermission(model.PermissionSessionsManage),
			handlers.System.SystemMetricsSSE,
		)
	}

	return router
}
