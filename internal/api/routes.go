package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"tropl/internal/api/middleware"
	"tropl/internal/auth"
	"tropl/internal/config"
	"tropl/internal/otp"
	"tropl/internal/resume"
	"tropl/internal/storage"
)

// RegisterRoutes 注册 API 路由，不包含 /api 前缀。
func RegisterRoutes(
	router *gin.Engine,
	cfg *config.Config,
	db *gorm.DB,
	enqueuer TaskEnqueuer,
	authService *auth.AuthService,
	redisClient *redis.Client,
	logger *slog.Logger,
	storageClient *storage.Client,
) {
	store := resume.NewStore(db, logger)
	gate := otp.NewGate(db, cfg.OTP.Expiry(), cfg.OTP.ResendGuard())

	authHandler := NewAuthHandler(
		db,
		authService,
		gate,
		enqueuer,
		redisClient,
		logger,
		cfg.OTP.ExpiryMinutes,
		cfg.API.LoginRateLimitPerHour,
		cfg.API.LoginLockThreshold,
		cfg.API.LockTTL(),
		cfg.API.CookieDomain,
	)
	resumeHandler := NewResumeHandler(
		db,
		store,
		enqueuer,
		storageClient,
		logger,
		cfg.Upload.MaxBytes,
		cfg.Upload.ClamdAddr,
	)
	adminHandler := NewAdminHandler(db, storageClient, logger)
	wsHandler := NewWsHandler(redisClient, authService, logger, nil)
	authMiddleware := middleware.AuthMiddleware(authService)

	v1 := router.Group("/v1")
	{
		v1.GET("/ws", wsHandler.HandleConnection)

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/verify-otp", authHandler.VerifyOTP)
			authGroup.POST("/resend-otp", authHandler.ResendOTP)
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/refresh", authHandler.Refresh)
			authGroup.POST("/logout", authMiddleware, authHandler.Logout)
			authGroup.GET("/me", authMiddleware, authHandler.Me)
			authGroup.POST("/change-password", authMiddleware, authHandler.ChangePassword)
		}

		resumeGroup := v1.Group("/resume")
		resumeGroup.Use(authMiddleware)
		{
			resumeGroup.POST("/upload", resumeHandler.UploadResume)
			resumeGroup.GET("", resumeHandler.GetResume)
			resumeGroup.GET("/stats", resumeHandler.GetStats)
			resumeGroup.GET("/:id", resumeHandler.GetResumeByID)
			resumeGroup.PUT("/:id", resumeHandler.UpdateResume)
			resumeGroup.POST("/:id/activate", resumeHandler.ActivateResume)
			resumeGroup.POST("/:id/deactivate", resumeHandler.DeactivateResume)
			resumeGroup.DELETE("/:id", resumeHandler.DeleteResume)
			resumeGroup.GET("/:id/download-link", resumeHandler.GetDownloadLink)
		}

		adminGroup := v1.Group("/admin")
		adminGroup.Use(authMiddleware, middleware.RequireAdmin())
		{
			adminGroup.GET("/users", adminHandler.ListUsers)
			adminGroup.POST("/users", adminHandler.CreateUser)
			adminGroup.PUT("/users/:id", adminHandler.UpdateUser)
			adminGroup.DELETE("/users/:id", adminHandler.DeleteUser)
			adminGroup.GET("/stats", adminHandler.GetStats)
		}
	}
}
