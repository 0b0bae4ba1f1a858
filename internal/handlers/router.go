package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"task-scheduler/backend/internal/middleware"
	"task-scheduler/backend/internal/models"
	"task-scheduler/backend/internal/monitoring"
)

type RouterConfig struct {
	Log         *zap.Logger
	Metrics     *monitoring.Metrics
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
	Tokens      middleware.TokenParser

	Auth   *AuthHandler
	Users  *UserHandler
	Tasks  *TaskHandler
	System *SystemHandler
}

// NewRouter builds the engine with the middleware chain and every API route.
// RateLimiter and Metrics are optional.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	r := gin.New()
	r.Use(middleware.RecoveryWithLog(cfg.Log))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(cfg.Log))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware())
	}
	r.Use(middleware.CORS(cfg.CORSOrigins))
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware())
	}

	requireAuth := middleware.AuthMiddleware(cfg.Tokens)

	api := r.Group("/api")
	{
		api.POST("/hello", cfg.System.Hello)
		api.GET("/health", cfg.System.Health)
		api.GET("/metrics", cfg.System.Metrics)
		api.GET("/server-data", cfg.System.ServerData)
		api.GET("/services", cfg.System.GetServices)
		api.POST("/services/:id", cfg.System.ControlService)

		api.POST("/auth/token", cfg.Auth.Token)

		users := api.Group("/users")
		users.POST("", cfg.Users.Register)
		users.GET("", cfg.Users.GetUsers)
		users.GET("/:id", cfg.Users.GetUser)
		users.DELETE("/:id", requireAuth, middleware.RequireRole(models.RoleAdmin), cfg.Users.DeleteUser)
		users.PUT("/me/password", requireAuth, cfg.Users.ChangePassword)

		tasks := api.Group("/tasks")
		tasks.POST("", cfg.Tasks.CreateTask)
		tasks.GET("", cfg.Tasks.GetTasks)
		tasks.GET("/:id", cfg.Tasks.GetTaskByID)
		tasks.DELETE("/:id", cfg.Tasks.DeleteTask)
		tasks.POST("/:id/toggle", cfg.Tasks.ToggleTask)
		tasks.POST("/:id/run", cfg.Tasks.RunTask)
		tasks.POST("/:id/reset-errors", cfg.Tasks.ResetErrors)
		tasks.GET("/:id/logs", cfg.Tasks.GetTaskLogs)

		api.GET("/stats/dashboard", cfg.Tasks.GetDashboardStats)
	}

	return r
}
