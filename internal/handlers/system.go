package handlers

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"task-scheduler/backend/internal/monitoring"
	"task-scheduler/backend/internal/repositories"
	"task-scheduler/backend/internal/services"
)

// CacheStatser exposes cache counters to the metrics endpoint.
type CacheStatser interface {
	CacheStats() map[string]interface{}
}

type SystemHandler struct {
	metrics     *monitoring.Metrics
	health      *monitoring.HealthChecker
	registry    *monitoring.ServiceRegistry
	taskService services.TaskService
	userService services.UserService
	cache       CacheStatser
	environment string
	log         *zap.Logger
}

type SystemHandlerConfig struct {
	Metrics     *monitoring.Metrics
	Health      *monitoring.HealthChecker
	Registry    *monitoring.ServiceRegistry
	TaskService services.TaskService
	UserService services.UserService
	Cache       CacheStatser
	Environment string
	Log         *zap.Logger
}

func NewSystemHandler(cfg SystemHandlerConfig) *SystemHandler {
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NewMetrics()
	}
	if cfg.Health == nil {
		cfg.Health = monitoring.NewHealthChecker(0)
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = monitoring.NewServiceRegistry(cfg.Log)
	}
	return &SystemHandler{
		metrics:     cfg.Metrics,
		health:      cfg.Health,
		registry:    cfg.Registry,
		taskService: cfg.TaskService,
		userService: cfg.UserService,
		cache:       cfg.Cache,
		environment: cfg.Environment,
		log:         cfg.Log.Named("system"),
	}
}

type HelloRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *SystemHandler) Hello(c *gin.Context) {
	var req HelloRequest
	if !bindJSON(c, &req) {
		return
	}
	respondOK(c, http.StatusOK, gin.H{"message": "Hello, " + req.Name + "!"})
}

// Health reports the process, the background services and every registered
// dependency probe. Any failing probe turns the response into a 503.
func (h *SystemHandler) Health(c *gin.Context) {
	checks, healthy := h.health.Run(c.Request.Context())

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"server":    monitoring.GetSystemMetrics(h.metrics.StartTime()),
		"services":  h.registry.List(),
		"checks":    checks,
	})
}

func (h *SystemHandler) Metrics(c *gin.Context) {
	total, running, failed, errorsTotal := h.registry.Counts()

	body := gin.H{
		"timestamp": time.Now().UTC(),
		"system":    monitoring.GetSystemMetrics(h.metrics.StartTime()),
		"http":      h.metrics.Snapshot(),
		"services": gin.H{
			"total":   total,
			"running": running,
			"failed":  failed,
			"errors":  errorsTotal,
		},
	}
	if h.cache != nil {
		body["cache"] = h.cache.CacheStats()
	}
	c.JSON(http.StatusOK, body)
}

// ServerData serves the dashboard widgets. type selects the payload and
// defaults to general.
func (h *SystemHandler) ServerData(c *gin.Context) {
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")

	dataType := c.DefaultQuery("type", "general")
	var (
		data interface{}
		err  error
	)

	switch dataType {
	case "dashboard":
		data, err = h.dashboardData(c.Request.Context())
	case "user":
		userID := c.Query("userId")
		if userID == "" {
			respondError(c, http.StatusBadRequest, "missing userId parameter")
			return
		}
		data, err = h.userData(c.Request.Context(), userID)
	case "system":
		data = h.systemData()
	default:
		dataType = "general"
		data = h.generalData(c)
	}

	if err != nil {
		if errors.Is(err, repositories.ErrUserNotFound) {
			respondError(c, http.StatusNotFound, err.Error())
			return
		}
		handleError(c, err, "failed to load server data")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"type":      dataType,
		"timestamp": time.Now().UTC(),
		"data":      data,
	})
}

func (h *SystemHandler) dashboardData(ctx context.Context) (gin.H, error) {
	sys := monitoring.GetSystemMetrics(h.metrics.StartTime())
	snap := h.metrics.Snapshot()
	data := gin.H{
		"requests":      snap.RequestCount,
		"activeClients": snap.ActiveRequests,
		"memoryUsageMb": sys.Memory.Alloc,
		"goroutines":    sys.GoroutineCount,
		"uptime":        sys.UptimeSeconds,
	}
	if h.taskService != nil {
		stats, err := h.taskService.DashboardStats(ctx)
		if err != nil {
			return nil, err
		}
		data["totalUsers"] = stats.TotalUsers
		data["totalTasks"] = stats.TotalTasks
		data["enabledTasks"] = stats.EnabledTasks
	}
	return data, nil
}

func (h *SystemHandler) userData(ctx context.Context, raw string) (gin.H, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 || h.userService == nil {
		return nil, repositories.ErrUserNotFound
	}
	user, err := h.userService.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"id":        user.ID,
		"name":      user.Username,
		"email":     user.Email,
		"role":      user.Role,
		"createdAt": user.CreatedAt,
	}, nil
}

func (h *SystemHandler) systemData() gin.H {
	sys := monitoring.GetSystemMetrics(h.metrics.StartTime())
	return gin.H{
		"goVersion":   sys.GoVersion,
		"platform":    sys.Platform,
		"arch":        sys.Arch,
		"uptime":      sys.UptimeSeconds,
		"memoryUsage": sys.Memory,
		"goroutines":  sys.GoroutineCount,
		"cpuCount":    sys.CPUCount,
		"env":         h.environment,
	}
}

func (h *SystemHandler) generalData(c *gin.Context) gin.H {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		if id, err := uuid.NewV4(); err == nil {
			requestID = id.String()
		}
	}
	userAgent := c.GetHeader("User-Agent")
	if userAgent == "" {
		userAgent = "Unknown"
	}
	return gin.H{
		"serverTime":   time.Now().Format(time.RFC1123),
		"randomNumber": rand.IntN(1000),
		"requestId":    requestID,
		"userAgent":    userAgent,
	}
}

func (h *SystemHandler) GetServices(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{"services": h.registry.List()})
}

// ControlService applies ?action=start|stop|restart to a registered service.
func (h *SystemHandler) ControlService(c *gin.Context) {
	id := c.Param("id")
	action := c.Query("action")

	info, message, err := h.registry.Control(c.Request.Context(), id, action)
	switch {
	case errors.Is(err, monitoring.ErrServiceNotFound):
		respondError(c, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, monitoring.ErrInvalidAction):
		respondError(c, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error("service control failed", zap.String("service", id), zap.String("action", action), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
			"service": info,
		})
		return
	}

	respondOK(c, http.StatusOK, gin.H{
		"message": message,
		"service": info,
	})
}
