package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"task-scheduler/backend/internal/models"
	"task-scheduler/backend/internal/services"
)

type TaskHandler struct {
	taskService services.TaskService
}

func NewTaskHandler(taskService services.TaskService) *TaskHandler {
	return &TaskHandler{taskService: taskService}
}

type TaskResponse struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	Schedule    string     `json:"schedule"`
	Handler     string     `json:"handler"`
	Enabled     bool       `json:"enabled"`
	LastRun     *time.Time `json:"lastRun"`
	NextRun     *time.Time `json:"nextRun"`
	Status      string     `json:"status"`
	ErrorCount  int        `json:"errorCount"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type TaskLogResponse struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	Message    *string   `json:"message"`
	DurationMS *int64    `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toTaskResponse(t *models.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Schedule:    t.Schedule,
		Handler:     t.Handler,
		Enabled:     t.Enabled,
		LastRun:     t.LastRun,
		NextRun:     t.NextRun,
		Status:      t.Status,
		ErrorCount:  t.ErrorCount,
		CreatedAt:   t.CreatedAt,
	}
}

func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req services.CreateTaskRequest
	if !bindJSON(c, &req) {
		return
	}

	task, err := h.taskService.Create(c.Request.Context(), req)
	if err != nil {
		handleError(c, err, "failed to create task")
		return
	}

	respondOK(c, http.StatusCreated, gin.H{
		"message": "task created successfully",
		"task":    toTaskResponse(task),
	})
}

func (h *TaskHandler) GetTasks(c *gin.Context) {
	tasks, err := h.taskService.List(c.Request.Context())
	if err != nil {
		handleError(c, err, "failed to list tasks")
		return
	}

	response := make([]TaskResponse, 0, len(tasks))
	for i := range tasks {
		response = append(response, toTaskResponse(&tasks[i]))
	}
	respondOK(c, http.StatusOK, gin.H{"tasks": response})
}

func (h *TaskHandler) GetTaskByID(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	task, err := h.taskService.Get(c.Request.Context(), id)
	if err != nil {
		handleError(c, err, "failed to get task")
		return
	}
	respondOK(c, http.StatusOK, gin.H{"task": toTaskResponse(task)})
}

func (h *TaskHandler) ToggleTask(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	enabled, err := h.taskService.Toggle(c.Request.Context(), id)
	if err != nil {
		handleError(c, err, "failed to toggle task")
		return
	}

	respondOK(c, http.StatusOK, gin.H{
		"message": "task status updated",
		"enabled": enabled,
	})
}

// RunTask executes the task synchronously. A handler failure is still a
// completed request: the body carries success=false and the recorded status.
func (h *TaskHandler) RunTask(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := h.taskService.Run(c.Request.Context(), id)
	if err != nil {
		handleError(c, err, "failed to run task")
		return
	}

	duration := result.Duration.Milliseconds()
	if result.Err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success":  false,
			"error":    result.Err.Error(),
			"status":   result.Status,
			"duration": duration,
		})
		return
	}

	respondOK(c, http.StatusOK, gin.H{
		"message":  "task executed successfully",
		"status":   result.Status,
		"duration": duration,
	})
}

func (h *TaskHandler) GetTaskLogs(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", 20, 1, 100)
	if !ok {
		return
	}

	logs, err := h.taskService.Logs(c.Request.Context(), id, limit)
	if err != nil {
		handleError(c, err, "failed to get task logs")
		return
	}

	response := make([]TaskLogResponse, 0, len(logs))
	for _, l := range logs {
		response = append(response, TaskLogResponse{
			ID:         l.ID,
			Status:     l.Status,
			Message:    l.Message,
			DurationMS: l.DurationMS,
			CreatedAt:  l.CreatedAt,
		})
	}
	respondOK(c, http.StatusOK, gin.H{"logs": response})
}

func (h *TaskHandler) DeleteTask(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.taskService.Delete(c.Request.Context(), id); err != nil {
		handleError(c, err, "failed to delete task")
		return
	}
	respondOK(c, http.StatusOK, gin.H{"message": "task deleted successfully"})
}

func (h *TaskHandler) ResetErrors(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.taskService.ResetErrors(c.Request.Context(), id); err != nil {
		handleError(c, err, "failed to reset task errors")
		return
	}
	respondOK(c, http.StatusOK, gin.H{"message": "task error count reset"})
}

func (h *TaskHandler) GetDashboardStats(c *gin.Context) {
	stats, err := h.taskService.DashboardStats(c.Request.Context())
	if err != nil {
		handleError(c, err, "failed to get statistics")
		return
	}
	respondOK(c, http.StatusOK, gin.H{"stats": stats})
}
