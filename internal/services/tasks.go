package services

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"task-scheduler/backend/internal/models"
	"task-scheduler/backend/internal/repositories"
	"task-scheduler/backend/internal/scheduler"
)

type CreateTaskRequest struct {
	Name        string  `json:"name" binding:"required,min=1,max=100"`
	Description *string `json:"description"`
	Schedule    string  `json:"schedule" binding:"required,min=1"`
	Handler     string  `json:"handler" binding:"required,min=1"`
	Enabled     *bool   `json:"enabled"`
}

type DashboardStats struct {
	TotalUsers    int64            `json:"totalUsers"`
	TotalTasks    int64            `json:"totalTasks"`
	EnabledTasks  int64            `json:"enabledTasks"`
	TasksByStatus map[string]int64 `json:"tasksByStatus"`
}

// TaskRunner is the part of the scheduler the task service drives.
type TaskRunner interface {
	AddTask(ctx context.Context, task models.Task) error
	ToggleTask(ctx context.Context, id int64) (bool, error)
	RemoveTask(id int64)
	RunTaskNow(ctx context.Context, id int64) (*scheduler.RunResult, error)
}

type TaskService interface {
	Create(ctx context.Context, req CreateTaskRequest) (*models.Task, error)
	Get(ctx context.Context, id int64) (*models.Task, error)
	List(ctx context.Context) ([]models.Task, error)
	Toggle(ctx context.Context, id int64) (bool, error)
	Run(ctx context.Context, id int64) (*scheduler.RunResult, error)
	Logs(ctx context.Context, id int64, limit int) ([]models.TaskLog, error)
	Delete(ctx context.Context, id int64) error
	ResetErrors(ctx context.Context, id int64) error
	DashboardStats(ctx context.Context) (*DashboardStats, error)
}

type taskService struct {
	tasks  repositories.TaskRepository
	users  repositories.UserRepository
	runner TaskRunner
	log    *zap.Logger
}

func NewTaskService(tasks repositories.TaskRepository, users repositories.UserRepository, runner TaskRunner, log *zap.Logger) TaskService {
	if log == nil {
		log = zap.NewNop()
	}
	return &taskService{tasks: tasks, users: users, runner: runner, log: log.Named("tasks")}
}

// Create stores the task and registers it with the scheduler. The returned
// record carries next_run when the task was armed.
func (s *taskService) Create(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	task, err := s.tasks.Create(ctx, repositories.CreateTaskInput{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		Handler:     req.Handler,
		Enabled:     enabled,
	})
	if err != nil {
		return nil, err
	}

	if err := s.runner.AddTask(ctx, *task); err != nil {
		return nil, err
	}
	s.log.Info("task created", zap.Int64("task_id", task.ID), zap.String("handler", task.Handler))
	return s.tasks.FindByID(ctx, task.ID)
}

func (s *taskService) Get(ctx context.Context, id int64) (*models.Task, error) {
	return s.tasks.FindByID(ctx, id)
}

func (s *taskService) List(ctx context.Context) ([]models.Task, error) {
	return s.tasks.GetAll(ctx)
}

func (s *taskService) Toggle(ctx context.Context, id int64) (bool, error) {
	enabled, err := s.runner.ToggleTask(ctx, id)
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		return false, repositories.ErrTaskNotFound
	}
	return enabled, err
}

func (s *taskService) Run(ctx context.Context, id int64) (*scheduler.RunResult, error) {
	result, err := s.runner.RunTaskNow(ctx, id)
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		return nil, repositories.ErrTaskNotFound
	}
	return result, err
}

func (s *taskService) Logs(ctx context.Context, id int64, limit int) ([]models.TaskLog, error) {
	if _, err := s.tasks.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return s.tasks.GetLogs(ctx, id, limit)
}

func (s *taskService) Delete(ctx context.Context, id int64) error {
	if err := s.tasks.Delete(ctx, id); err != nil {
		return err
	}
	s.runner.RemoveTask(id)
	s.log.Info("task deleted", zap.Int64("task_id", id))
	return nil
}

func (s *taskService) ResetErrors(ctx context.Context, id int64) error {
	return s.tasks.ResetErrorCount(ctx, id)
}

func (s *taskService) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	users, err := s.users.Count(ctx)
	if err != nil {
		return nil, err
	}
	total, err := s.tasks.Count(ctx)
	if err != nil {
		return nil, err
	}
	enabled, err := s.tasks.CountEnabled(ctx)
	if err != nil {
		return nil, err
	}
	byStatus, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	return &DashboardStats{
		TotalUsers:    users,
		TotalTasks:    total,
		EnabledTasks:  enabled,
		TasksByStatus: byStatus,
	}, nil
}
