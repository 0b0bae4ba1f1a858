package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"task-scheduler/backend/internal/database"
	"task-scheduler/backend/internal/models"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrInvalidStatus = errors.New("invalid task status")
)

const (
	taskColumns     = "id, name, description, schedule, handler, enabled, last_run, next_run, status, error_count, created_at, updated_at"
	defaultLogLimit = 20
	maxLogLimit     = 100
	timeLayout      = "2006-01-02 15:04:05"
)

type CreateTaskInput struct {
	Name        string
	Description *string
	Schedule    string
	Handler     string
	Enabled     bool
}

type TaskLogInput struct {
	TaskID     int64
	Status     string
	Message    *string
	DurationMS *int64
}

type TaskRepository interface {
	Create(ctx context.Context, input CreateTaskInput) (*models.Task, error)
	FindByID(ctx context.Context, id int64) (*models.Task, error)
	GetAll(ctx context.Context) ([]models.Task, error)
	GetEnabled(ctx context.Context) ([]models.Task, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	TryMarkRunning(ctx context.Context, id int64, startedAt, staleBefore time.Time) (bool, error)
	UpdateLastRun(ctx context.Context, id int64, at time.Time) error
	UpdateNextRun(ctx context.Context, id int64, at *time.Time) error
	ToggleEnabled(ctx context.Context, id int64) (bool, error)
	IncrementErrorCount(ctx context.Context, id int64) error
	ResetErrorCount(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	AddLog(ctx context.Context, entry TaskLogInput) (int64, error)
	GetLogs(ctx context.Context, taskID int64, limit int) ([]models.TaskLog, error)
	DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
	CountEnabled(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type taskRepository struct {
	store *database.Store
}

func NewTaskRepository(store *database.Store) TaskRepository {
	return &taskRepository{store: store}
}

// formatTime renders timestamps the way CURRENT_TIMESTAMP does, so stored
// values compare correctly as text on SQLite.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (r *taskRepository) Create(ctx context.Context, input CreateTaskInput) (*models.Task, error) {
	id, err := r.store.Insert(ctx, "tasks", map[string]interface{}{
		"name":        input.Name,
		"description": input.Description,
		"schedule":    input.Schedule,
		"handler":     input.Handler,
		"enabled":     input.Enabled,
	})
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r *taskRepository) FindByID(ctx context.Context, id int64) (*models.Task, error) {
	var task models.Task
	found, err := r.store.Get(ctx, &task, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

func (r *taskRepository) list(ctx context.Context, where string) ([]models.Task, error) {
	tasks := make([]models.Task, 0)
	sql := "SELECT " + taskColumns + " FROM tasks"
	if where != "" {
		sql += " WHERE " + where
	}
	sql += " ORDER BY created_at DESC, id DESC"

	if err := r.store.Select(ctx, &tasks, sql); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepository) GetAll(ctx context.Context) ([]models.Task, error) {
	return r.list(ctx, "")
}

func (r *taskRepository) GetEnabled(ctx context.Context) ([]models.Task, error) {
	return r.list(ctx, "enabled = TRUE")
}

func (r *taskRepository) update(ctx context.Context, id int64, data map[string]interface{}) error {
	n, err := r.store.Update(ctx, "tasks", data, "id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *taskRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	if !models.ValidTaskStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return r.update(ctx, id, map[string]interface{}{"status": status})
}

// TryMarkRunning moves a task to running and stamps last_run with startedAt.
// A task that is already running is only taken over when its run started
// before staleBefore, which is how a run orphaned by a dead process is
// released. It returns false without error when a live run holds the task.
func (r *taskRepository) TryMarkRunning(ctx context.Context, id int64, startedAt, staleBefore time.Time) (bool, error) {
	n, err := r.store.Exec(ctx,
		`UPDATE tasks SET status = ?, last_run = ?
		 WHERE id = ? AND (status <> ? OR last_run IS NULL OR last_run < ?)`,
		models.TaskStatusRunning, formatTime(startedAt), id, models.TaskStatusRunning, formatTime(staleBefore))
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	if _, err := r.FindByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *taskRepository) UpdateLastRun(ctx context.Context, id int64, at time.Time) error {
	return r.update(ctx, id, map[string]interface{}{"last_run": formatTime(at)})
}

func (r *taskRepository) UpdateNextRun(ctx context.Context, id int64, at *time.Time) error {
	var value interface{}
	if at != nil {
		value = formatTime(*at)
	}
	return r.update(ctx, id, map[string]interface{}{"next_run": value})
}

// ToggleEnabled flips the enabled flag and returns the new value.
func (r *taskRepository) ToggleEnabled(ctx context.Context, id int64) (bool, error) {
	var enabled bool
	err := r.store.Transaction(ctx, func(tx *database.Store) error {
		n, err := tx.Exec(ctx, "UPDATE tasks SET enabled = NOT enabled WHERE id = ?", id)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTaskNotFound
		}
		_, err = tx.Get(ctx, &enabled, "SELECT enabled FROM tasks WHERE id = ?", id)
		return err
	})
	return enabled, err
}

func (r *taskRepository) IncrementErrorCount(ctx context.Context, id int64) error {
	n, err := r.store.Exec(ctx, "UPDATE tasks SET error_count = error_count + 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *taskRepository) ResetErrorCount(ctx context.Context, id int64) error {
	return r.update(ctx, id, map[string]interface{}{"error_count": 0})
}

// Delete removes the task; its logs go with it through the foreign key.
func (r *taskRepository) Delete(ctx context.Context, id int64) error {
	n, err := r.store.Delete(ctx, "tasks", "id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *taskRepository) AddLog(ctx context.Context, entry TaskLogInput) (int64, error) {
	return r.store.Insert(ctx, "task_logs", map[string]interface{}{
		"task_id":     entry.TaskID,
		"status":      entry.Status,
		"message":     entry.Message,
		"duration_ms": entry.DurationMS,
	})
}

// GetLogs returns the most recent logs first. limit is clamped to 1..100.
func (r *taskRepository) GetLogs(ctx context.Context, taskID int64, limit int) ([]models.TaskLog, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	logs := make([]models.TaskLog, 0)
	err := r.store.Select(ctx, &logs,
		`SELECT id, task_id, status, message, duration_ms, created_at
		 FROM task_logs WHERE task_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *taskRepository) DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	return r.store.Delete(ctx, "task_logs", "created_at < ?", formatTime(before))
}

func (r *taskRepository) count(ctx context.Context, sql string) (int64, error) {
	var count int64
	if _, err := r.store.Get(ctx, &count, sql); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *taskRepository) Count(ctx context.Context) (int64, error) {
	return r.count(ctx, "SELECT COUNT(*) FROM tasks")
}

func (r *taskRepository) CountEnabled(ctx context.Context) (int64, error) {
	return r.count(ctx, "SELECT COUNT(*) FROM tasks WHERE enabled = TRUE")
}

// CountByStatus reports every known status, including those with no tasks.
func (r *taskRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := r.store.Select(ctx, &rows, "SELECT status, COUNT(*) AS count FROM tasks GROUP BY status"); err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(models.TaskStatuses))
	for _, s := range models.TaskStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
