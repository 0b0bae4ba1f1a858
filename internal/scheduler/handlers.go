package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"task-scheduler/backend/internal/models"
	"task-scheduler/backend/internal/repositories"
)

// HandlerFunc performs the work of one task run. A returned error marks the
// run as failed.
type HandlerFunc func(ctx context.Context, task models.Task) error

// Registry maps handler names stored on tasks to their implementations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notifier delivers out-of-band notifications, typically through a queue.
type Notifier interface {
	Notify(ctx context.Context, kind string, payload map[string]interface{}) error
}

// Backuper writes a consistent copy of the database into dir.
type Backuper interface {
	Backup(ctx context.Context, dir string) (string, error)
}

type HandlerDeps struct {
	Tasks     repositories.TaskRepository
	Backup    Backuper
	Notifier  Notifier
	Pace      time.Duration
	Retention time.Duration
	BackupDir string
	Log       *zap.Logger
}

// DefaultRegistry wires the built-in handlers.
func DefaultRegistry(deps HandlerDeps) *Registry {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Retention <= 0 {
		deps.Retention = 30 * 24 * time.Hour
	}
	h := &builtins{deps: deps, log: deps.Log.Named("handlers")}

	r := NewRegistry()
	r.Register("cleanupOldData", h.cleanupOldData)
	r.Register("syncData", h.syncData)
	r.Register("generateReport", h.generateReport)
	r.Register("generateWeeklyReport", h.generateWeeklyReport)
	r.Register("backupDatabase", h.backupDatabase)
	r.Register("sendNotifications", h.sendNotifications)
	return r
}

type builtins struct {
	deps HandlerDeps
	log  *zap.Logger
}

// pause simulates work. It returns early with the context error when the run
// is cancelled.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (h *builtins) cleanupOldData(ctx context.Context, task models.Task) error {
	cutoff := time.Now().Add(-h.deps.Retention)
	deleted, err := h.deps.Tasks.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	h.log.Info("old task logs removed", zap.Int64("deleted", deleted), zap.Time("cutoff", cutoff))
	return nil
}

func (h *builtins) syncData(ctx context.Context, task models.Task) error {
	if err := pause(ctx, 2*h.deps.Pace); err != nil {
		return err
	}
	h.log.Info("data sync finished", zap.Int64("task_id", task.ID))
	return nil
}

func (h *builtins) generateReport(ctx context.Context, task models.Task) error {
	counts, err := h.deps.Tasks.CountByStatus(ctx)
	if err != nil {
		return err
	}
	if err := pause(ctx, 3*h.deps.Pace); err != nil {
		return err
	}
	h.log.Info("report generated",
		zap.Int64("pending", counts[models.TaskStatusPending]),
		zap.Int64("running", counts[models.TaskStatusRunning]),
		zap.Int64("completed", counts[models.TaskStatusCompleted]),
		zap.Int64("failed", counts[models.TaskStatusFailed]),
	)
	return nil
}

func (h *builtins) generateWeeklyReport(ctx context.Context, task models.Task) error {
	tasks, err := h.deps.Tasks.GetAll(ctx)
	if err != nil {
		return err
	}
	if err := pause(ctx, 3*h.deps.Pace); err != nil {
		return err
	}

	weekAgo := time.Now().Add(-7 * 24 * time.Hour)
	ran := 0
	for _, t := range tasks {
		if t.LastRun != nil && t.LastRun.After(weekAgo) {
			ran++
		}
	}
	h.log.Info("weekly report generated", zap.Int("tasks", len(tasks)), zap.Int("ran_this_week", ran))
	return nil
}

func (h *builtins) backupDatabase(ctx context.Context, task models.Task) error {
	if h.deps.Backup == nil {
		return pause(ctx, 5*h.deps.Pace)
	}
	path, err := h.deps.Backup.Backup(ctx, h.deps.BackupDir)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	h.log.Info("database backup written", zap.String("path", path))
	return nil
}

// sendNotifications queues a notification for every failed task. Without a
// notifier it only simulates delivery.
func (h *builtins) sendNotifications(ctx context.Context, task models.Task) error {
	if h.deps.Notifier == nil {
		if err := pause(ctx, h.deps.Pace*3/2); err != nil {
			return err
		}
		h.log.Info("no notifier configured, notifications skipped")
		return nil
	}

	tasks, err := h.deps.Tasks.GetAll(ctx)
	if err != nil {
		return err
	}

	sent := 0
	for _, t := range tasks {
		if t.Status != models.TaskStatusFailed {
			continue
		}
		err := h.deps.Notifier.Notify(ctx, "task_failed", map[string]interface{}{
			"task_id":     t.ID,
			"name":        t.Name,
			"error_count": t.ErrorCount,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue notification for task %d: %w", t.ID, err)
		}
		sent++
	}

	h.log.Info("notifications dispatched", zap.Int("sent", sent))
	return nil
}
