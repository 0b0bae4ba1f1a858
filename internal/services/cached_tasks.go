package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"task-scheduler/backend/internal/cache"
	"task-scheduler/backend/internal/models"
	"task-scheduler/backend/internal/scheduler"
)

const (
	tagTasks = "tasks"
	tagStats = "stats"

	keyAllTasks  = "tasks:all"
	keyDashboard = "stats:dashboard"

	listTTL  = 30 * time.Second
	taskTTL  = time.Minute
	statsTTL = 15 * time.Second

	fetchTimeout = 10 * time.Second
)

// CachedTaskService serves task reads from the cache. Scheduled runs change
// task status behind its back, so cached reads may lag by up to their TTL.
type CachedTaskService struct {
	TaskService
	cache cache.Cache
	group singleflight.Group
	log   *zap.Logger
}

func NewCachedTaskService(taskService TaskService, c cache.Cache, log *zap.Logger) *CachedTaskService {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedTaskService{
		TaskService: taskService,
		cache:       c,
		log:         log.Named("cached-tasks"),
	}
}

func taskKey(id int64) string {
	return fmt.Sprintf("task:%d", id)
}

// load reads key from the cache or, on a miss, calls fetch once per key
// across concurrent callers and stores the result. The shared fetch is
// detached from the caller that started it, so one client going away does
// not fail the others; each caller still stops waiting when its own ctx ends.
func load[T any](ctx context.Context, s *CachedTaskService, key string, ttl time.Duration, tags []string, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	var cached T
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.log.Debug("cache read failed", zap.String("key", key), zap.Error(err))
	}

	ch := s.group.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		value, err := fetch(fctx)
		if err != nil {
			return value, err
		}
		if err := s.cache.Set(fctx, key, value, ttl, tags...); err != nil {
			s.log.Debug("cache write failed", zap.String("key", key), zap.Error(err))
		}
		return value, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

func (s *CachedTaskService) invalidate(ctx context.Context) {
	for _, tag := range []string{tagTasks, tagStats} {
		if err := s.cache.InvalidateTag(ctx, tag); err != nil {
			s.log.Warn("cache invalidation failed", zap.String("tag", tag), zap.Error(err))
		}
	}
}

func (s *CachedTaskService) List(ctx context.Context) ([]models.Task, error) {
	return load(ctx, s, keyAllTasks, listTTL, []string{tagTasks}, s.TaskService.List)
}

func (s *CachedTaskService) Get(ctx context.Context, id int64) (*models.Task, error) {
	return load(ctx, s, taskKey(id), taskTTL, []string{tagTasks}, func(ctx context.Context) (*models.Task, error) {
		return s.TaskService.Get(ctx, id)
	})
}

func (s *CachedTaskService) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	return load(ctx, s, keyDashboard, statsTTL, []string{tagStats}, s.TaskService.DashboardStats)
}

func (s *CachedTaskService) Create(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	task, err := s.TaskService.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return task, nil
}

func (s *CachedTaskService) Toggle(ctx context.Context, id int64) (bool, error) {
	enabled, err := s.TaskService.Toggle(ctx, id)
	if err == nil {
		s.invalidate(ctx)
	}
	return enabled, err
}

// Run invalidates even when the run fails: a failed run still changes the
// stored status and error count.
func (s *CachedTaskService) Run(ctx context.Context, id int64) (*scheduler.RunResult, error) {
	result, err := s.TaskService.Run(ctx, id)
	if result != nil {
		s.invalidate(ctx)
	}
	return result, err
}

func (s *CachedTaskService) Delete(ctx context.Context, id int64) error {
	if err := s.TaskService.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

func (s *CachedTaskService) ResetErrors(ctx context.Context, id int64) error {
	if err := s.TaskService.ResetErrors(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// InvalidateStats drops the cached dashboard numbers, for callers that
// change user counts.
func (s *CachedTaskService) InvalidateStats(ctx context.Context) {
	if err := s.cache.InvalidateTag(ctx, tagStats); err != nil {
		s.log.Warn("cache invalidation failed", zap.String("tag", tagStats), zap.Error(err))
	}
}

// WarmupJobs lists the reads worth loading before the first request.
func (s *CachedTaskService) WarmupJobs() []cache.WarmupJob {
	return []cache.WarmupJob{
		{
			Key: keyAllTasks, TTL: listTTL, Priority: 100, Tags: []string{tagTasks},
			Load: func(ctx context.Context) (interface{}, error) { return s.TaskService.List(ctx) },
		},
		{
			Key: keyDashboard, TTL: statsTTL, Priority: 80, Tags: []string{tagStats},
			Load: func(ctx context.Context) (interface{}, error) { return s.TaskService.DashboardStats(ctx) },
		},
	}
}

func (s *CachedTaskService) CacheStats() map[string]interface{} {
	return s.cache.Stats()
}
