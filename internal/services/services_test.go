package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"task-scheduler/backend/internal/cache"
	"task-scheduler/backend/internal/config"
	"task-scheduler/backend/internal/database"
	"task-scheduler/backend/internal/models"
	"task-scheduler/backend/internal/repositories"
	"task-scheduler/backend/internal/scheduler"
)

type testEnv struct {
	users  repositories.UserRepository
	tasks  repositories.TaskRepository
	sched  *scheduler.Scheduler
	tokens *TokenService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := database.OpenInMemory(context.Background(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tasks := repositories.NewTaskRepository(store)
	registry := scheduler.NewRegistry()
	registry.Register("noop", func(context.Context, models.Task) error { return nil })
	registry.Register("explode", func(context.Context, models.Task) error { return errors.New("boom") })

	sched := scheduler.New(tasks, registry, zap.NewNop(), scheduler.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Stop(ctx)
	})

	return &testEnv{
		users:  repositories.NewUserRepository(store, bcrypt.MinCost),
		tasks:  tasks,
		sched:  sched,
		tokens: NewTokenService(config.AuthConfig{JWTSecret: "test-secret", Issuer: "test", AccessTokenTTL: time.Hour}),
	}
}

func boolPtr(b bool) *bool { return &b }

func TestTokenService_IssueAndParse(t *testing.T) {
	tokens := NewTokenService(config.AuthConfig{JWTSecret: "secret", Issuer: "task-scheduler", AccessTokenTTL: time.Minute})
	user := &models.User{ID: 42, Username: "alice", Role: models.RoleAdmin}

	token, expiresAt, err := tokens.Issue(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 5*time.Second)

	claims, err := tokens.Parse(token)
	require.NoError(t, err)
	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, models.RoleAdmin, claims.Role)
}

func TestTokenService_Rejects(t *testing.T) {
	tokens := NewTokenService(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute})
	token, _, err := tokens.Issue(&models.User{ID: 1, Username: "bob", Role: models.RoleUser})
	require.NoError(t, err)

	other := NewTokenService(config.AuthConfig{JWTSecret: "different", AccessTokenTTL: time.Minute})
	_, err = other.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = tokens.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tokens.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type countingInvalidator struct{ calls int32 }

func (c *countingInvalidator) InvalidateStats(context.Context) { atomic.AddInt32(&c.calls, 1) }

func TestUserService_RegisterLoginChangePassword(t *testing.T) {
	env := newTestEnv(t)
	stats := &countingInvalidator{}
	svc := NewUserService(env.users, env.tokens, stats, zap.NewNop())
	ctx := context.Background()

	_, err := svc.Register(ctx, RegistrationRequest{
		Username: "alice", Email: "alice@example.com", Password: "secret1", ConfirmPassword: "secret2",
	})
	assert.ErrorIs(t, err, ErrPasswordMismatch)

	user, err := svc.Register(ctx, RegistrationRequest{
		Username: "alice", Email: "alice@example.com", Password: "secret1", ConfirmPassword: "secret1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, user.Role)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stats.calls))

	_, err = svc.Register(ctx, RegistrationRequest{
		Username: "alice", Email: "other@example.com", Password: "secret1", ConfirmPassword: "secret1",
	})
	assert.ErrorIs(t, err, repositories.ErrUserExists)

	_, err = svc.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	result, err := svc.Login(ctx, "alice", "secret1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, user.ID, result.User.ID)

	err = svc.ChangePassword(ctx, user.ID, ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "newpass", ConfirmPassword: "newpass"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	err = svc.ChangePassword(ctx, user.ID, ChangePasswordRequest{CurrentPassword: "secret1", NewPassword: "newpass", ConfirmPassword: "other"})
	assert.ErrorIs(t, err, ErrPasswordMismatch)
	require.NoError(t, svc.ChangePassword(ctx, user.ID, ChangePasswordRequest{CurrentPassword: "secret1", NewPassword: "newpass", ConfirmPassword: "newpass"}))

	_, err = svc.Login(ctx, "alice", "newpass")
	assert.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, user.ID))
	assert.Equal(t, int32(2), atomic.LoadInt32(&stats.calls))
	_, err = svc.GetByID(ctx, user.ID)
	assert.ErrorIs(t, err, repositories.ErrUserNotFound)
}

func TestTaskService_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	svc := NewTaskService(env.tasks, env.users, env.sched, zap.NewNop())
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateTaskRequest{Name: "hourly", Schedule: "0 * * * *", Handler: "noop"})
	require.NoError(t, err)
	assert.True(t, task.Enabled)
	assert.NotNil(t, task.NextRun)

	info, ok := env.sched.Get(task.ID)
	require.True(t, ok)
	assert.True(t, info.Armed)

	enabled, err := svc.Toggle(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = svc.Run(ctx, task.ID)
	assert.ErrorIs(t, err, scheduler.ErrTaskDisabled)

	_, err = svc.Toggle(ctx, task.ID)
	require.NoError(t, err)

	result, err := svc.Run(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, result.Status)

	logs, err := svc.Logs(ctx, task.ID, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	require.NoError(t, svc.Delete(ctx, task.ID))
	_, ok = env.sched.Get(task.ID)
	assert.False(t, ok)

	_, err = svc.Logs(ctx, task.ID, 10)
	assert.ErrorIs(t, err, repositories.ErrTaskNotFound)
	_, err = svc.Toggle(ctx, task.ID)
	assert.ErrorIs(t, err, repositories.ErrTaskNotFound)
	_, err = svc.Run(ctx, task.ID)
	assert.ErrorIs(t, err, repositories.ErrTaskNotFound)
}

func TestTaskService_FailedRunAndResetErrors(t *testing.T) {
	env := newTestEnv(t)
	svc := NewTaskService(env.tasks, env.users, env.sched, zap.NewNop())
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateTaskRequest{Name: "bad", Schedule: "not cron", Handler: "explode"})
	require.NoError(t, err)
	assert.Nil(t, task.NextRun)

	result, err := svc.Run(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, result.Status)
	assert.EqualError(t, result.Err, "boom")

	got, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ErrorCount)

	require.NoError(t, svc.ResetErrors(ctx, task.ID))
	got, err = svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ErrorCount)
}

func TestTaskService_DashboardStats(t *testing.T) {
	env := newTestEnv(t)
	svc := NewTaskService(env.tasks, env.users, env.sched, zap.NewNop())
	ctx := context.Background()

	_, err := env.users.Create(ctx, repositories.CreateUserInput{Username: "u1", Email: "u1@example.com", Password: "secret1"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateTaskRequest{Name: "a", Schedule: "@hourly", Handler: "noop"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateTaskRequest{Name: "b", Schedule: "@daily", Handler: "noop", Enabled: boolPtr(false)})
	require.NoError(t, err)

	stats, err := svc.DashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalUsers)
	assert.Equal(t, int64(2), stats.TotalTasks)
	assert.Equal(t, int64(1), stats.EnabledTasks)
	assert.Equal(t, int64(2), stats.TasksByStatus[models.TaskStatusPending])
	assert.Equal(t, int64(0), stats.TasksByStatus[models.TaskStatusFailed])
}

// slowTaskService counts List calls so cache hits and collapsed misses can be
// told apart.
type slowTaskService struct {
	TaskService
	listCalls int32
	release   chan struct{}
}

func (s *slowTaskService) List(ctx context.Context) ([]models.Task, error) {
	atomic.AddInt32(&s.listCalls, 1)
	if s.release != nil {
		<-s.release
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []models.Task{{ID: 1, Name: "cached"}}, nil
}

func TestCachedTaskService_CachesAndInvalidates(t *testing.T) {
	env := newTestEnv(t)
	inner := NewTaskService(env.tasks, env.users, env.sched, zap.NewNop())
	svc := NewCachedTaskService(inner, cache.NewMultiLevelCache(nil, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Writes behind the service are not seen until invalidation.
	_, err = env.tasks.Create(ctx, repositories.CreateTaskInput{Name: "direct", Schedule: "@hourly", Handler: "noop", Enabled: true})
	require.NoError(t, err)
	list, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = svc.Create(ctx, CreateTaskRequest{Name: "through", Schedule: "@hourly", Handler: "noop"})
	require.NoError(t, err)

	list, err = svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	stats, err := svc.DashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalTasks)

	require.NoError(t, svc.Delete(ctx, list[0].ID))
	stats, err = svc.DashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalTasks)
}

func TestCachedTaskService_CollapsesConcurrentMisses(t *testing.T) {
	inner := &slowTaskService{release: make(chan struct{})}
	svc := NewCachedTaskService(inner, cache.NewMultiLevelCache(nil, zap.NewNop()), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			list, err := svc.List(context.Background())
			assert.NoError(t, err)
			assert.Len(t, list, 1)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.listCalls))

	_, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.listCalls))
}

func TestCachedTaskService_CancelledCallerDoesNotFailOthers(t *testing.T) {
	inner := &slowTaskService{release: make(chan struct{})}
	svc := NewCachedTaskService(inner, cache.NewMultiLevelCache(nil, zap.NewNop()), zap.NewNop())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.List(firstCtx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&inner.listCalls) == 1 },
		time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			list, err := svc.List(context.Background())
			assert.NoError(t, err)
			assert.Len(t, list, 1)
		}()
	}
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting for the shared fetch")
	}

	close(inner.release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.listCalls))
}

func TestCachedTaskService_WarmupJobs(t *testing.T) {
	inner := &slowTaskService{}
	c := cache.NewMultiLevelCache(nil, zap.NewNop())
	svc := NewCachedTaskService(inner, c, zap.NewNop())

	warmer := cache.NewCacheWarmer(c, nil, zap.NewNop())
	for _, job := range svc.WarmupJobs() {
		if job.Key == keyAllTasks {
			warmer.AddWarmupJob(job)
		}
	}
	assert.Equal(t, 1, warmer.WarmAll(context.Background()))

	_, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.listCalls))
}
