package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"task-scheduler/backend/internal/models"
	"task-scheduler/backend/internal/repositories"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskDisabled       = errors.New("task disabled")
	ErrTaskAlreadyRunning = errors.New("task is already running")
	ErrUnknownHandler     = errors.New("unknown task handler")
	ErrStopped            = errors.New("scheduler stopped")
)

const (
	defaultExecutionTimeout = 5 * time.Minute
	recordTimeout           = 10 * time.Second
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Interval returns the time between two consecutive fire times of schedule,
// or 0 when the expression cannot be parsed.
func Interval(schedule string) time.Duration {
	sched, err := parser.Parse(schedule)
	if err != nil {
		return 0
	}
	first := sched.Next(time.Now().UTC())
	if first.IsZero() {
		return 0
	}
	return sched.Next(first).Sub(first)
}

type Options struct {
	ExecutionTimeout time.Duration
}

type RunResult struct {
	TaskID   int64         `json:"taskId"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"-"`
	Err      error         `json:"-"`
}

// TaskInfo is a point-in-time view of a registered task.
type TaskInfo struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Handler  string     `json:"handler"`
	Enabled  bool       `json:"enabled"`
	Armed    bool       `json:"armed"`
	Interval string     `json:"interval"`
	NextRun  *time.Time `json:"nextRun"`
}

type entry struct {
	task     models.Task
	schedule cron.Schedule
	cronID   cron.EntryID
	armed    bool
}

// Scheduler arms a cron entry for every enabled task with a valid schedule
// and records each run through the task repository.
type Scheduler struct {
	tasks    repositories.TaskRepository
	registry *Registry
	cron     *cron.Cron
	log      *zap.Logger
	timeout  time.Duration

	mu      sync.RWMutex
	entries map[int64]*entry
	active  map[int64]struct{}
	started bool
	stopped bool

	runs   sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(tasks repositories.TaskRepository, registry *Registry, log *zap.Logger, opts Options) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = defaultExecutionTimeout
	}
	log = log.Named("scheduler")
	cronLog := newCronLogger(log)
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		tasks:    tasks,
		registry: registry,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
		log:     log,
		timeout: opts.ExecutionTimeout,
		entries: make(map[int64]*entry),
		active:  make(map[int64]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers every stored task and starts the cron loop. Tasks left
// running by a previous process are marked failed first.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.tasks.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	for _, task := range tasks {
		if task.Status == models.TaskStatusRunning {
			s.recoverInterrupted(ctx, task.ID)
		}
		if err := s.AddTask(ctx, task); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.cron.Start()

	s.log.Info("scheduler started", zap.Int("tasks", len(tasks)), zap.Int("armed", s.armedCount()))
	return nil
}

// recoverInterrupted fails a task whose run was cut off by a restart. Runs
// held by this process are left alone.
func (s *Scheduler) recoverInterrupted(ctx context.Context, id int64) {
	s.mu.RLock()
	_, held := s.active[id]
	s.mu.RUnlock()
	if held {
		return
	}

	log := s.log.With(zap.Int64("task_id", id))
	s.record(ctx, log, id, models.TaskStatusFailed, "interrupted by restart", 0)
	if err := s.tasks.IncrementErrorCount(ctx, id); err != nil {
		log.Error("failed to increment error count", zap.Error(err))
	}
	log.Warn("interrupted run marked failed")
}

// staleAfter is how long a running task may go without finishing before
// another run may take it over.
func (s *Scheduler) staleAfter() time.Duration {
	return s.timeout + recordTimeout
}

// AddTask registers task, replacing any earlier registration with the same id.
func (s *Scheduler) AddTask(ctx context.Context, task models.Task) error {
	s.mu.Lock()
	if old, ok := s.entries[task.ID]; ok && old.armed {
		s.cron.Remove(old.cronID)
	}

	e := &entry{task: task}
	s.entries[task.ID] = e

	var next *time.Time
	if task.Enabled {
		sched, err := parser.Parse(task.Schedule)
		if err != nil {
			s.log.Warn("schedule not recognised, task only runs manually",
				zap.Int64("task_id", task.ID), zap.String("schedule", task.Schedule), zap.Error(err))
		} else {
			id := task.ID
			e.schedule = sched
			e.cronID = s.cron.Schedule(sched, cron.FuncJob(func() { s.runScheduled(id) }))
			e.armed = true
			n := sched.Next(time.Now().UTC())
			next = &n
		}
	}
	s.mu.Unlock()

	if err := s.tasks.UpdateNextRun(ctx, task.ID, next); err != nil && !errors.Is(err, repositories.ErrTaskNotFound) {
		return err
	}
	return nil
}

// ToggleTask flips the stored enabled flag and arms or disarms the task.
func (s *Scheduler) ToggleTask(ctx context.Context, id int64) (bool, error) {
	enabled, err := s.tasks.ToggleEnabled(ctx, id)
	if errors.Is(err, repositories.ErrTaskNotFound) {
		return false, ErrTaskNotFound
	}
	if err != nil {
		return false, err
	}

	task, err := s.tasks.FindByID(ctx, id)
	if err != nil {
		return enabled, err
	}
	if err := s.AddTask(ctx, *task); err != nil {
		return enabled, err
	}

	s.log.Info("task toggled", zap.Int64("task_id", id), zap.Bool("enabled", enabled))
	return enabled, nil
}

// RemoveTask forgets a task, normally after it has been deleted.
func (s *Scheduler) RemoveTask(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		if e.armed {
			s.cron.Remove(e.cronID)
		}
		delete(s.entries, id)
	}
}

// RunTaskNow executes a task synchronously. Disabled tasks are rejected
// without touching their status or logs.
func (s *Scheduler) RunTaskNow(ctx context.Context, id int64) (*RunResult, error) {
	task, err := s.tasks.FindByID(ctx, id)
	if errors.Is(err, repositories.ErrTaskNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if !task.Enabled {
		return nil, ErrTaskDisabled
	}

	return s.execute(*task)
}

func (s *Scheduler) runScheduled(id int64) {
	s.mu.RLock()
	e, ok := s.entries[id]
	var task models.Task
	var sched cron.Schedule
	if ok {
		task = e.task
		sched = e.schedule
	}
	s.mu.RUnlock()
	if !ok {
		return
	}

	result, err := s.execute(task)
	switch {
	case errors.Is(err, ErrTaskAlreadyRunning):
		s.log.Warn("skipping scheduled run, previous run still active", zap.Int64("task_id", id))
	case err != nil:
		s.log.Error("scheduled run could not start", zap.Int64("task_id", id), zap.Error(err))
	case result.Err != nil:
		s.log.Warn("scheduled run failed", zap.Int64("task_id", id), zap.Error(result.Err))
	}

	if sched != nil {
		next := sched.Next(time.Now().UTC())
		if err := s.tasks.UpdateNextRun(s.ctx, id, &next); err != nil && !errors.Is(err, repositories.ErrTaskNotFound) {
			s.log.Error("failed to record next run", zap.Int64("task_id", id), zap.Error(err))
		}
	}
}

// execute claims the task, runs its handler under the execution timeout and
// records the outcome. The returned error reports why the run could not
// start; handler failures are reported in RunResult.Err.
func (s *Scheduler) execute(task models.Task) (*RunResult, error) {
	s.runs.Add(1)
	defer s.runs.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	claimed, err := s.tasks.TryMarkRunning(ctx, task.ID, start, start.Add(-s.staleAfter()))
	if errors.Is(err, repositories.ErrTaskNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrTaskAlreadyRunning
	}

	s.mu.Lock()
	s.active[task.ID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, task.ID)
		s.mu.Unlock()
	}()

	log := s.log.With(zap.Int64("task_id", task.ID), zap.String("handler", task.Handler))
	log.Info("task run started")

	if _, err := s.tasks.AddLog(ctx, repositories.TaskLogInput{
		TaskID:  task.ID,
		Status:  models.LogStatusStarted,
		Message: strPtr("task started"),
	}); err != nil {
		log.Error("failed to record start log", zap.Error(err))
	}

	runErr := s.invoke(ctx, task)
	duration := time.Since(start)
	ms := duration.Milliseconds()

	// The run context may have expired; bookkeeping still has to land.
	recordCtx, cancelRecord := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancelRecord()

	result := &RunResult{TaskID: task.ID, Duration: duration, Err: runErr}
	if runErr == nil {
		result.Status = models.TaskStatusCompleted
		s.record(recordCtx, log, task.ID, models.TaskStatusCompleted, "task completed successfully", ms)
		log.Info("task run completed", zap.Duration("duration", duration))
		return result, nil
	}

	result.Status = models.TaskStatusFailed
	s.record(recordCtx, log, task.ID, models.TaskStatusFailed, runErr.Error(), ms)
	if err := s.tasks.IncrementErrorCount(recordCtx, task.ID); err != nil {
		log.Error("failed to increment error count", zap.Error(err))
	}
	log.Warn("task run failed", zap.Duration("duration", duration), zap.Error(runErr))
	return result, nil
}

func (s *Scheduler) record(ctx context.Context, log *zap.Logger, id int64, status, message string, ms int64) {
	if err := s.tasks.UpdateStatus(ctx, id, status); err != nil {
		log.Error("failed to record task status", zap.String("status", status), zap.Error(err))
	}
	if _, err := s.tasks.AddLog(ctx, repositories.TaskLogInput{
		TaskID:     id,
		Status:     status,
		Message:    &message,
		DurationMS: &ms,
	}); err != nil {
		log.Error("failed to record task log", zap.Error(err))
	}
}

func (s *Scheduler) invoke(ctx context.Context, task models.Task) (err error) {
	handler, ok := s.registry.Lookup(task.Handler)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, task.Handler)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler(ctx, task)
}

func (s *Scheduler) snapshot(e *entry) TaskInfo {
	info := TaskInfo{
		ID:       e.task.ID,
		Name:     e.task.Name,
		Schedule: e.task.Schedule,
		Handler:  e.task.Handler,
		Enabled:  e.task.Enabled,
		Armed:    e.armed,
		Interval: Interval(e.task.Schedule).String(),
	}
	if e.armed {
		if next := s.cron.Entry(e.cronID).Next; !next.IsZero() {
			info.NextRun = &next
		} else {
			n := e.schedule.Next(time.Now().UTC())
			info.NextRun = &n
		}
	}
	return info
}

func (s *Scheduler) List() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]TaskInfo, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, s.snapshot(e))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (s *Scheduler) Get(id int64) (TaskInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return TaskInfo{}, false
	}
	return s.snapshot(e), true
}

func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Scheduler) armedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.armed {
			n++
		}
	}
	return n
}

// Pause stops firing scheduled runs. Runs already in flight finish and
// RunTaskNow keeps working.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.cron.Stop()
	s.log.Info("scheduler paused")
}

// Resume restarts the cron loop after Pause.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	s.cron.Start()
	s.log.Info("scheduler resumed")
	return nil
}

// Stop halts the cron loop and waits for in-flight runs. When ctx expires
// first, the runs are cancelled and ctx.Err is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.started = false
	s.stopped = true
	s.mu.Unlock()
	s.cron.Stop()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func strPtr(s string) *string {
	return &s
}
