package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type JobType string

const (
	JobTypeTaskFailed   JobType = "task_failed"
	JobTypeNotification JobType = "notification"
)

const (
	QueueNotifications = "notifications"
	QueueRetry         = "retry_queue"
	QueueDead          = "dead_queue"

	defaultMaxTries   = 3
	defaultJobTimeout = 30 * time.Second
)

type Job struct {
	ID        string                 `json:"id"`
	Type      JobType                `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Attempts  int                    `json:"attempts"`
	MaxTries  int                    `json:"max_tries"`
	LastError string                 `json:"last_error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	ProcessAt time.Time              `json:"process_at"`
}

type JobHandler func(ctx context.Context, job *Job) error

type WorkerConfig struct {
	RedisClient  *redis.Client
	Concurrency  int
	PollInterval time.Duration
	Queues       []string
	RetryBase    time.Duration
	JobTimeout   time.Duration
	Log          *zap.Logger
}

// Worker drains Redis list queues. Failed jobs are retried with exponential
// delay through the retry queue and parked in the dead queue once they run
// out of attempts.
type Worker struct {
	client       *redis.Client
	handlers     map[JobType]JobHandler
	queues       []string
	concurrency  int
	pollInterval time.Duration
	retryBase    time.Duration
	jobTimeout   time.Duration
	log          *zap.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	dead      atomic.Int64
}

func NewWorker(config WorkerConfig) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if len(config.Queues) == 0 {
		config.Queues = []string{QueueNotifications, QueueRetry}
	}
	if config.RetryBase <= 0 {
		config.RetryBase = time.Minute
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaultJobTimeout
	}
	if config.Log == nil {
		config.Log = zap.NewNop()
	}

	return &Worker{
		client:       config.RedisClient,
		handlers:     make(map[JobType]JobHandler),
		queues:       config.Queues,
		concurrency:  config.Concurrency,
		pollInterval: config.PollInterval,
		retryBase:    config.RetryBase,
		jobTimeout:   config.JobTimeout,
		log:          config.Log.Named("worker"),
	}
}

func (w *Worker) RegisterHandler(jobType JobType, handler JobHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
}

// Start launches the worker loops. Calling Start on a running worker is a
// no-op.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.loop(gctx)
			return nil
		})
	}

	w.cancel = cancel
	w.group = g
	w.running = true
	w.log.Info("worker started", zap.Int("concurrency", w.concurrency), zap.Strings("queues", w.queues))
	return nil
}

// Stop cancels the loops and waits for the job in hand to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, g := w.cancel, w.group
	w.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.processNextJob(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("error processing job", zap.Error(err))
			sleep(ctx, time.Second)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) processNextJob(ctx context.Context) error {
	result, err := w.client.BLPop(ctx, w.pollInterval, w.queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to pop job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	queue, jobData := result[0], result[1]

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		w.log.Error("dropping malformed job", zap.String("queue", queue), zap.Error(err))
		return w.pushDead(context.WithoutCancel(ctx), jobData, err)
	}

	if wait := time.Until(job.ProcessAt); wait > 0 {
		if err := w.enqueueJob(context.WithoutCancel(ctx), queue, &job); err != nil {
			return err
		}
		sleep(ctx, min(wait, w.pollInterval))
		return nil
	}

	return w.executeJob(ctx, &job)
}

func (w *Worker) executeJob(ctx context.Context, job *Job) error {
	log := w.log.With(zap.String("job_id", job.ID), zap.String("type", string(job.Type)))

	w.mu.RLock()
	handler, exists := w.handlers[job.Type]
	w.mu.RUnlock()

	// Requeues must land even while the worker is shutting down.
	bookCtx := context.WithoutCancel(ctx)

	if !exists {
		w.failed.Add(1)
		log.Error("no handler registered for job type")
		return w.moveToDeadQueue(bookCtx, job, fmt.Errorf("no handler registered for job type: %s", job.Type))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	err := handler(jobCtx, job)
	if err == nil {
		w.processed.Add(1)
		log.Debug("job completed")
		return nil
	}

	w.failed.Add(1)
	job.Attempts++
	job.LastError = err.Error()
	if job.Attempts < job.MaxTries {
		log.Warn("job failed, retrying", zap.Int("attempt", job.Attempts), zap.Int("max_tries", job.MaxTries), zap.Error(err))
		return w.retryJob(bookCtx, job)
	}

	log.Error("job failed permanently", zap.Int("attempts", job.Attempts), zap.Error(err))
	return w.moveToDeadQueue(bookCtx, job, err)
}

func (w *Worker) retryJob(ctx context.Context, job *Job) error {
	delay := w.retryBase * time.Duration(1<<(job.Attempts-1))
	job.ProcessAt = time.Now().Add(delay)
	w.retried.Add(1)
	return w.enqueueJob(ctx, QueueRetry, job)
}

func (w *Worker) enqueueJob(ctx context.Context, queue string, job *Job) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return w.client.RPush(ctx, queue, jobData).Err()
}

func (w *Worker) moveToDeadQueue(ctx context.Context, job *Job, jobErr error) error {
	return w.pushDead(ctx, job, jobErr)
}

func (w *Worker) pushDead(ctx context.Context, original interface{}, jobErr error) error {
	deadJobData, err := json.Marshal(map[string]interface{}{
		"original_job": original,
		"error":        jobErr.Error(),
		"failed_at":    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead job: %w", err)
	}
	w.dead.Add(1)
	return w.client.RPush(ctx, QueueDead, deadJobData).Err()
}

func (w *Worker) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running":   w.Running(),
		"processed": w.processed.Load(),
		"failed":    w.failed.Load(),
		"retried":   w.retried.Load(),
		"dead":      w.dead.Load(),
	}
}

type JobQueue struct {
	client *redis.Client
}

func NewJobQueue(client *redis.Client) *JobQueue {
	return &JobQueue{client: client}
}

func (q *JobQueue) Enqueue(ctx context.Context, queue string, jobType JobType, payload map[string]interface{}) (string, error) {
	return q.EnqueueAt(ctx, queue, jobType, payload, time.Now())
}

func (q *JobQueue) EnqueueAt(ctx context.Context, queue string, jobType JobType, payload map[string]interface{}, processAt time.Time) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	job := &Job{
		ID:        id.String(),
		Type:      jobType,
		Payload:   payload,
		MaxTries:  defaultMaxTries,
		CreatedAt: time.Now().UTC(),
		ProcessAt: processAt.UTC(),
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := q.client.RPush(ctx, queue, jobData).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// Notify puts a notification job on the notifications queue.
func (q *JobQueue) Notify(ctx context.Context, kind string, payload map[string]interface{}) error {
	_, err := q.Enqueue(ctx, QueueNotifications, JobType(kind), payload)
	return err
}

func (q *JobQueue) GetQueueSize(ctx context.Context, queue string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return q.client.LLen(ctx, queue).Result()
}
