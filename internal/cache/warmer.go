package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WarmupJob loads one value into the cache ahead of the first request.
type WarmupJob struct {
	Key      string
	TTL      time.Duration
	Priority int
	Tags     []string
	Load     func(ctx context.Context) (interface{}, error)
}

type WarmupStrategy struct {
	ConcurrentJobs int
	WarmupInterval time.Duration
}

// CacheWarmer refreshes registered keys on a fixed interval. Higher priority
// jobs are started first.
type CacheWarmer struct {
	cache    Cache
	strategy WarmupStrategy
	log      *zap.Logger

	mu      sync.Mutex
	jobs    []WarmupJob
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewCacheWarmer(c Cache, strategy *WarmupStrategy, log *zap.Logger) *CacheWarmer {
	s := WarmupStrategy{ConcurrentJobs: 3, WarmupInterval: 5 * time.Minute}
	if strategy != nil {
		if strategy.ConcurrentJobs > 0 {
			s.ConcurrentJobs = strategy.ConcurrentJobs
		}
		if strategy.WarmupInterval > 0 {
			s.WarmupInterval = strategy.WarmupInterval
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CacheWarmer{cache: c, strategy: s, log: log.Named("cache-warmer")}
}

func (cw *CacheWarmer) AddWarmupJob(job WarmupJob) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.jobs = append(cw.jobs, job)
	sort.SliceStable(cw.jobs, func(i, j int) bool {
		return cw.jobs[i].Priority > cw.jobs[j].Priority
	})
}

// WarmAll runs every job once. A failing loader is logged and skipped; the
// returned count is the number of keys written.
func (cw *CacheWarmer) WarmAll(ctx context.Context) int {
	cw.mu.Lock()
	jobs := make([]WarmupJob, len(cw.jobs))
	copy(jobs, cw.jobs)
	cw.mu.Unlock()

	var (
		mu      sync.Mutex
		written int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cw.strategy.ConcurrentJobs)

	for _, job := range jobs {
		g.Go(func() error {
			value, err := job.Load(gctx)
			if err != nil {
				cw.log.Warn("warmup load failed", zap.String("key", job.Key), zap.Error(err))
				return nil
			}
			if err := cw.cache.Set(gctx, job.Key, value, job.TTL, job.Tags...); err != nil {
				cw.log.Warn("warmup set failed", zap.String("key", job.Key), zap.Error(err))
				return nil
			}
			mu.Lock()
			written++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	cw.log.Debug("cache warmed", zap.Int("keys", written), zap.Int("jobs", len(jobs)))
	return written
}

// Start warms immediately and then on every interval until Stop or ctx ends.
func (cw *CacheWarmer) Start(ctx context.Context) {
	cw.mu.Lock()
	if cw.running {
		cw.mu.Unlock()
		return
	}
	ctx, cw.cancel = context.WithCancel(ctx)
	cw.done = make(chan struct{})
	cw.running = true
	cw.mu.Unlock()

	go func() {
		defer close(cw.done)

		ticker := time.NewTicker(cw.strategy.WarmupInterval)
		defer ticker.Stop()

		cw.WarmAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cw.WarmAll(ctx)
			}
		}
	}()
}

func (cw *CacheWarmer) Stop() {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return
	}
	cw.running = false
	cancel, done := cw.cancel, cw.done
	cw.mu.Unlock()

	cancel()
	<-done
}

func (cw *CacheWarmer) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.running
}
