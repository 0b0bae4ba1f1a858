package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"task-scheduler/backend/internal/cache"
	"task-scheduler/backend/internal/config"
	"task-scheduler/backend/internal/database"
	"task-scheduler/backend/internal/handlers"
	"task-scheduler/backend/internal/logger"
	"task-scheduler/backend/internal/middleware"
	"task-scheduler/backend/internal/monitoring"
	"task-scheduler/backend/internal/repositories"
	"task-scheduler/backend/internal/scheduler"
	"task-scheduler/backend/internal/services"
	"task-scheduler/backend/internal/worker"
)

const redisConnectTries = 3

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := database.Open(appCtx, database.PoolConfigFrom(cfg), log)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	if err := store.Migrate(appCtx); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	taskRepo := repositories.NewTaskRepository(store)
	userRepo := repositories.NewUserRepository(store, cfg.Auth.BCryptCost)

	if cfg.Scheduler.SeedDefaults {
		n, err := scheduler.SeedDefaults(appCtx, taskRepo)
		if err != nil {
			log.Fatal("failed to seed default tasks", zap.Error(err))
		}
		if n > 0 {
			log.Info("default tasks seeded", zap.Int("count", n))
		}
	}

	var (
		redisCache *cache.RedisCache
		notifier   scheduler.Notifier
		jobWorker  *worker.Worker
	)
	if cfg.Redis.Enabled {
		redisCache, err = cache.Connect(appCtx, cache.CacheConfigFrom(cfg), redisConnectTries, log)
		if err != nil {
			log.Warn("redis unavailable, continuing without shared cache and notifications", zap.Error(err))
		} else {
			notifier = worker.NewJobQueue(redisCache.Client())
			jobWorker = worker.NewWorker(worker.WorkerConfig{
				RedisClient:  redisCache.Client(),
				Concurrency:  cfg.Worker.Concurrency,
				PollInterval: cfg.Worker.PollInterval,
				Queues:       cfg.Worker.Queues,
				Log:          log,
			})
			jobWorker.RegisterHandler(worker.JobTypeTaskFailed, worker.TaskFailedHandler(log))
		}
	}

	registry := scheduler.DefaultRegistry(scheduler.HandlerDeps{
		Tasks:     taskRepo,
		Backup:    store,
		Notifier:  notifier,
		Pace:      cfg.Scheduler.HandlerPace,
		Retention: cfg.Scheduler.LogRetention,
		BackupDir: cfg.Scheduler.BackupDir,
		Log:       log,
	})
	sched := scheduler.New(taskRepo, registry, log, scheduler.Options{
		ExecutionTimeout: cfg.Scheduler.ExecutionTimeout,
	})

	// Tasks are loaded on the first start; later starts only resume the
	// cron loop.
	schedulerLoaded := false
	startScheduler := func(context.Context) error {
		if !schedulerLoaded {
			if err := sched.Start(appCtx); err != nil {
				return err
			}
			schedulerLoaded = true
			return nil
		}
		return sched.Resume()
	}
	if cfg.Scheduler.Enabled {
		if err := startScheduler(appCtx); err != nil {
			log.Fatal("failed to start scheduler", zap.Error(err))
		}
	}

	multiCache := cache.NewMultiLevelCache(redisCache, log)
	tokens := services.NewTokenService(cfg.Auth)
	taskService := services.NewCachedTaskService(services.NewTaskService(taskRepo, userRepo, sched, log), multiCache, log)
	userService := services.NewUserService(userRepo, tokens, taskService, log)

	warmer := cache.NewCacheWarmer(multiCache, nil, log)
	for _, job := range taskService.WarmupJobs() {
		warmer.AddWarmupJob(job)
	}
	warmer.Start(appCtx)

	svcRegistry := monitoring.NewServiceRegistry(log)
	svcRegistry.Register("scheduler", "Task scheduler", monitoring.ControllerFuncs{
		StartFunc: startScheduler,
		StopFunc: func(context.Context) error {
			sched.Pause()
			return nil
		},
	}, sched.Running())
	svcRegistry.Register("cache-manager", "Cache manager", monitoring.ControllerFuncs{
		StartFunc: func(context.Context) error {
			warmer.Start(appCtx)
			return nil
		},
		StopFunc: func(context.Context) error {
			warmer.Stop()
			return nil
		},
	}, warmer.IsRunning())
	if jobWorker != nil {
		if err := jobWorker.Start(appCtx); err != nil {
			log.Fatal("failed to start worker", zap.Error(err))
		}
		svcRegistry.Register("notification-worker", "Notification worker", monitoring.ControllerFuncs{
			StartFunc: func(context.Context) error { return jobWorker.Start(appCtx) },
			StopFunc:  jobWorker.Stop,
		}, jobWorker.Running())
	}
	svcRegistry.Register("websocket-server", "WebSocket server", nil, true)
	svcRegistry.Register("file-watcher", "File watcher", nil, true)
	svcRegistry.Register("log-processor", "Log processor", nil, true)

	health := monitoring.NewHealthChecker(0)
	health.Register("database", store.Health)
	health.Register("cache", multiCache.Health)

	metrics := monitoring.NewMetrics()

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Log:         log,
		Metrics:     metrics,
		RateLimiter: limiter,
		CORSOrigins: cfg.Server.CORSOrigins,
		Tokens:      tokens,
		Auth:        handlers.NewAuthHandler(userService),
		Users:       handlers.NewUserHandler(userService),
		Tasks:       handlers.NewTaskHandler(taskService),
		System: handlers.NewSystemHandler(handlers.SystemHandlerConfig{
			Metrics:     metrics,
			Health:      health,
			Registry:    svcRegistry,
			TaskService: taskService,
			UserService: userService,
			Cache:       taskService,
			Environment: cfg.Server.Environment,
			Log:         log,
		}),
	})

	server := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr), zap.String("environment", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
		return nil
	})
	if limiter != nil {
		g.Go(func() error {
			limiter.Run(gctx)
			return nil
		})
	}

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.Server.ShutdownTimeout, map[string]gfshutdown.Operation{
		"application": func(ctx context.Context) error {
			log.Info("graceful shutdown initiated")

			var errs []error
			if err := server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
			if err := svcRegistry.StopAll(ctx); err != nil {
				errs = append(errs, err)
			}
			if err := sched.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("scheduler: %w", err))
			}
			cancel()
			if err := g.Wait(); err != nil {
				errs = append(errs, err)
			}
			if err := multiCache.Close(); err != nil {
				errs = append(errs, fmt.Errorf("cache: %w", err))
			}
			if err := store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("database: %w", err))
			}
			return errors.Join(errs...)
		},
	})

	exitCode := <-wait
	log.Info("shutdown complete", zap.Int("exit_code", exitCode))
	if exitCode != 0 {
		log.Sync()
		os.Exit(exitCode)
	}
}
