package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/parcelhub/jobcore/internal/analytics"
	"github.com/parcelhub/jobcore/internal/bulk"
	"github.com/parcelhub/jobcore/internal/cache"
	"github.com/parcelhub/jobcore/internal/config"
	"github.com/parcelhub/jobcore/internal/operation"
	"github.com/parcelhub/jobcore/internal/platform/files"
	"github.com/parcelhub/jobcore/internal/platform/inproc"
	"github.com/parcelhub/jobcore/internal/platform/memory"
	"github.com/parcelhub/jobcore/internal/platform/postgres"
	"github.com/parcelhub/jobcore/internal/platform/redis"
	"github.com/parcelhub/jobcore/internal/queue"
	"github.com/parcelhub/jobcore/internal/scheduler"
	"github.com/parcelhub/jobcore/internal/service"
	"github.com/parcelhub/jobcore/internal/service/auth"
	"github.com/parcelhub/jobcore/internal/worker"
)

// cacheSweepInterval is how often the in-memory cache drops expired entries.
const cacheSweepInterval = time.Minute

// application holds the process-wide dependencies so they can be wired once
// and released in reverse order on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db    *sql.DB
	redis *goredis.Client

	queue     queue.Client
	cache     cache.Cache
	tracker   *operation.Tracker
	files     *files.Local
	entities  *inproc.Entities
	scheduler *scheduler.Scheduler
	workers   *worker.Manager

	jobService service.JobService
	analytics  *analytics.Service
	jwtService auth.JWTService
	admins     []uuid.UUID

	stopBackground context.CancelFunc
}

// newApplication connects the configured backends and builds every
// component. Nothing is started yet.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			app.cleanup()
		}
	}()

	var err error
	if app.jwtService, err = auth.NewJWTService(cfg.Auth); err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}
	for _, raw := range cfg.Auth.AdminUserIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("auth.admin_user_ids: %w", err)
		}
		app.admins = append(app.admins, id)
	}

	if err = app.openBackends(ctx); err != nil {
		return nil, err
	}

	if app.files, err = files.NewLocal(cfg.Artifacts.Dir); err != nil {
		return nil, fmt.Errorf("failed to open artifact directory: %w", err)
	}
	app.entities = inproc.NewEntities(nil)

	if cfg.Scheduler.Enabled {
		if err = app.setupScheduler(ctx); err != nil {
			return nil, err
		}
	}

	var recurring service.Recurring
	if app.scheduler != nil {
		recurring = app.scheduler
	}
	if app.jobService, err = service.NewJobService(app.tracker, app.queue, app.files, recurring, logger); err != nil {
		return nil, fmt.Errorf("failed to create job service: %w", err)
	}
	app.analytics = analytics.NewService(app.entities, app.cache, logger)

	if cfg.Worker.Enabled {
		if err = app.setupWorkers(); err != nil {
			return nil, err
		}
	}

	logger.Info("Application initialized successfully",
		"workers", cfg.Worker.Enabled,
		"scheduler", cfg.Scheduler.Enabled,
		"admins", len(app.admins))
	ready = true
	return app, nil
}

// openBackends connects the operation store, queue and cache drivers.
func (app *application) openBackends(ctx context.Context) error {
	cfg := app.config

	if cfg.Drivers.Queue == "redis" || cfg.Drivers.Cache == "redis" {
		client, err := redis.Open(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.redis = client
		app.logger.Info("Redis connection established")
	}
	redisOpts := []redis.Option{
		redis.WithPrefix(cfg.Redis.Prefix),
		redis.WithLogger(app.logger),
	}

	var ops operation.Store
	switch cfg.Drivers.Store {
	case "postgres":
		db, err := setupAppDatabase(ctx, cfg.Database, app.logger)
		if err != nil {
			return err
		}
		app.db = db
		if cfg.Database.MigrateOnStart {
			if err := postgres.Migrate(ctx, db, app.logger); err != nil {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		ops = postgres.NewOperationStore(db, app.logger)
	default:
		ops = memory.NewOperationStore(nil)
	}
	app.tracker = operation.NewTracker(ops, app.logger)

	switch cfg.Drivers.Queue {
	case "redis":
		app.queue = redis.NewQueue(app.redis, redisOpts...)
	default:
		app.queue = memory.NewQueue()
	}

	switch cfg.Drivers.Cache {
	case "redis":
		app.cache = redis.NewCache(app.redis, redisOpts...)
	default:
		mc := memory.NewCache(nil)
		bg, cancel := context.WithCancel(context.Background())
		app.stopBackground = cancel
		go mc.RunSweeper(bg, cacheSweepInterval)
		app.cache = mc
	}
	return nil
}

// setupScheduler builds the scheduler on the queue's backend and registers
// the default analytics refreshes.
func (app *application) setupScheduler(ctx context.Context) error {
	cfg := app.config

	var schedules scheduler.Store
	if cfg.Drivers.Queue == "redis" {
		schedules = redis.NewScheduleStore(app.redis, redis.WithPrefix(cfg.Redis.Prefix))
	} else {
		schedules = memory.NewScheduleStore(nil)
	}

	app.scheduler = scheduler.New(schedules, app.queue, app.logger,
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
		scheduler.WithMisfireGrace(cfg.Scheduler.MisfireGrace))

	if err := analytics.RegisterSchedules(ctx, app.scheduler, analytics.DefaultSchedules()); err != nil {
		return fmt.Errorf("failed to register analytics schedules: %w", err)
	}
	return nil
}

// setupWorkers registers every handler and builds the pools this process
// serves.
func (app *application) setupWorkers() error {
	cfg := app.config

	policies, err := buildPolicies(cfg.Queues)
	if err != nil {
		return err
	}
	queues, err := servedQueues(cfg.Worker.Queues)
	if err != nil {
		return err
	}

	registry := worker.NewRegistry()
	runner := bulk.NewRunner(app.tracker, app.files, cfg.Bulk.Parallelism, app.logger)
	bulk.NewHandlers(runner, bulk.Ports{
		Orders:    app.entities,
		Shipments: app.entities,
		Billing:   app.entities,
		Files:     app.files,
	}, app.logger).Register(registry)
	analytics.NewHandlers(app.entities, app.cache, analytics.DefaultFanOut, app.logger).Register(registry)

	app.workers, err = worker.NewManager(app.queue, registry, policies, queues, app.logger,
		worker.WithExhaustedFunc(bulk.FailOperation(app.tracker, app.logger)))
	if err != nil {
		return fmt.Errorf("failed to create worker manager: %w", err)
	}
	return nil
}

// start launches the worker pools and the scheduler.
func (app *application) start(ctx context.Context) error {
	if app.workers != nil {
		if err := app.workers.Start(ctx); err != nil {
			return fmt.Errorf("failed to start workers: %w", err)
		}
	}
	if app.scheduler != nil {
		if err := app.scheduler.Start(ctx); err != nil {
			if app.workers != nil {
				_ = app.workers.Stop(ctx)
			}
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return nil
}

// stop halts the scheduler first so no new jobs are produced, then drains
// the worker pools.
func (app *application) stop(ctx context.Context) error {
	var errs []error
	if app.scheduler != nil {
		if err := app.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
	}
	if app.workers != nil {
		workerCtx := ctx
		if d := app.config.Worker.ShutdownTimeout; d > 0 {
			var cancel context.CancelFunc
			workerCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		if err := app.workers.Stop(workerCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the background components and serves HTTP until ctx is done.
func (app *application) Run(ctx context.Context) error {
	if err := app.start(ctx); err != nil {
		app.cleanup()
		return err
	}
	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup releases connections in reverse order of acquisition.
func (app *application) cleanup() {
	if app.stopBackground != nil {
		app.stopBackground()
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("Error closing redis connection", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}
	app.logger.Info("Application shutdown completed")
}
