package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-recon/config"
	"github.com/warp/payroll-recon/detection"
	"github.com/warp/payroll-recon/factory"
	"github.com/warp/payroll-recon/lock"
	"github.com/warp/payroll-recon/reconciliation"
	"github.com/warp/payroll-recon/store/sqlite"
	"github.com/warp/payroll-recon/trace"
)

// memoryQueueCapacity bounds deferred checks waiting in-process.
const memoryQueueCapacity = 1024

// app is everything a subcommand needs, wired from one Config.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	store    *sqlite.Store
	registry *factory.Registry
	engine   *detection.Engine
	service  *reconciliation.Service
	queue    reconciliation.JobQueue
	redis    redis.UniversalClient
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	a.store, err = sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	base := cfg.DetectionConfig()
	a.registry = factory.NewRegistry(base)
	if cfg.TenantsFile != "" {
		profiles, err := factory.NewProfileFactory(base).LoadFile(cfg.TenantsFile)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("tenant profiles: %w", err)
		}
		for _, p := range profiles {
			a.registry.Register(p)
		}
		logger.WithField("tenants", a.registry.Tenants()).Info("Tenant profiles loaded")
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		a.redis, err = lock.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		locker = lock.NewRedis(a.redis, cfg.Redis.LockRetries, cfg.Redis.LockBackoff)
		logger.WithField("addr", cfg.Redis.Addr).Info("Using Redis run locks")
	}

	switch cfg.Queue.Driver {
	case config.QueueLmstfy:
		a.queue = reconciliation.NewLmstfyQueue(reconciliation.LmstfyOptions{
			Host:        cfg.Queue.Lmstfy.Host,
			Port:        cfg.Queue.Lmstfy.Port,
			Namespace:   cfg.Queue.Lmstfy.Namespace,
			Token:       cfg.Queue.Lmstfy.Token,
			Queue:       cfg.Queue.Name,
			Tries:       cfg.Queue.Tries,
			TTR:         cfg.Queue.TTR,
			PollTimeout: cfg.Queue.PollTimeout,
		})
	default:
		a.queue = reconciliation.NewMemoryQueue(memoryQueueCapacity, cfg.Queue.PollTimeout)
	}

	a.engine = detection.NewEngine(a.store, locker, a.registry, logger)
	builder := trace.NewBuilder(a.store, a.registry, logger)
	a.service = reconciliation.NewService(a.store, a.engine, builder, a.queue, a.registry, logger,
		reconciliation.WithAsyncThreshold(cfg.Reconciliation.AsyncThreshold),
		reconciliation.WithTraceLimit(cfg.Reconciliation.TraceLimit),
	)
	return a, nil
}

func (a *app) newWorker() *reconciliation.Worker {
	return reconciliation.NewWorker(a.service, a.queue, a.logger, reconciliation.WorkerOptions{
		Concurrency:  a.cfg.Worker.Concurrency,
		ErrorBackoff: a.cfg.Worker.PollInterval,
		JobTimeout:   a.cfg.Worker.JobTimeout,
	})
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close redis client")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close database")
		}
	}
}
