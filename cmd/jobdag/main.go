package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/aescanero/jobdag/internal/application/orchestrator"
	"github.com/aescanero/jobdag/internal/application/resultcache"
	"github.com/aescanero/jobdag/internal/application/workers"
	"github.com/aescanero/jobdag/internal/config"
	"github.com/aescanero/jobdag/internal/handlers"
	"github.com/aescanero/jobdag/internal/jobfile"
	"github.com/aescanero/jobdag/pkg/adapters/audit"
	cachememory "github.com/aescanero/jobdag/pkg/adapters/cache/memory"
	cacheredis "github.com/aescanero/jobdag/pkg/adapters/cache/redis"
	eventsmemory "github.com/aescanero/jobdag/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/jobdag/pkg/adapters/events/redis"
	promcollector "github.com/aescanero/jobdag/pkg/adapters/metrics/prometheus"
	"github.com/aescanero/jobdag/pkg/adapters/sink/sqlstore"
	"github.com/aescanero/jobdag/pkg/adapters/storage/etcd"
	storagememory "github.com/aescanero/jobdag/pkg/adapters/storage/memory"
	storageredis "github.com/aescanero/jobdag/pkg/adapters/storage/redis"
	grpcapi "github.com/aescanero/jobdag/pkg/api/grpc"
	httpapi "github.com/aescanero/jobdag/pkg/api/http"
	"github.com/aescanero/jobdag/pkg/api/websocket"
	"github.com/aescanero/jobdag/pkg/ports"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
)

func main() {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "serve":
		if err := serve(); err != nil {
			fmt.Fprintf(os.Stderr, "jobdag: %v\n", err)
			os.Exit(1)
		}
	case "validate":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: jobdag validate <jobfile>")
			os.Exit(2)
		}
		if err := validate(os.Args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "jobdag: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("jobdag %s (built %s)\n", Version, BuildTime)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, validate or version)\n", command)
		os.Exit(2)
	}
}

// validate checks a job file and prints its execution layers
func validate(path string) error {
	file, err := jobfile.Load(path)
	if err != nil {
		return err
	}

	layers, err := orchestrator.NewValidator().Layers(file.Jobs)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d jobs in %d layers\n", file.Name, len(file.Jobs), len(layers))
	for i, layer := range layers {
		ids := make([]string, len(layer))
		for j, job := range layer {
			ids[j] = job.ID
		}
		fmt.Printf("  layer %d: %v\n", i, ids)
	}
	return nil
}

// components holds everything serve builds so shutdown can release it in order
type components struct {
	redis     *goredis.Client
	etcd      *clientv3.Client
	bus       ports.EventBus
	streamBus ports.EventBus
	sink      *sqlstore.Sink
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting jobdag",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("state_backend", cfg.Storage.StateBackend),
		zap.String("checkpoint_backend", cfg.Storage.CheckpointBackend),
		zap.String("event_backend", cfg.Storage.EventBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &components{}
	defer c.close(logger)

	if cfg.UsesRedis() {
		c.redis = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		err := c.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	var state ports.StateStore
	var cacheStore ports.CacheStore
	switch cfg.Storage.StateBackend {
	case config.BackendRedis:
		state = storageredis.NewStateStorage(c.redis, cfg.Storage.StateTTL, logger)
		cacheStore = cacheredis.NewCacheStorage(c.redis, cfg.Scheduler.CacheTTL, logger)
	default:
		state = storagememory.NewInMemoryStateStorage()
		cacheStore = cachememory.NewInMemoryCacheStorage()
	}

	var checkpoints ports.CheckpointStore
	switch cfg.Storage.CheckpointBackend {
	case config.BackendRedis:
		checkpoints = storageredis.NewCheckpointStorage(c.redis, cfg.Storage.CheckpointTTL, logger)
	case config.BackendEtcd:
		c.etcd, err = etcd.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		checkpoints = etcd.NewCheckpointStorage(c.etcd, logger)
		logger.Info("connected to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	default:
		checkpoints = storagememory.NewInMemoryCheckpointStorage()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := promcollector.NewCollector(registry)

	var sink ports.PersistenceSink
	var runs httpapi.RunLister
	if cfg.Sink.Enabled {
		db, err := gorm.Open(sqlite.Open(cfg.Sink.DSN), &gorm.Config{})
		if err != nil {
			return fmt.Errorf("failed to open sink database: %w", err)
		}
		c.sink, err = sqlstore.NewSink(db, cfg.Sink.BufferSize, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize sink: %w", err)
		}
		sink, runs = c.sink, c.sink
	}

	// An empty SCHEDULER_WORKER_ID leaves the consumer name to the hostname
	scheduler := orchestrator.New(orchestrator.Config{
		Cache:              resultcache.New(cacheStore, cfg.Scheduler.CacheEnabled, logger),
		StateStore:         state,
		Checkpoints:        checkpoints,
		EventBus:           c.eventBus(cfg, cfg.Redis.ConsumerGroup, cfg.Scheduler.WorkerID, logger),
		Metrics:            metrics,
		Audit:              audit.NewLogger(logger, cfg.Scheduler.AuditBufferSize),
		Monitor:            audit.NewMonitor(nil, cfg.Scheduler.MonitorInterval, logger),
		Sink:               sink,
		Logger:             logger,
		Parallelism:        cfg.Scheduler.Parallelism,
		CodeVersion:        cfg.Scheduler.CodeVersion,
		WorkerID:           cfg.Scheduler.WorkerID,
		LockTTL:            cfg.Scheduler.LockTTL,
		LockWait:           cfg.Scheduler.LockWait,
		CheckpointInterval: cfg.Scheduler.CheckpointInterval,
		DefaultJobTimeout:  cfg.Timeouts.JobExecutionTimeout,
	})
	handlers.Register(scheduler)

	grpcServer, err := grpcapi.NewServer(&grpcapi.Config{Port: cfg.GRPCPort, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	pool := workers.NewPool(workers.PoolConfig{
		Size:                cfg.Workers.PoolSize,
		QueueSize:           cfg.Workers.QueueSize,
		ClaimTTL:            cfg.Workers.ClaimTTL,
		HealthCheckInterval: cfg.Workers.HealthCheckInterval,
		OnHealthChange:      grpcServer.SetServing,
	}, scheduler, c.bus, state, metrics, logger)
	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	// Every instance streams every event to its own websocket clients, so the
	// hub reads through a consumer group of its own.
	c.streamBus = c.newBus(cfg, fmt.Sprintf("%s-ws-%s", cfg.Redis.ConsumerGroup, scheduler.WorkerID()), scheduler.WorkerID(), logger)
	hub := websocket.NewHub(c.streamBus, logger)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start websocket hub: %w", err)
	}

	httpServer := httpapi.NewServer(&httpapi.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: scheduler,
		Submitter:    pool,
		Health:       pool.Health(),
		State:        state,
		Runs:         runs,
		Stream:       hub,
		Gatherer:     registry,
		Logger:       logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(grpcServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := grpcServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := pool.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
		if err := scheduler.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
		return errors.Join(errs...)
	})

	logger.Info("jobdag started",
		zap.String("http_addr", cfg.GetHTTPAddr()),
		zap.String("grpc_addr", cfg.GetGRPCAddr()),
		zap.String("worker_id", scheduler.WorkerID()),
	)

	if err := g.Wait(); err != nil {
		logger.Error("shutdown completed with errors", zap.Error(err))
		return err
	}

	logger.Info("jobdag stopped")
	return nil
}

// eventBus builds the main bus and keeps it for the pool and shutdown
func (c *components) eventBus(cfg *config.Config, group, consumer string, logger *zap.Logger) ports.EventBus {
	c.bus = c.newBus(cfg, group, consumer, logger)
	return c.bus
}

func (c *components) newBus(cfg *config.Config, group, consumer string, logger *zap.Logger) ports.EventBus {
	if cfg.Storage.EventBackend == config.BackendRedis {
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		return eventsredis.NewStreamsEventBus(c.redis, group, consumer, cfg.Redis.StreamMaxLen, logger)
	}
	return eventsmemory.NewInMemoryEventBus()
}

// close releases adapters after the servers and scheduler have stopped
func (c *components) close(logger *zap.Logger) {
	if c.streamBus != nil {
		if err := c.streamBus.Close(); err != nil {
			logger.Warn("failed to close stream bus", zap.Error(err))
		}
	}
	if c.bus != nil {
		if err := c.bus.Close(); err != nil {
			logger.Warn("failed to close event bus", zap.Error(err))
		}
	}
	if c.sink != nil {
		if err := c.sink.Close(); err != nil {
			logger.Warn("failed to close sink", zap.Error(err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if c.etcd != nil {
		if err := c.etcd.Close(); err != nil {
			logger.Warn("failed to close etcd client", zap.Error(err))
		}
	}
}

// initLogger initializes the zap logger
func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	zapConfig.EncoderConfig.TimeKey = "timestamp"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapConfig.Build()
}
