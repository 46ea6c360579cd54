package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/lmittmann/tint"

	"ddf_sync/internal/api"
	"ddf_sync/internal/config"
	"ddf_sync/internal/lock"
	"ddf_sync/internal/media"
	"ddf_sync/internal/publisher"
	"ddf_sync/internal/rets"
	"ddf_sync/internal/scheduler"
	"ddf_sync/internal/service"
	"ddf_sync/internal/storage/objectstore"
	"ddf_sync/internal/storage/postgres"
	"ddf_sync/internal/taskqueue"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := setupLogger("info", "json")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("syncer stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("connected to database")

	rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		QueueName:  cfg.RabbitMQ.QueueName,
	}, logger)
	if err != nil {
		return err
	}
	defer rabbitMQ.Close()

	locker, closeLocker, err := newLocker(ctx, cfg.Lock, db)
	if err != nil {
		return err
	}
	defer closeLocker()

	backend, err := newBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	listingStore := postgres.NewListingStore(db)
	lookupStore := postgres.NewLookupStore(db)
	photoStore := postgres.NewPhotoStore(db)
	syncStateStore := postgres.NewSyncStateStore(db)
	txManager := postgres.NewTransactionManager(db)

	fetcher := media.NewFetcher(backend, photoStore, media.Config{
		Resource:       cfg.Sync.Resource,
		ObjectType:     cfg.Media.ObjectType,
		BatchSize:      cfg.Media.BatchSize,
		MaxRetries:     cfg.Media.Retry.MaxRetries,
		InitialBackoff: cfg.Media.Retry.InitialBackoff,
		MaxBackoff:     cfg.Media.Retry.MaxBackoff,
	}, logger)

	// Each run gets its own session; the login cookie is not shared.
	newFeed := func() (service.Feed, error) {
		session, err := rets.NewSession(rets.Config{
			LoginURL:  cfg.Feed.LoginURL,
			Username:  cfg.Feed.Username,
			Password:  cfg.Feed.Password,
			UserAgent: cfg.Feed.UserAgent,
			Version:   cfg.Feed.Version,
			Timeout:   cfg.Feed.Timeout,
			RateLimit: cfg.Feed.RateLimit,
			RateBurst: cfg.Feed.RateBurst,
		}, logger)
		if err != nil {
			return nil, err
		}
		return rets.NewClient(session, logger), nil
	}

	syncService := service.NewSyncService(
		newFeed,
		listingStore,
		lookupStore,
		syncStateStore,
		txManager,
		locker,
		fetcher,
		rabbitMQ,
		logger,
		cfg.Sync,
	)

	queue := taskqueue.New(cfg.Workers, logger)
	sched := scheduler.NewScheduler(syncService, queue, cfg.Sync.Interval, cfg.Sync.FullInterval, logger)
	server := api.NewServer(cfg.Server.Addr, api.NewSyncHandlers(sched, queue, logger), logger)

	logger.Info("starting ddf syncer",
		"sync", cfg.Sync.Name,
		"interval", cfg.Sync.Interval,
		"full_interval", cfg.Sync.FullInterval,
		"workers", cfg.Workers,
		"lock_backend", cfg.Lock.Backend,
		"storage_backend", cfg.Storage.Backend,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = queue.Run(ctx)
	}()

	go func() {
		errCh <- sched.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if stopErr := server.Stop(shutdownCtx); stopErr != nil {
		logger.Error("failed to stop operator API", "error", stopErr)
	}

	select {
	case <-queueDone:
	case <-shutdownCtx.Done():
		logger.Warn("task queue did not drain before shutdown timeout")
	}

	return err
}

func newLocker(ctx context.Context, cfg config.LockConfig, db *sqlx.DB) (lock.Locker, func(), error) {
	switch cfg.Backend {
	case "memory":
		return lock.NewMemory(), func() {}, nil
	case "redis":
		l, err := lock.DialRedis(ctx, cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	default:
		return postgres.NewRowLocker(db), func() {}, nil
	}
}

func newBackend(ctx context.Context, cfg config.StorageConfig) (media.Backend, error) {
	if cfg.Backend == "minio" {
		return objectstore.NewMinio(ctx, objectstore.MinioConfig{
			Endpoint:      cfg.Minio.Endpoint,
			AccessKey:     cfg.Minio.AccessKey,
			SecretKey:     cfg.Minio.SecretKey,
			Bucket:        cfg.Minio.Bucket,
			PublicBaseURL: cfg.Minio.PublicBaseURL,
		})
	}
	return objectstore.NewLocal(cfg.Local.Root, cfg.Local.BaseURL)
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	if format == "console" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.Kitchen,
		}))
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
