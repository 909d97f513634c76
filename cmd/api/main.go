package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/erpnext-dispatch/internal/app"
	"github.com/iago/erpnext-dispatch/internal/config"
	httpserver "github.com/iago/erpnext-dispatch/internal/http"
	"github.com/iago/erpnext-dispatch/internal/http/handlers"
	"github.com/iago/erpnext-dispatch/internal/logging"
	"github.com/iago/erpnext-dispatch/internal/queue"
	"github.com/iago/erpnext-dispatch/internal/repository"
	"github.com/iago/erpnext-dispatch/internal/service"
	"github.com/iago/erpnext-dispatch/internal/worker"
	"github.com/rs/zerolog"
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	if dotenvErr != nil {
		logger.Warn().Err(dotenvErr).Msg("failed loading .env files")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := app.NewStack(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("dispatch stack")
	}

	repo, repoCloser := setupRepository(ctx, cfg, logger)
	defer repoCloser()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	jobsService := service.NewJobsService(repo, producer, stack.Dispatcher, service.JobsOptions{
		Redactor: stack.Redactor,
		Logger:   logger,
	})
	api := handlers.NewAPI(stack.Dispatcher, jobsService, logger)

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Context:        ctx,
	})

	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(consumer, repo, stack.Dispatcher, worker.Options{
			DispatchTimeout: time.Duration(cfg.JobDispatchTimeMS) * time.Millisecond,
			Logger:          logger,
		})
		go processor.Start(ctx)
		logger.Info().Msg("worker enabled and started")
	} else {
		logger.Info().Msg("worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Reports can take as long as the ERPNext timeout, twice with the fallback.
		WriteTimeout: 2*time.Duration(cfg.ERPNextTimeoutMS)*time.Millisecond + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("api listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func setupRepository(
	ctx context.Context,
	cfg config.Config,
	logger zerolog.Logger,
) (repository.JobsRepository, func()) {
	if cfg.DatabaseURL == "" {
		logger.Info().Msg("DATABASE_URL not configured, using in-memory job repository")
		return repository.NewMemoryJobsRepository(), func() {}
	}

	pgRepo, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn().Err(err).Msg("postgres job repository unavailable, falling back to memory")
		return repository.NewMemoryJobsRepository(), func() {}
	}
	logger.Info().Msg("postgres job repository initialized")
	return pgRepo, pgRepo.Close
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger zerolog.Logger,
) (queue.Producer, queue.Consumer, func()) {
	var (
		baseProducer queue.Producer
		consumer     queue.Consumer
		baseCloser   = func() {}
	)

	local := func() {
		q := queue.NewLocalQueue(512, cfg.JobMaxAttempts, logger)
		baseProducer = q
		consumer = q
	}

	if cfg.RedisAddr == "" {
		logger.Info().Msg("REDIS_ADDR not configured, using local queue")
		local()
	} else {
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Stream:      cfg.RedisStream,
			DLQStream:   cfg.RedisDLQ,
			Group:       cfg.RedisGroup,
			Consumer:    cfg.RedisConsumer,
			MaxAttempts: cfg.JobMaxAttempts,
			Logger:      logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("redis streams queue unavailable, falling back to local queue")
			local()
		} else {
			logger.Info().Str("stream", cfg.RedisStream).Msg("redis streams queue initialized")
			baseProducer = streams
			consumer = streams
			baseCloser = func() {
				_ = streams.Close()
			}
		}
	}

	producer := baseProducer
	batchingCloser := func() {}
	if cfg.QueueBatchingEnabled {
		batching := queue.NewBatchingProducer(ctx, baseProducer, queue.BatchingConfig{
			MaxBatchSize:       cfg.QueueBatchSize,
			FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
			FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
			QueueCapacity:      cfg.QueueBatchQueueCapacity,
			MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
			Logger:             logger,
		})
		producer = batching
		batchingCloser = batching.Close
		logger.Info().
			Int("size", cfg.QueueBatchSize).
			Int("flush_ms", cfg.QueueBatchFlushMS).
			Int("queue_capacity", cfg.QueueBatchQueueCapacity).
			Int("max_in_flight", cfg.QueueBatchMaxInFlight).
			Msg("queue batching enabled")
	}

	return producer, consumer, func() {
		batchingCloser()
		baseCloser()
	}
}
