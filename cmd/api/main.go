package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brightlist/media-pipeline/internal/breaker"
	"github.com/brightlist/media-pipeline/internal/config"
	httpserver "github.com/brightlist/media-pipeline/internal/http"
	"github.com/brightlist/media-pipeline/internal/http/handlers"
	"github.com/brightlist/media-pipeline/internal/provider"
	"github.com/brightlist/media-pipeline/internal/queue"
	"github.com/brightlist/media-pipeline/internal/repository"
	"github.com/brightlist/media-pipeline/internal/service"
	"github.com/brightlist/media-pipeline/internal/storage"
	"github.com/brightlist/media-pipeline/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[media-pipeline] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	retryQueue, queueCloser := setupRetryQueue(ctx, cfg, logger)
	defer queueCloser()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		RecoveryTimeout:  time.Duration(cfg.BreakerRecoverySeconds) * time.Second,
		RequestTimeout:   time.Duration(cfg.BreakerRequestTimeoutMS) * time.Millisecond,
		TrackTimeouts:    cfg.BreakerTrackTimeouts,
	}, logger)
	breakers.Configure(service.DependencyHDRProvider, breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		RecoveryTimeout:  time.Duration(cfg.BreakerRecoverySeconds) * time.Second,
		RequestTimeout:   cfg.ProviderTimeout(),
		TrackTimeouts:    cfg.BreakerTrackTimeouts,
	})
	breakers.Configure(service.DependencyMediaStorage, breaker.Config{
		FailureThreshold: cfg.StorageFailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.StorageRecoverySeconds) * time.Second,
	})

	providerClient := provider.NewHTTPClient(provider.HTTPClientConfig{
		APIKey:  cfg.ProviderAPIKey,
		BaseURL: cfg.ProviderBaseURL,
	})

	callbackService := service.NewCallbackService(service.CallbackDependencies{
		Store:   store,
		Retries: retryQueue.producer,
		Secret:  cfg.WebhookSecret,
		Logger:  logger,
	})
	submissionService := service.NewSubmissionService(service.SubmissionDependencies{
		Store:        store,
		Signer:       setupSigner(cfg, logger),
		Provider:     providerClient,
		Breakers:     breakers,
		Callbacks:    callbackService,
		CallbackURL:  cfg.CallbackURL,
		SignedURLTTL: time.Duration(cfg.SignedURLTTLMins) * time.Minute,
		Logger:       logger,
	})

	api := handlers.NewAPI(submissionService, callbackService, breakers, logger)
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if cfg.RetryWorkerEnabled {
		processor := worker.NewRetryProcessor(
			retryQueue.consumer,
			submissionService,
			time.Duration(cfg.RetryDelayMS)*time.Millisecond,
			logger,
		)
		go processor.Start(ctx)
		logger.Printf("retry worker enabled and started")
	} else {
		logger.Printf("retry worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func setupStore(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.JobStore, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory store")
		return repository.NewMemoryJobStore(), func() {}
	}

	pgStore, err := repository.NewPostgresJobStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to initialize postgres store, fallback to memory: %v", err)
		return repository.NewMemoryJobStore(), func() {}
	}
	logger.Printf("postgres store initialized")
	return pgStore, func() {
		pgStore.Close()
	}
}

type retryQueueHandles struct {
	producer queue.Producer
	consumer queue.Consumer
}

func setupRetryQueue(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (retryQueueHandles, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local retry queue fallback")
		local := queue.NewLocalQueue(512, 3, logger)
		return retryQueueHandles{producer: local, consumer: local}, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: 3,
	})
	if err != nil {
		logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
		local := queue.NewLocalQueue(512, 3, logger)
		return retryQueueHandles{producer: local, consumer: local}, func() {}
	}

	logger.Printf("redis streams retry queue initialized")
	return retryQueueHandles{producer: streams, consumer: streams}, func() {
		_ = streams.Close()
	}
}

func setupSigner(cfg config.Config, logger *log.Logger) storage.Signer {
	if cfg.StorageURL == "" {
		logger.Printf("STORAGE_URL not configured, using static signer fallback")
		return storage.StaticSigner{}
	}
	return storage.NewSupabaseSigner(storage.SupabaseSignerConfig{
		URL:    cfg.StorageURL,
		APIKey: cfg.StorageAPIKey,
		Bucket: cfg.StorageBucket,
	})
}
