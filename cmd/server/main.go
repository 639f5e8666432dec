package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"storybook-server/internal/cache"
	"storybook-server/internal/config"
	"storybook-server/internal/database"
	"storybook-server/internal/gateway"
	"storybook-server/internal/handler"
	"storybook-server/internal/imaging"
	"storybook-server/internal/logger"
	"storybook-server/internal/messaging"
	"storybook-server/internal/middleware"
	"storybook-server/internal/orchestrator"
	"storybook-server/internal/processor"
	"storybook-server/internal/prompt"
	"storybook-server/internal/repository"
	"storybook-server/internal/retry"
	"storybook-server/internal/storage"
	"storybook-server/internal/taskmanager"
	"storybook-server/internal/worker"
)

func main() {
	// .env нужен только для локального запуска
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	zapLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: "json"})
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- PostgreSQL ---
	pool, err := database.NewPgxPool(ctx, cfg.GetDSN(), cfg.DBMaxConns, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	if err := database.RunMigrations(pool, zapLogger); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	// --- RabbitMQ ---
	amqpConn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		zapLogger.Fatal("Failed to connect to rabbitmq", zap.Error(err))
	}
	defer amqpConn.Close()

	publisher, err := messaging.NewRabbitMQPublisher(amqpConn, cfg.TransformTaskQueue, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create task publisher", zap.Error(err))
	}
	defer publisher.Close()

	consumer, err := messaging.NewConsumer(amqpConn, cfg.TransformTaskQueue, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create task consumer", zap.Error(err))
	}
	defer consumer.Close()

	// --- Хранилище изображений ---
	imageStore, err := storage.NewS3ImageStore(ctx, storage.Config{
		Region:        cfg.S3Region,
		Bucket:        cfg.S3Bucket,
		BaseEndpoint:  cfg.S3BaseEndpoint,
		PublicBaseURL: cfg.S3PublicBase,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
	}, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create image store", zap.Error(err))
	}

	// --- Репозитории ---
	storyRepo := repository.NewPgStoryRepository(pool, zapLogger)
	pageRepo := repository.NewPgStoryPageRepository(pool, zapLogger)
	jobRepo := repository.NewPgProcessingJobRepository(pool, zapLogger)
	statusCache := cache.NewRedisStatusCache(redisClient, cfg.CancelFlagTTL, zapLogger)

	// --- Пайплайн ---
	breaker := gateway.NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerRecoveryTimeout, zapLogger)
	aiGateway := gateway.NewOpenAIGateway(gateway.Config{
		APIKey:        cfg.AIAPIKey,
		BaseURL:       cfg.AIBaseURL,
		VisionModel:   cfg.AIVisionModel,
		ImageModel:    cfg.AIImageModel,
		Timeout:       cfg.AITimeout,
		RatePerMinute: cfg.AIRatePerMinute,
	}, breaker, zapLogger)

	// Отдельные бюджеты попыток: вызовы AI-шлюза против остальных шагов
	gatewayExecutor := retry.NewExecutor(cfg.RetrySchedule, cfg.RetryJitterMax, cfg.GatewayMaxAttempts, zapLogger)
	stepExecutor := retry.NewExecutor(cfg.RetrySchedule, cfg.RetryJitterMax, cfg.StepMaxAttempts, zapLogger)
	promptBuilder := prompt.NewBuilder()
	optimizer := imaging.NewOptimizer(cfg.ImageMaxEdge, cfg.ImageSkipBelowSize, cfg.ImageJPEGQuality, zapLogger)

	var strategy processor.PageStrategy
	switch cfg.PipelineStrategy {
	case "generate":
		strategy = processor.NewGenerateStrategy(aiGateway, promptBuilder, gatewayExecutor, zapLogger)
	default:
		strategy = processor.NewEditStrategy(aiGateway, promptBuilder, gatewayExecutor, cfg.DigestFromAnalysis, zapLogger)
	}
	zapLogger.Info("Page strategy selected", zap.String("strategy", strategy.Name()))

	pageProc := processor.NewPageProcessor(strategy, imageStore, optimizer, pageRepo, stepExecutor, zapLogger)
	orch := orchestrator.New(storyRepo, pageProc, statusCache, orchestrator.Config{
		BaseDelay:          cfg.BaseInterPageDelay,
		HealthySuccessRate: cfg.HealthySuccessRate,
		SpeedUpFactor:      cfg.DelaySpeedUpFactor,
		SlowDownFactor:     cfg.DelaySlowDownFactor,
		BatchSize:          cfg.BatchSize,
	}, zapLogger)

	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()
	tracker := taskmanager.NewTracker(zlog)

	// --- Фоновые циклы ---
	workerHandler := worker.NewHandler(storyRepo, orch, cfg.PushGatewayURL, zapLogger)
	go func() {
		if err := consumer.Run(ctx, workerHandler.HandleDelivery); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("Consumer stopped with error", zap.Error(err))
			stop()
		}
	}()
	go worker.NewRecoveryWorker(jobRepo, storyRepo, pageProc, pageRepo, cfg.RecoveryInterval, zapLogger).Run(ctx)
	go worker.NewStaleRunReaper(storyRepo, cfg.StaleRunThreshold, zapLogger).Run(ctx)

	// --- HTTP ---
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.GinZapLogger(zapLogger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-Request-ID")
	router.Use(cors.New(corsConfig))

	// Регистрирует /metrics сам; promauto-метрики пайплайна уходят туда же
	prom := ginprometheus.NewPrometheus("storybook_http")
	prom.Use(router)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	storyHandler := handler.NewStoryHandler(
		storyRepo, pageRepo, jobRepo, publisher, orch, tracker, statusCache,
		handler.Config{
			MaxPagesPerStory:   cfg.MaxPagesPerStory,
			SyncThreshold:      cfg.SyncThreshold,
			MaxRequestBytes:    cfg.MaxRequestBytes,
			TrustedStorageHost: cfg.TrustedStorageHost,
			SyncWaitTimeout:    cfg.SyncWaitTimeout,
		}, zapLogger)

	api := router.Group("/api", middleware.AuthMiddleware(cfg.JWTSecret, zapLogger))
	storyHandler.RegisterRoutes(api)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		zapLogger.Info("HTTP server listening", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	zapLogger.Info("Server stopped")
}
