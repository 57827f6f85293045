package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/shop-payments/internal/idempotency"
	"github.com/sakashimaa/shop-payments/internal/kafka"
	"github.com/sakashimaa/shop-payments/internal/outbox"
	"github.com/sakashimaa/shop-payments/internal/repository"
	"github.com/sakashimaa/shop-payments/internal/service"
	transport "github.com/sakashimaa/shop-payments/internal/transport/http"
	"github.com/sakashimaa/shop-payments/internal/webhook"
	"github.com/sakashimaa/shop-payments/pkg/config"
	"github.com/sakashimaa/shop-payments/pkg/db"
	"github.com/sakashimaa/shop-payments/pkg/mylogger"
	"github.com/sakashimaa/shop-payments/pkg/utils"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.MustLoad()

	tp, err := utils.InitTracer(ctx, "shop-payments")
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}

	logger, err := config.NewLogger(config.LoggerConfig{
		Level: "info",
		Env:   cfg.Env,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := db.NewPostgresDB(cfg.Postgres.URL)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})

	orderRepo := repository.NewOrderRepository(pool, logger)
	outboxRepo := outbox.NewRepository(pool, logger)
	orderService := service.NewOrderService(pool, logger, orderRepo, outboxRepo)

	claims := idempotency.NewRedisClaimStore(redisClient, cfg.Redis.ClaimTTL, logger)

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		log.Fatalf("error creating kafka producer: %v", err)
	}

	processor := outbox.NewProcessor(pool, outboxRepo, producer, logger, cfg.Outbox.BatchSize, cfg.Outbox.Interval)
	go processor.Start(ctx)

	handlers := &transport.Handlers{
		Webhook: transport.NewWebhookHandler(
			orderService,
			claims,
			webhook.NewStripeVerifier(cfg.Webhooks.StripeSecret, cfg.Webhooks.SignatureSkew),
			webhook.NewPayPalVerifier(cfg.Webhooks.PayPalSecret),
			logger,
			cfg.Webhooks.MaxBodyBytes,
		),
		Order: transport.NewOrderHandler(orderService, logger),
	}

	app := fiber.New(fiber.Config{
		ReadTimeout: cfg.HTTP.Timeout,
		BodyLimit:   cfg.Webhooks.MaxBodyBytes + 1024,
	})
	transport.RegisterRoutes(app, handlers)

	go func() {
		if err := app.Listen(cfg.HTTP.Port); err != nil {
			log.Fatalf("error serving http: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, exit := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer exit()

	mylogger.Info(shutdownCtx, logger, "Shutting down payments server")

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		mylogger.Warn(shutdownCtx, logger, "Failed to shut down http server", zap.Error(err))
	}

	if err := producer.Close(); err != nil {
		mylogger.Warn(shutdownCtx, logger, "Failed to close kafka producer", zap.Error(err))
	}

	if err := redisClient.Close(); err != nil {
		mylogger.Warn(shutdownCtx, logger, "Failed to close redis client", zap.Error(err))
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		mylogger.Warn(shutdownCtx, logger, "Failed to shut down telemetry", zap.Error(err))
	}

	pool.Close()
}
