/**
 * @description
 * This is the main entry point for the payment-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the gateway registry, message brokers, repositories, the core
 * application service, background workers, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Webhook lock backend.
 * - github.com/robfig/cron/v3: Settlement and sweep schedules.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gateway, pkg/rabbitmq: External rails and the message broker.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/vibestream/payment-service/internal/api"
	"github.com/vibestream/payment-service/internal/app"
	"github.com/vibestream/payment-service/internal/config"
	"github.com/vibestream/payment-service/internal/store"
	"github.com/vibestream/payment-service/pkg/catalogclient"
	"github.com/vibestream/payment-service/pkg/gateway"
	rmrabbit "github.com/vibestream/payment-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	platformAccountID, err := uuid.Parse(strings.TrimSpace(cfg.PlatformAccountID))
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"platform account id must be a uuid\" env=PLATFORM_ACCOUNT_ID err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting payment-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer used by the outbox publisher.
	var rabbitProducer rmrabbit.Publisher
	if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; outbox rows will accumulate\" err=%v", err)
		rabbitProducer = &rmrabbit.EventProducerFallback{}
	} else {
		defer producer.Close()
		rabbitProducer = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the per-payment webhook lock. Without it the service still
	// runs, safe only as a single instance.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook serialization disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook serialization disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook serialization disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Register the three gateway families. Registration order doubles as
	// selection preference for multi-rail currencies.
	registry := gateway.NewRegistry(
		gateway.NewCardGateway(cfg.CardGatewayBaseURL, cfg.CardGatewayAPIKey, cfg.CardGatewayWebhookSecret),
		gateway.NewEthereumGateway(cfg.EthGatewayBaseURL, cfg.EthGatewayAPIKey, cfg.EthGatewayWebhookSecret),
		gateway.NewSolanaGateway(cfg.SolGatewayBaseURL, cfg.SolGatewayAPIKey, cfg.SolGatewayWebhookSecret),
	)

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service and its collaborators.
	scorer := app.NewFraudScorer(
		repository,
		time.Duration(cfg.FraudVelocityWindowMin)*time.Minute,
		cfg.FraudVelocityCeiling,
	)
	paymentService := app.NewService(repository, registry, scorer, app.ServiceConfig{
		FraudBlockThreshold:  cfg.FraudBlockThreshold,
		FraudReviewThreshold: cfg.FraudReviewThreshold,
		PlatformAccountID:    platformAccountID,
		Retry: gateway.RetryPolicy{
			MaxAttempts: cfg.GatewayRetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.GatewayRetryBaseDelayMS) * time.Millisecond,
		},
	})

	// A nil lock degrades to pass-through acquisition for single-instance runs.
	var webhookLock *app.RedisWebhookLock
	if redisClient != nil {
		webhookLock = app.NewRedisWebhookLock(redisClient, cfg.WebhookLockPrefix, 30*time.Second)
	}
	webhookProcessor := app.NewWebhookProcessor(paymentService, repository, webhookLock)

	// Background workers: outbox publisher, settlement cron, timeout sweep.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	outboxPublisher := app.NewOutboxPublisher(
		repository,
		rabbitProducer,
		time.Duration(cfg.OutboxPollIntervalMS)*time.Millisecond,
		cfg.OutboxBatchSize,
	)
	go outboxPublisher.Run(workerCtx)

	settler := app.NewBatchSettler(
		repository,
		paymentService,
		time.Duration(cfg.SettlementHoldHours)*time.Hour,
		cfg.SettlementBatchLimit,
	)
	sweeper := app.NewProcessingSweeper(
		repository,
		paymentService,
		time.Duration(cfg.ProcessingGraceMinutes)*time.Minute,
	)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SettlementCronSpec, func() {
		if _, err := settler.RunOnce(workerCtx); err != nil {
			log.Printf("level=error component=settlement msg=\"settlement run failed\" err=%v", err)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid settlement cron spec\" spec=%q err=%v", cfg.SettlementCronSpec, err)
	}
	if _, err := scheduler.AddFunc("@every 5m", func() {
		if _, err := sweeper.Sweep(workerCtx); err != nil {
			log.Printf("level=error component=sweeper msg=\"sweep failed\" err=%v", err)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"sweep schedule failed\" err=%v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Distribution consumer: payment.completed events fan out to royalties
	// and revenue shares. Catalog terms come from the catalog-service.
	catalog := catalogclient.NewClient(cfg.CatalogServiceURL, cfg.InternalAPIKey)
	engine := app.NewDistributionEngine(repository, paymentService, catalog)
	completedConsumer := app.NewCompletedPaymentConsumer(engine)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; distribution disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]func([]byte) bool{
			"payment.completed": completedConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(rmrabbit.PaymentsExchange, cfg.PaymentEventQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"completed consumer start failed\" err=%v", err)
		}
	}

	// Initialize the API handlers and router.
	paymentHandlers := api.NewPaymentHandlers(paymentService)
	webhookHandlers := api.NewWebhookHandlers(webhookProcessor, registry)

	router := chi.NewRouter()
	router.Mount("/", api.PaymentRoutes(paymentHandlers, webhookHandlers, cfg.JWTSecret, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
