/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the payout provider client, message brokers, repositories, the core application service,
 * the reconciliation scheduler, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: For the reconciliation schedule.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/momo: Client for the mobile money disbursement API.
 * - pkg/rabbitmq: Client for RabbitMQ.
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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/veltapay/settlement-service/internal/api"
	"github.com/veltapay/settlement-service/internal/app"
	"github.com/veltapay/settlement-service/internal/config"
	"github.com/veltapay/settlement-service/internal/store"
	"github.com/veltapay/settlement-service/pkg/momo"
	rmrabbit "github.com/veltapay/settlement-service/pkg/rabbitmq"
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

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s environment=%s", cfg.ServerPort, cfg.Environment)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios
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

	// Initialize the RabbitMQ producer to publish withdrawal lifecycle events.
	// This service only publishes; notification delivery is another service's job.
	var events rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		events = &rmrabbit.FallbackProducer{}
	} else {
		defer rabbitProducer.Close()
		events = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payout provider client.
	providerClient := momo.NewClient()

	// Redis caches provider sessions across replicas. Missing Redis should not
	// prevent the service from booting; each withdrawal just exchanges a fresh token.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; provider session caching disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; provider session caching disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; provider session caching disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	settlementService := app.NewService(
		repository,
		providerClient,
		events,
		app.FeeTable{
			"business":     cfg.FeeBusinessBps,
			"professional": cfg.FeeProfessionalBps,
			"starter":      cfg.FeeStarterBps,
		},
		app.Config{
			Environment:          cfg.Environment,
			MobileMoneyProvider:  cfg.MobileMoneyProvider,
			BankTransferProvider: cfg.BankTransferProvider,
			StatusPollDelay:      time.Duration(cfg.StatusPollDelaySeconds) * time.Second,
			TokenRetries:         cfg.TokenRetries,
			SubmitRetries:        cfg.SubmitRetries,
			RetryBackoff:         time.Duration(cfg.RetryBackoffMillis) * time.Millisecond,
			EventsExchange:       cfg.WithdrawalEventExchange,
		},
	)
	if redisClient != nil {
		settlementService.SetSessionCache(
			app.NewRedisSessionCache(redisClient, cfg.RedisSessionPrefix),
		)
	}

	reconcileMinAge := time.Duration(cfg.ReconcileMinAgeSeconds) * time.Second

	// Initialize the API handlers.
	withdrawalHandlers := api.NewWithdrawalHandlers(settlementService, reconcileMinAge, cfg.ReconcileBatchLimit)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.WithdrawalRoutes(withdrawalHandlers, cfg.InternalAPIKey))

	// Schedule the reconciler. Each pass settles aged pending withdrawals by
	// re-querying the provider with their idempotency references.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.ReconcileCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := settlementService.ReconcilePendingWithdrawals(ctx, reconcileMinAge, cfg.ReconcileBatchLimit); err != nil {
			log.Printf("level=error component=reconciler msg=\"scheduled pass failed\" err=%v", err)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid reconcile cron expression\" cron=%q err=%v", cfg.ReconcileCron, err)
	}
	scheduler.Start()
	defer scheduler.Stop()
	log.Printf("level=info component=bootstrap msg=\"reconciler scheduled\" cron=%q min_age=%s batch_limit=%d", cfg.ReconcileCron, reconcileMinAge, cfg.ReconcileBatchLimit)

	// Start the HTTP server.
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
