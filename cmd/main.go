/**
 * @description
 * This is the main entry point for the claim-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the Redis rate limiter, message brokers, repositories, the core application service,
 * the outbox dispatcher, the reminder scheduler, and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client backing the claim rate limiter.
 * - internal/api, internal/app, internal/config, internal/domain, internal/store: Internal packages for the service.
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

	"github.com/giftbubble/claim-service/internal/api"
	"github.com/giftbubble/claim-service/internal/app"
	"github.com/giftbubble/claim-service/internal/config"
	"github.com/giftbubble/claim-service/internal/domain"
	"github.com/giftbubble/claim-service/internal/store"
	rmrabbit "github.com/giftbubble/claim-service/pkg/rabbitmq"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; internal endpoints are unauthenticated\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting claim-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Pool sizing matches the other services that share this database.
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

	// Redis backs the claim-creation rate limiter. The service runs without it,
	// so a missing or unreachable Redis only disables the limiter.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; claim rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; claim rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; claim rate limiting disabled\" err=%v", pingErr)
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
	claimService := app.NewService(repository, cfg.EventExchange)
	if redisClient != nil {
		claimService.SetClaimRateLimiter(
			app.NewRedisClaimRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.ClaimRateLimitPerMinute,
		)
	}

	// Start the outbox dispatcher. Events are written to the outbox in the same
	// transaction as the claim change; the dispatcher relays them to RabbitMQ.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	dispatcher := app.NewOutboxDispatcher(repository, cfg.RabbitMQURL)
	go dispatcher.Run(dispatcherCtx)

	// Wire up the lifecycle consumer: removed items and departed members release
	// their open claims.
	lifecycleConsumer := app.NewLifecycleConsumer(claimService)

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	lifecycleBindings := map[string]func([]byte) bool{
		domain.EventItemRemoved:   lifecycleConsumer.HandleItemRemoved,
		domain.EventMemberRemoved: lifecycleConsumer.HandleMemberRemoved,
	}

	if err := rabbitConsumer.ConsumeWithBindings(cfg.EventExchange, cfg.LifecycleEventQueue, lifecycleBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"lifecycle consumer start failed\" err=%v", err)
	}

	// Start the purchase-reminder scheduler.
	claimScheduler := app.NewScheduler(
		claimService,
		cfg.ClaimReminderCron,
		time.Duration(cfg.ClaimReminderAfterDays)*24*time.Hour,
	)
	claimScheduler.Start()

	// Initialize the API handlers.
	claimHandlers := api.NewClaimHandlers(claimService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/claims", api.ClaimRoutes(claimHandlers, cfg.ClerkJWKSURL, cfg.InternalAPIKey, cfg.CORSOrigins))

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

	cancelDispatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	// Wait for any in-flight reminder sweep before exiting.
	<-claimScheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
