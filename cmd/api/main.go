package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/adilkhanov/ride-match/internal/adapters/crdb"
	mongoadapter "github.com/adilkhanov/ride-match/internal/adapters/mongo"
	"github.com/adilkhanov/ride-match/internal/adapters/rabbit"
	redisadapter "github.com/adilkhanov/ride-match/internal/adapters/redis"
	"github.com/adilkhanov/ride-match/internal/bundling"
	"github.com/adilkhanov/ride-match/internal/claims"
	"github.com/adilkhanov/ride-match/internal/config"
	"github.com/adilkhanov/ride-match/internal/feed"
	httphandler "github.com/adilkhanov/ride-match/internal/http"
	"github.com/adilkhanov/ride-match/internal/idempotency"
	"github.com/adilkhanov/ride-match/internal/observability"
	"github.com/adilkhanov/ride-match/internal/rateLimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownOtel, err := observability.SetupOTel(ctx, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger(cfg.LogLevel)

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database("ridematch")
	profiles := mongoadapter.NewProfileRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	redisCache := redisadapter.NewCache(redisClient)
	redisIdemp := redisadapter.NewIdempotency(redisClient)
	idemp := idempotency.NewIdempotency(redisIdemp, time.Hour)
	rl := rateLimit.NewRateLimiter(redisCache)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer rabbitConn.Close()

	engine := bundling.NewEngine(cfg.BundleWindow)
	arbiter := claims.NewArbiter(repo, profiles, audit, redisCache, logger, cfg.ClaimTimeout)
	feedCtrl := feed.NewController(repo, profiles, engine, logger)

	consumer, err := rabbit.NewConsumer(rabbitConn, "feed.api.q")
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to start consuming: %v", err)
	}
	go feedCtrl.Run(ctx, deliveries, cfg.FeedPoll)

	handlers := httphandler.NewHandlers(cfg, repo, profiles, arbiter, feedCtrl, idemp)
	r := httphandler.SetupRouter(handlers, logger, rl, profiles)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
