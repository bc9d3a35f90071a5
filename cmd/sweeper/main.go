package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"

	"github.com/adilkhanov/ride-match/internal/adapters/crdb"
	redisadapter "github.com/adilkhanov/ride-match/internal/adapters/redis"
	"github.com/adilkhanov/ride-match/internal/config"
	"github.com/adilkhanov/ride-match/internal/domain"
	"github.com/adilkhanov/ride-match/internal/observability"
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

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	redisCache := redisadapter.NewCache(redisClient)

	sweeper := NewSweeper(repo, redisCache, logger, cfg.SweepAfter)

	go sweeper.Run(ctx, time.Minute)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown sweeper")
}

// Sweeper cancels pending orders nobody claimed before their ride time came
// and went. Cancellation goes through the same pending-state conditional
// write as everything else, so a concurrent claim always beats the sweep.
type Sweeper struct {
	repo       *crdb.Repository
	redis      *redisadapter.Cache
	logger     observability.Logger
	sweepAfter time.Duration
}

func NewSweeper(repo *crdb.Repository, redis *redisadapter.Cache, logger observability.Logger, sweepAfter time.Duration) *Sweeper {
	return &Sweeper{repo: repo, redis: redis, logger: logger, sweepAfter: sweepAfter}
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cutoff := now.Add(-s.sweepAfter)
			stale, err := s.repo.ListStalePending(ctx, cutoff)
			if err != nil {
				s.logger.WithError(err).Error("failed to list stale pending orders")
				continue
			}
			for _, order := range stale {
				if err := s.cancelWithRetry(ctx, order); err != nil {
					s.logger.WithError(err).WithField("order_id", order.ID).Error("failed to cancel stale order after retries")
				}
			}
		}
	}
}

func (s *Sweeper) cancelWithRetry(ctx context.Context, order domain.Order) error {
	const maxRetries = 3
	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.repo.ConditionalUpdateStatus(ctx, order.ID, domain.StatusPending, domain.StatusCancelled, nil)
		if err == nil {
			// Any leftover advisory lock is meaningless for a cancelled order.
			_ = s.redis.ReleaseClaimLock(ctx, order.ID.String())
			s.logger.WithField("order_id", order.ID).Info("cancelled stale pending order")
			return nil
		}
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			// Someone claimed or removed it since the listing; leave it be.
			return nil
		}

		backoff := time.Duration(1<<i) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return errors.Wrapf(err, "failed after %d retries", maxRetries)
}
