package idempotency

import (
	"context"
	"time"

	redisadapter "github.com/adilkhanov/ride-match/internal/adapters/redis"
)

// Idempotency replays the stored response for a POST retried with the same
// Idempotency-Key, so a retried claim observes its original outcome instead
// of racing itself.
type Idempotency struct {
	redis *redisadapter.Idempotency
	ttl   time.Duration
}

func NewIdempotency(redis *redisadapter.Idempotency, ttl time.Duration) *Idempotency {
	return &Idempotency{redis: redis, ttl: ttl}
}

type Response struct {
	Status int
	Result []byte
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := i.redis.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	return &Response{Status: rec.Status, Result: rec.Result}, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	if key == "" {
		return nil
	}
	return i.redis.Set(ctx, key, redisadapter.IdempResponse{Status: resp.Status, Result: resp.Result}, i.ttl)
}
