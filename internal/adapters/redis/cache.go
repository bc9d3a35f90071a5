package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

// SetClaimLock is a fast-path guard taken before the store CAS: losing it
// means the order is almost certainly already spoken for. Correctness does
// not depend on it; the conditional write is the arbiter.
func (c *Cache) SetClaimLock(ctx context.Context, orderID, driverID string, ttl time.Duration) (bool, error) {
	key := "claim:" + orderID
	res := c.client.SetNX(ctx, key, driverID, ttl)
	return res.Val(), res.Err()
}

func (c *Cache) ReleaseClaimLock(ctx context.Context, orderID string) error {
	return c.client.Del(ctx, "claim:"+orderID).Err()
}
