// Package dedup guards job ids against being enqueued twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "visualdiff:job:"

// Guard claims job ids in Redis with SETNX and a TTL
type Guard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewGuard creates a guard on an existing client
func NewGuard(client *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{client: client, ttl: ttl}
}

// Claim marks id as taken. It returns false when id was already claimed within the TTL.
func (g *Guard) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := g.client.SetNX(ctx, keyPrefix+id, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim job id %s: %w", id, err)
	}
	return ok, nil
}

// Release frees id so the job can be submitted again
func (g *Guard) Release(ctx context.Context, id string) error {
	if err := g.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to release job id %s: %w", id, err)
	}
	return nil
}

// Ping checks the Redis connection
func (g *Guard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
