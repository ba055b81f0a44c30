package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeliveryGuard remembers messages that were fully processed so repeated
// deliveries can be acknowledged without calling downstream services. It is
// an optimisation; the downstream idempotency keys stay authoritative.
type DeliveryGuard interface {
	Seen(ctx context.Context, queue, key string) (bool, error)
	Mark(ctx context.Context, queue, key string) error
}

// NoopDeliveryGuard never reports a message as seen.
type NoopDeliveryGuard struct{}

func (NoopDeliveryGuard) Seen(ctx context.Context, queue, key string) (bool, error) { return false, nil }
func (NoopDeliveryGuard) Mark(ctx context.Context, queue, key string) error         { return nil }

// RedisDeliveryGuard stores processed markers in Redis with a TTL.
type RedisDeliveryGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDeliveryGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeliveryGuard {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "card_issuance:delivery"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeliveryGuard{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (g *RedisDeliveryGuard) key(queue, key string) string {
	return fmt.Sprintf("%s:%s:%s", g.prefix, queue, key)
}

func (g *RedisDeliveryGuard) Seen(ctx context.Context, queue, key string) (bool, error) {
	if g == nil || g.client == nil {
		return false, nil
	}
	n, err := g.client.Exists(ctx, g.key(queue, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

func (g *RedisDeliveryGuard) Mark(ctx context.Context, queue, key string) error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.SetNX(ctx, g.key(queue, key), time.Now().UTC().Format(time.RFC3339), g.ttl).Err()
}
