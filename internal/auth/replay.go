package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ReplayGuard records initData signatures so each payload can be consumed at
// most once inside its freshness window.
type ReplayGuard interface {
	// Consume returns false if hash was already consumed.
	Consume(ctx context.Context, hash string) (bool, error)
	// Release forgets a consumed hash so the same payload can be retried
	// after a login that failed past the replay check.
	Release(ctx context.Context, hash string) error
}

// NopReplayGuard accepts every payload. Freshness is then enforced only by
// the auth_date window.
type NopReplayGuard struct{}

func (NopReplayGuard) Consume(context.Context, string) (bool, error) { return true, nil }

func (NopReplayGuard) Release(context.Context, string) error { return nil }

// RedisReplayGuard stores consumed hashes with SETNX. The TTL covers the
// whole window in which the validator would still accept the payload, so a
// key never expires while its payload is replayable.
type RedisReplayGuard struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisReplayGuard keeps entries for 2*maxAge: auth_date may lie up to
// maxAge in the past or in the future.
func NewRedisReplayGuard(client *redis.Client, maxAge time.Duration) *RedisReplayGuard {
	return &RedisReplayGuard{
		client: client,
		ttl:    2 * maxAge,
		prefix: "storefront:initdata:",
	}
}

func (g *RedisReplayGuard) Consume(ctx context.Context, hash string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+hash, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("auth: recording initData hash: %w", err)
	}
	return ok, nil
}

func (g *RedisReplayGuard) Release(ctx context.Context, hash string) error {
	if err := g.client.Del(ctx, g.prefix+hash).Err(); err != nil {
		return fmt.Errorf("auth: releasing initData hash: %w", err)
	}
	return nil
}
