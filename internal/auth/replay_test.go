package auth

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
)

func TestNopReplayGuard_AlwaysAccepts(t *testing.T) {
	var g NopReplayGuard
	for i := 0; i < 3; i++ {
		ok, err := g.Consume(context.Background(), "same-hash")
		assert.NoError(t, err)
		assert.True(t, ok)
	}
	assert.NoError(t, g.Release(context.Background(), "same-hash"))
}

func TestRedisReplayGuard_TTLCoversWindow(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	g := NewRedisReplayGuard(client, 5*time.Minute)

	assert.Equal(t, 10*time.Minute, g.ttl)
}

func TestRedisReplayGuard_ServerDown(t *testing.T) {
	// Port 1 is reserved; the dial fails immediately.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	g := NewRedisReplayGuard(client, time.Minute)
	ok, err := g.Consume(context.Background(), "abc")

	assert.Error(t, err)
	assert.False(t, ok)

	assert.ErrorContains(t, g.Release(context.Background(), "abc"), "releasing initData hash")
}
