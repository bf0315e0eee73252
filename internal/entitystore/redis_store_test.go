package entitystore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// startRedis 启动一次性 redis 容器，没有容器运行时则跳过。
func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container tests skipped in -short mode")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestRedisStoreContract(t *testing.T) {
	addr := startRedis(t)
	counter := 0

	runStoreContract(t, func(t *testing.T, opts ...Option) Store {
		counter++
		client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: 5 * time.Second})
		store := NewRedisStore(client, fmt.Sprintf("test%d", counter), opts...)
		require.NoError(t, store.Init(context.Background()))
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestRedisStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	store := NewRedisStore(client, "offline")
	t.Cleanup(func() { store.Close() })

	err := store.Init(context.Background())
	require.ErrorIs(t, err, ErrStorageUnavailable)
}
