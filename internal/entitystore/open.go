package entitystore

import (
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pokedex-swift/pokedex-swift/internal/config"
)

// Open 根据配置选择后端并构建 Store；调用方负责 Init 与 Close。
func Open(cfg config.EntityConfig, opts ...Option) (Store, error) {
	opts = append([]Option{WithTTL(cfg.TTL.DurationValue())}, opts...)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendBolt:
		return NewBoltStore(cfg.Path, opts...), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			DB:           cfg.RedisDB,
			Password:     cfg.RedisPassword,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		return NewRedisStore(client, cfg.RedisPrefix, opts...), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrStorageUnavailable, cfg.Backend)
	}
}
