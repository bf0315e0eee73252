package entitystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// BackendRedis 让多个网关进程共享同一份实体缓存（last-writer-wins）。
const BackendRedis = "redis"

// sweepScript 原子地取出 score <= cutoff 的成员并同时从哈希与有序集合中删除。
//
// KEYS[1]: 条目哈希
// KEYS[2]: 写入时间有序集合
// ARGV[1]: cutoff（毫秒，包含）
var sweepScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
    redis.call('HDEL', KEYS[1], id)
    redis.call('ZREM', KEYS[2], id)
end
return #expired
`)

// redisStore 使用哈希 <prefix>:pokemon 保存条目，<prefix>:pokemon:by_timestamp 作为时间索引。
type redisStore struct {
	client *redis.Client
	prefix string
	opts   options
}

// NewRedisStore 基于已有客户端构建共享后端，Close 会关闭该客户端。
func NewRedisStore(client *redis.Client, prefix string, opts ...Option) Store {
	if prefix == "" {
		prefix = "pokedex"
	}
	return &redisStore{client: client, prefix: prefix, opts: buildOptions(opts)}
}

func (s *redisStore) entriesKey() string {
	return s.prefix + ":" + bucketEntries
}

func (s *redisStore) indexKey() string {
	return s.prefix + ":" + bucketEntries + ":by_timestamp"
}

func (s *redisStore) schemaKey() string {
	return s.prefix + ":" + keySchema
}

func (s *redisStore) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping %s: %w", ErrStorageUnavailable, s.client.Options().Addr, err)
	}
	current, err := s.client.Get(ctx, s.schemaKey()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: read schema: %w", ErrStorageUnavailable, err)
	}
	if current >= SchemaVersion {
		return nil
	}
	if err := s.rebuildIndex(ctx); err != nil {
		return fmt.Errorf("%w: upgrade schema: %w", ErrStorageUnavailable, err)
	}
	return s.client.Set(ctx, s.schemaKey(), SchemaVersion, 0).Err()
}

// rebuildIndex 在时间索引缺失时从哈希重新生成。
func (s *redisStore) rebuildIndex(ctx context.Context) error {
	indexed, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil || indexed > 0 {
		return err
	}
	all, err := s.client.HGetAll(ctx, s.entriesKey()).Result()
	if err != nil {
		return err
	}
	members := make([]redis.Z, 0, len(all))
	for id, raw := range all {
		var rec record
		if json.Unmarshal([]byte(raw), &rec) != nil {
			continue
		}
		members = append(members, redis.Z{Score: float64(rec.Timestamp), Member: id})
	}
	if len(members) == 0 {
		return nil
	}
	return s.client.ZAdd(ctx, s.indexKey(), members...).Err()
}

func (s *redisStore) Put(ctx context.Context, key Key, payload json.RawMessage) error {
	if !key.Valid() {
		return writeError(key, ErrInvalidKey)
	}
	raw, ts, err := s.opts.newRecord(key, payload)
	if err != nil {
		return writeError(key, err)
	}
	id := key.String()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entriesKey(), id, raw)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(ts), Member: id})
		return nil
	})
	if err != nil {
		return writeError(key, err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	if !key.Valid() {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidKey, key.kind)
	}
	raw, err := s.client.HGet(ctx, s.entriesKey(), key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if !s.opts.fresh(rec.writtenAt()) {
		return nil, false, nil
	}
	return rec.Data, true, nil
}

func (s *redisStore) PutBatch(ctx context.Context, items []Item) error {
	return putBatch(ctx, s, items)
}

func (s *redisStore) GetBatch(ctx context.Context, keys []Key) ([]Lookup, error) {
	return getBatch(ctx, s, keys)
}

func (s *redisStore) Delete(ctx context.Context, key Key) error {
	id := key.String()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.entriesKey(), id)
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	return err
}

func (s *redisStore) SweepExpired(ctx context.Context) (int, error) {
	cutoff := strconv.FormatInt(s.opts.cutoff(), 10)
	deleted, err := sweepScript.Run(ctx, s.client, []string{s.entriesKey(), s.indexKey()}, cutoff).Int()
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	return deleted, nil
}

func (s *redisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.entriesKey(), s.indexKey()).Err()
}

func (s *redisStore) Stats(ctx context.Context) (Stats, error) {
	count, err := s.client.HLen(ctx, s.entriesKey()).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Count:     int(count),
		TTL:       s.opts.ttl,
		TTLMillis: s.opts.ttl.Milliseconds(),
		Backend:   BackendRedis,
		Name:      s.prefix,
		Partition: s.entriesKey(),
	}, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
