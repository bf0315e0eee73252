package entitystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion 是持久化结构的版本号，升级时一次性重建分区与时间戳索引。
const SchemaVersion = 1

// DefaultTTL 与原实现的 CACHE_DURATION 一致（7 天）。
const DefaultTTL = 7 * 24 * time.Hour

// Store 描述实体缓存的读写契约。所有实现都在读取时判定过期，写入时不做过期处理。
type Store interface {
	// Init 幂等地打开/创建存储与 schema；平台拒绝持久化时返回 ErrStorageUnavailable。
	Init(ctx context.Context) error
	// Put 以当前时间覆盖写入整个条目；失败时返回包装了 ErrStorageWrite 的错误。
	Put(ctx context.Context, key Key, payload json.RawMessage) error
	// Get 仅在条目存在且未过期时返回 payload；过期条目视为未命中且不会被删除。
	Get(ctx context.Context, key Key) (json.RawMessage, bool, error)
	// PutBatch 逐条写入，不回滚已成功的写入；任一失败时返回 *BatchWriteError。
	PutBatch(ctx context.Context, items []Item) error
	// GetBatch 按输入顺序返回每个键的查询结果，各键独立判定。
	GetBatch(ctx context.Context, keys []Key) ([]Lookup, error)
	// Delete 显式失效单个键，不存在时视为成功。
	Delete(ctx context.Context, key Key) error
	// SweepExpired 删除 writtenAt <= now-TTL 的条目并返回删除数量。
	SweepExpired(ctx context.Context) (int, error)
	// Clear 无条件删除所有条目。
	Clear(ctx context.Context) error
	// Stats 返回条目数量与 TTL 等自省信息。
	Stats(ctx context.Context) (Stats, error)
	// Close 释放底层资源。
	Close() error
}

// Item 是批量写入的一项。
type Item struct {
	Key     Key
	Payload json.RawMessage
}

// Lookup 是 GetBatch 的单项结果。
type Lookup struct {
	Key     Key
	Payload json.RawMessage
	Found   bool
}

// Stats 对应原实现 getCacheStats 的返回值。
type Stats struct {
	Count     int           `json:"totalEntries"`
	TTL       time.Duration `json:"-"`
	TTLMillis int64         `json:"cacheAge"`
	Backend   string        `json:"backend"`
	Name      string        `json:"dbName"`
	Partition string        `json:"storeName"`
}

// record 是持久化的条目结构：{id, data, timestamp}。
type record struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func (r record) writtenAt() time.Time {
	return time.UnixMilli(r.Timestamp)
}

var (
	// ErrStorageUnavailable 表示存储无法打开（例如磁盘只读、redis 不可达）。
	ErrStorageUnavailable = errors.New("entity storage unavailable")
	// ErrStorageWrite 表示一次写入失败。
	ErrStorageWrite = errors.New("entity storage write failed")
	// ErrInvalidKey 表示键无法映射为 all_pokemon_list 或 pokemon_<id>。
	ErrInvalidKey = errors.New("invalid entity key")
)

// KeyError 记录批量写入中单个键的失败原因。
type KeyError struct {
	Key Key
	Err error
}

func (e KeyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e KeyError) Unwrap() error {
	return e.Err
}

// BatchWriteError 聚合 PutBatch 中失败的键，已成功的写入保持生效。
type BatchWriteError struct {
	Total  int
	Failed []KeyError
}

func (e *BatchWriteError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, failed := range e.Failed {
		parts[i] = failed.Error()
	}
	return fmt.Sprintf("entity batch write: %d/%d failed (%s)", len(e.Failed), e.Total, strings.Join(parts, "; "))
}

// Unwrap 暴露每个失败键的底层错误，使 errors.Is(err, ErrStorageWrite) 成立。
func (e *BatchWriteError) Unwrap() []error {
	errs := make([]error, len(e.Failed))
	for i, failed := range e.Failed {
		errs[i] = failed
	}
	return errs
}

// Keys 返回失败的键列表。
func (e *BatchWriteError) Keys() []Key {
	keys := make([]Key, len(e.Failed))
	for i, failed := range e.Failed {
		keys[i] = failed.Key
	}
	return keys
}

// Option 调整 Store 的 TTL 与时钟，测试可注入固定时钟。
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL 覆盖默认 TTL，非正值被忽略。
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// fresh 实现 now - writtenAt < TTL 的判定。
func (o options) fresh(writtenAt time.Time) bool {
	return o.now().Sub(writtenAt) < o.ttl
}

// cutoff 返回 SweepExpired 的包含上界（毫秒）。
func (o options) cutoff() int64 {
	return o.now().Add(-o.ttl).UnixMilli()
}

func (o options) newRecord(key Key, payload json.RawMessage) ([]byte, int64, error) {
	ts := o.now().UnixMilli()
	raw, err := json.Marshal(record{ID: key.String(), Data: payload, Timestamp: ts})
	if err != nil {
		return nil, 0, err
	}
	return raw, ts, nil
}

func writeError(key Key, err error) error {
	return fmt.Errorf("%w: put %s: %w", ErrStorageWrite, key, err)
}

// putBatch 是两个后端共用的逐条写入逻辑。
func putBatch(ctx context.Context, s Store, items []Item) error {
	var failed []KeyError
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			failed = append(failed, KeyError{Key: item.Key, Err: writeError(item.Key, err)})
			continue
		}
		if err := s.Put(ctx, item.Key, item.Payload); err != nil {
			failed = append(failed, KeyError{Key: item.Key, Err: err})
		}
	}
	if len(failed) > 0 {
		return &BatchWriteError{Total: len(items), Failed: failed}
	}
	return nil
}

// getBatch 是两个后端共用的逐键读取逻辑。
func getBatch(ctx context.Context, s Store, keys []Key) ([]Lookup, error) {
	results := make([]Lookup, len(keys))
	for i, key := range keys {
		payload, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		results[i] = Lookup{Key: key, Payload: payload, Found: ok}
	}
	return results, nil
}
