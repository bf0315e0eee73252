package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// ErrStoreUnavailable 表示当前 worker 未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// GenerationWriter 绑定一个目标 generation，封装“仅缓存 200 响应”的写入规则。
type GenerationWriter struct {
	store      Store
	generation string
	now        func() time.Time
}

// NewGenerationWriter 构造面向单个 generation 的写入器，默认使用 time.Now 作为时钟。
func NewGenerationWriter(store Store, generation string) GenerationWriter {
	return GenerationWriter{
		store:      store,
		generation: generation,
		now:        time.Now,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w GenerationWriter) Enabled() bool {
	return w.store != nil && w.generation != ""
}

// Cacheable 仅接受 HTTP 200。
func (w GenerationWriter) Cacheable(status int) bool {
	return status == http.StatusOK
}

// Put 写入一条响应记录，StoredAt 缺省时取当前时钟。
func (w GenerationWriter) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Entry, error) {
	if !w.Enabled() {
		return nil, ErrStoreUnavailable
	}
	if opts.StoredAt.IsZero() {
		opts.StoredAt = w.now().UTC()
	}
	return w.store.Put(ctx, Locator{Generation: w.generation, Key: key}, body, opts)
}
