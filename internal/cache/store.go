package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Store 负责管理按 generation 划分的响应缓存。磁盘布局遵循：
//
//	<StoragePath>/<Generation>/<sha256[:2]>/<sha256(Key)>
//
// 每个条目由单个文件组成：首行为 JSON 元数据，其后为响应正文。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将上游响应写入指定 generation，并产出新的 Entry 描述。实现需通过临时文件 + rename
	// 保证写入原子性，并在失败时清理临时文件。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除单个条目，不存在时视为成功。
	Remove(ctx context.Context, locator Locator) error

	// EnsureGeneration 创建空的 generation 目录，已存在时不做任何事。
	EnsureGeneration(ctx context.Context, generation string) error

	// Generations 返回当前磁盘上存在的所有 generation 名称（按名称排序）。
	Generations(ctx context.Context) ([]string, error)

	// DropGeneration 删除整个 generation，不存在时视为成功。
	DropGeneration(ctx context.Context, generation string) error

	// Count 返回 generation 内的条目数量。
	Count(ctx context.Context, generation string) (int, error)
}

// PutOptions 描述随正文一起落盘的响应元数据。
type PutOptions struct {
	URL      string
	Method   string
	Status   int
	Header   http.Header
	StoredAt time.Time
}

// Locator 唯一定位一个缓存条目（generation + 请求标识）。
type Locator struct {
	Generation string
	Key        string
}

// RequestKey 生成 “METHOD URL” 形式的请求标识，作为 Locator.Key 使用。
func RequestKey(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + rawURL
}

// Meta 是条目文件首行的 JSON 元数据。
type Meta struct {
	URL      string      `json:"url"`
	Method   string      `json:"method"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Entry 表示一次缓存命中结果，包含文件路径、元数据与正文大小。
type Entry struct {
	Locator   Locator `json:"locator"`
	FilePath  string  `json:"file_path"`
	SizeBytes int64   `json:"size_bytes"`
	Meta      Meta    `json:"meta"`
}

// ReadResult 组合 Entry 与正文 Reader，Reader 已定位在正文起始处。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidGeneration 表示 generation 名称不能映射为安全的目录名。
	ErrInvalidGeneration = errors.New("invalid generation name")
)
