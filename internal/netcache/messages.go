package netcache

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// 控制通道消息类型。
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
	MessageGetStats    = "GET_STATS"
)

// Message 是投递到 Registration 的控制消息。
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Reply 经回复端口送回给发送方；GET_STATS 时嵌入统计字段。
type Reply struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	*CacheStats
}

// CacheStats 汇总所有 generation 的条目数量。
type CacheStats struct {
	TotalCaches  int               `json:"totalCaches"`
	Caches       []GenerationStats `json:"caches"`
	TotalEntries int               `json:"totalEntries"`
}

// GenerationStats 是单个 generation 的统计。
type GenerationStats struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// 控制通道错误码。
const (
	ReplyUnknownMessage = "unknown_message"
	ReplyClosed         = "registration_closed"
)

// handle 在 Registration 自身的 goroutine 中执行。
func (r *Registration) handle(ctx context.Context, msg Message) Reply {
	reply := Reply{ID: msg.ID}
	switch msg.Type {
	case MessageSkipWaiting:
		if err := r.SkipWaiting(ctx); err != nil {
			reply.Error = err.Error()
			return reply
		}
		reply.Success = true
	case MessageClearCache:
		if err := r.ClearCaches(ctx); err != nil {
			reply.Error = err.Error()
			return reply
		}
		reply.Success = true
	case MessageGetStats:
		stats, err := r.Stats(ctx)
		if err != nil {
			reply.Error = err.Error()
			return reply
		}
		reply.Success = true
		reply.CacheStats = &stats
	default:
		reply.Error = ReplyUnknownMessage
	}
	return reply
}

// ClearCaches 删除全部 generation。
func (r *Registration) ClearCaches(ctx context.Context) error {
	names, err := r.store.Generations(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	for _, name := range names {
		if err := r.store.DropGeneration(ctx, name); err != nil {
			return fmt.Errorf("drop generation %s: %w", name, err)
		}
	}
	r.logger.WithFields(logrus.Fields{"action": "clear_cache", "deleted": names}).Info("all generations cleared")
	return nil
}

// Stats 对应 GET_STATS：逐个 generation 统计条目数量。
func (r *Registration) Stats(ctx context.Context) (CacheStats, error) {
	names, err := r.store.Generations(ctx)
	if err != nil {
		return CacheStats{}, fmt.Errorf("list generations: %w", err)
	}
	stats := CacheStats{Caches: make([]GenerationStats, 0, len(names))}
	for _, name := range names {
		count, err := r.store.Count(ctx, name)
		if err != nil {
			return CacheStats{}, fmt.Errorf("count generation %s: %w", name, err)
		}
		stats.Caches = append(stats.Caches, GenerationStats{Name: name, Size: count})
		stats.TotalEntries += count
	}
	stats.TotalCaches = len(names)
	return stats, nil
}
