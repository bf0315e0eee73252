package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pokedex-swift/pokedex-swift/internal/entitystore"
	"github.com/pokedex-swift/pokedex-swift/internal/logging"
)

const (
	// maxBodyBytes 限制单个上游文档的大小。
	maxBodyBytes = 8 << 20
	// DefaultFetchTimeout 是合并请求的默认超时。
	DefaultFetchTimeout = 30 * time.Second
)

// Summary 是索引列表中的一项。
type Summary struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ID 从详情链接（.../pokemon/<id>/）中解析 id。
func (s Summary) ID() (int, bool) {
	parsed, err := url.Parse(s.URL)
	if err != nil {
		return 0, false
	}
	id, err := strconv.Atoi(path.Base(strings.TrimSuffix(parsed.Path, "/")))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type listResponse struct {
	Results []Summary `json:"results"`
}

// UpstreamStatusError 表示上游返回了非 200 状态。
type UpstreamStatusError struct {
	URL        string
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}

// Options 描述 Coordinator 的依赖。
type Options struct {
	// Store 为 nil 时进入降级模式：每次都访问网络且不写回。
	Store entitystore.Store
	// Client 的 Transport 通常是网络缓存层的 Registration。
	Client           *http.Client
	BaseURL          string
	IndexLimit       int
	FetchConcurrency int
	// FetchTimeout 约束合并后的单次上游请求，默认 DefaultFetchTimeout。
	FetchTimeout time.Duration
	Logger       *logrus.Logger
}

// Coordinator 组合实体缓存与网络读取。
type Coordinator struct {
	store        entitystore.Store
	client       *http.Client
	base         *url.URL
	indexLimit   int
	concurrency  int
	fetchTimeout time.Duration
	logger       *logrus.Logger
	backend      string

	flight singleflight.Group
}

// New 构建 Coordinator。
func New(opts Options) (*Coordinator, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.IndexLimit <= 0 {
		opts.IndexLimit = 25
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 8
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	backend := "none"
	if opts.Store != nil {
		backend = "persisted"
	}
	return &Coordinator{
		store:        opts.Store,
		client:       opts.Client,
		base:         base,
		indexLimit:   opts.IndexLimit,
		concurrency:  opts.FetchConcurrency,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		backend:      backend,
	}, nil
}

// Degraded 报告是否处于无持久化的降级模式。
func (c *Coordinator) Degraded() bool {
	return c.store == nil
}

// Index 返回完整的 Pokémon 索引列表。
func (c *Coordinator) Index(ctx context.Context) ([]Summary, error) {
	key := entitystore.ListKey()
	if payload, ok := c.read(ctx, key); ok {
		var summaries []Summary
		if err := json.Unmarshal(payload, &summaries); err == nil {
			return summaries, nil
		}
		c.logger.WithFields(logging.EntityFields("entity_get", c.backend, key.String())).
			Warn("cached index is not decodable, refetching")
	}

	payload, err := c.load(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		raw, err := c.fetch(ctx, "pokemon?limit="+strconv.Itoa(c.indexLimit))
		if err != nil {
			return nil, err
		}
		var list listResponse
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode index: %w", err)
		}
		if list.Results == nil {
			list.Results = []Summary{}
		}
		return json.Marshal(list.Results)
	})
	if err != nil {
		return nil, err
	}
	var summaries []Summary
	if err := json.Unmarshal(payload, &summaries); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	return summaries, nil
}

// Pokemon 返回单个 Pokémon 的详情文档。
func (c *Coordinator) Pokemon(ctx context.Context, id int) (json.RawMessage, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: pokemon id %d", entitystore.ErrInvalidKey, id)
	}
	key := entitystore.EntityKey(id)
	if payload, ok := c.read(ctx, key); ok {
		return payload, nil
	}
	return c.load(ctx, key, c.detailLoader(id))
}

// Batch 按输入顺序返回多个详情，仅对未命中的 id 并发访问网络，成功结果批量写回。
func (c *Coordinator) Batch(ctx context.Context, ids []int) ([]json.RawMessage, error) {
	keys := make([]entitystore.Key, len(ids))
	for i, id := range ids {
		if id <= 0 {
			return nil, fmt.Errorf("%w: pokemon id %d", entitystore.ErrInvalidKey, id)
		}
		keys[i] = entitystore.EntityKey(id)
	}

	results := make([]json.RawMessage, len(ids))
	var missing []int
	lookups := c.readBatch(ctx, keys)
	for i := range ids {
		if lookups != nil && lookups[i].Found {
			results[i] = lookups[i].Payload
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return results, nil
	}

	fetched := make([]entitystore.Item, len(missing))
	// 不使用 errgroup.WithContext：某个 id 失败不应取消仍在进行、可能被其它请求共享的抓取。
	var group errgroup.Group
	group.SetLimit(c.concurrency)
	for slot, idx := range missing {
		id := ids[idx]
		group.Go(func() error {
			payload, err := c.shared(ctx, keys[idx], c.detailLoader(id))
			if err != nil {
				return err
			}
			results[idx] = payload
			fetched[slot] = entitystore.Item{Key: keys[idx], Payload: payload}
			return nil
		})
	}
	err := group.Wait()
	// 已成功取回的条目无论整体成败都写回。
	c.writeBatch(ctx, compactItems(fetched))
	if err != nil {
		return nil, err
	}
	return results, nil
}

func compactItems(items []entitystore.Item) []entitystore.Item {
	out := items[:0:0]
	for _, item := range items {
		if item.Payload != nil {
			out = append(out, item)
		}
	}
	return out
}

// Page 先取索引，再按 offset/limit 截取并批量取详情。
func (c *Coordinator) Page(ctx context.Context, offset, limit int) ([]json.RawMessage, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("invalid page offset=%d limit=%d", offset, limit)
	}
	index, err := c.Index(ctx)
	if err != nil {
		return nil, err
	}
	if offset >= len(index) {
		return []json.RawMessage{}, nil
	}
	end := min(offset+limit, len(index))
	ids := make([]int, 0, end-offset)
	for _, summary := range index[offset:end] {
		id, ok := summary.ID()
		if !ok {
			return nil, fmt.Errorf("index entry %q has no id in %q", summary.Name, summary.URL)
		}
		ids = append(ids, id)
	}
	return c.Batch(ctx, ids)
}

// Invalidate 删除单个实体缓存键；降级模式下直接返回。
func (c *Coordinator) Invalidate(ctx context.Context, key entitystore.Key) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	c.logger.WithFields(logging.EntityFields("entity_invalidate", c.backend, key.String())).Info("entity invalidated")
	return nil
}

func (c *Coordinator) detailLoader(id int) func(context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		return c.fetch(ctx, "pokemon/"+strconv.Itoa(id))
	}
}

// load 合并同一键的并发未命中，成功后写回实体缓存。
func (c *Coordinator) load(ctx context.Context, key entitystore.Key, loader func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	payload, err := c.shared(ctx, key, loader)
	if err != nil {
		return nil, err
	}
	c.write(ctx, key, payload)
	return payload, nil
}

// shared 以键为单位合并进行中的网络请求。
// 合并后的请求运行在脱离调用方取消信号的 context 上，仅受 fetchTimeout 约束；
// 每个调用方只在自己的 ctx 结束时提前返回，不会拿到其它调用方的取消错误。
func (c *Coordinator) shared(ctx context.Context, key entitystore.Key, loader func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	ch := c.flight.DoChan(key.String(), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return loader(flightCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}

func (c *Coordinator) read(ctx context.Context, key entitystore.Key) (json.RawMessage, bool) {
	if c.store == nil {
		return nil, false
	}
	payload, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.WithFields(logging.EntityFields("entity_get", c.backend, key.String())).
			WithError(err).Warn("entity read failed, treating as miss")
		return nil, false
	}
	return payload, ok
}

func (c *Coordinator) readBatch(ctx context.Context, keys []entitystore.Key) []entitystore.Lookup {
	if c.store == nil {
		return nil
	}
	lookups, err := c.store.GetBatch(ctx, keys)
	if err != nil {
		c.logger.WithFields(logging.EntityFields("entity_get_batch", c.backend, "")).
			WithError(err).Warn("entity batch read failed, treating as misses")
		return nil
	}
	return lookups
}

func (c *Coordinator) write(ctx context.Context, key entitystore.Key, payload json.RawMessage) {
	if c.store == nil {
		return
	}
	if err := c.store.Put(ctx, key, payload); err != nil {
		c.logger.WithFields(logging.EntityFields("entity_put", c.backend, key.String())).
			WithError(err).Warn("entity write failed")
	}
}

func (c *Coordinator) writeBatch(ctx context.Context, items []entitystore.Item) {
	if c.store == nil || len(items) == 0 {
		return
	}
	err := c.store.PutBatch(ctx, items)
	if err == nil {
		return
	}
	fields := logging.EntityFields("entity_put_batch", c.backend, "")
	var batchErr *entitystore.BatchWriteError
	if errors.As(err, &batchErr) {
		failed := make([]string, 0, len(batchErr.Failed))
		for _, key := range batchErr.Keys() {
			failed = append(failed, key.String())
		}
		fields["failed_keys"] = failed
	}
	c.logger.WithFields(fields).WithError(err).Warn("entity batch write failed")
}

// fetch 通过注入的 http.Client（网络缓存层）读取上游 JSON 文档。
func (c *Coordinator) fetch(ctx context.Context, ref string) (json.RawMessage, error) {
	target, err := c.base.Parse(ref)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamStatusError{URL: target.String(), StatusCode: resp.StatusCode}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("upstream %s returned invalid json", target)
	}
	return json.RawMessage(raw), nil
}
