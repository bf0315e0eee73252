package netcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pokedex-swift/pokedex-swift/internal/cache"
	"github.com/pokedex-swift/pokedex-swift/internal/logging"
)

// CacheStatusHeader 标记响应来自缓存（hit）、实时请求（miss）还是直通（bypass）。
const CacheStatusHeader = "X-Pokedex-Cache"

const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
)

var (
	// ErrNetworkFetchFailed 表示实时请求失败且没有可用的缓存副本。
	ErrNetworkFetchFailed = errors.New("network fetch failed")
	// ErrInvalidTransition 表示在错误的生命周期阶段调用了 Install/Activate。
	ErrInvalidTransition = errors.New("invalid worker state transition")
)

// Options 描述一个 Worker 实例所需的依赖与部署参数。
type Options struct {
	// StaticName 是本次部署的静态 generation，例如 pokedex-swift-v1。
	StaticName string
	// RuntimeName 是跨部署保留的 runtime generation。
	RuntimeName string
	Store       cache.Store
	// Transport 负责真正的网络请求，nil 时使用 http.DefaultTransport。
	Transport          http.RoundTripper
	Rules              []Rule
	AppOrigin          *url.URL
	StaticAssets       []string
	InstallConcurrency int
	RevalidateTimeout  time.Duration
	Logger             *logrus.Logger
}

// Worker 是网络缓存层的一次部署，实现 http.RoundTripper。
type Worker struct {
	id      string
	opts    Options
	state   atomic.Int32
	static  cache.GenerationWriter
	runtime cache.GenerationWriter
	logger  *logrus.Entry

	revalidations singleflight.Group
	background    sync.WaitGroup
}

// NewWorker 校验参数并返回处于 uninstalled 状态的 Worker。
func NewWorker(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if opts.StaticName == "" || opts.RuntimeName == "" {
		return nil, errors.New("static and runtime generation names are required")
	}
	if opts.StaticName == opts.RuntimeName {
		return nil, fmt.Errorf("static generation %q collides with runtime generation", opts.StaticName)
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 4
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	rules := append([]Rule(nil), opts.Rules...)
	SortRules(rules)
	opts.Rules = rules

	id := uuid.NewString()
	return &Worker{
		id:      id,
		opts:    opts,
		static:  cache.NewGenerationWriter(opts.Store, opts.StaticName),
		runtime: cache.NewGenerationWriter(opts.Store, opts.RuntimeName),
		logger:  opts.Logger.WithFields(logrus.Fields{"worker": id, "generation": opts.StaticName}),
	}, nil
}

// ID 返回实例标识。
func (w *Worker) ID() string { return w.id }

// Version 返回静态 generation 名称。
func (w *Worker) Version() string { return w.opts.StaticName }

// State 返回当前生命周期阶段。
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) transition(from []State, to State) error {
	for _, candidate := range from {
		if w.state.CompareAndSwap(int32(candidate), int32(to)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State(), to)
}

// Install 预取全部静态资源到静态 generation。单个资源失败只记录告警，不阻塞安装。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition([]State{StateUninstalled}, StateInstalling); err != nil {
		return err
	}
	if err := w.opts.Store.EnsureGeneration(ctx, w.opts.StaticName); err != nil {
		w.state.Store(int32(StateRedundant))
		return fmt.Errorf("open static generation: %w", err)
	}

	started := time.Now()
	var stored atomic.Int32
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.opts.InstallConcurrency)
	for _, asset := range w.opts.StaticAssets {
		group.Go(func() error {
			if err := w.precache(groupCtx, asset); err != nil {
				w.logger.WithFields(logrus.Fields{"action": "install", "asset": asset}).
					WithError(err).Warn("static asset skipped")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = group.Wait()

	w.state.Store(int32(StateInstalled))
	w.logger.WithFields(logrus.Fields{
		"action":     "install",
		"assets":     len(w.opts.StaticAssets),
		"stored":     stored.Load(),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("worker installed")
	return nil
}

// precache 以绕过 HTTP 缓存的方式请求单个静态资源并写入静态 generation。
func (w *Worker) precache(ctx context.Context, asset string) error {
	if w.opts.AppOrigin == nil {
		return errors.New("application origin not configured")
	}
	target := w.opts.AppOrigin.ResolveReference(&url.URL{Path: asset})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := w.opts.Transport.RoundTrip(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !w.static.Cacheable(resp.StatusCode) {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	_, err = w.static.Put(ctx, cache.RequestKey(http.MethodGet, target.String()), resp.Body, putOptions(target.String(), resp))
	return err
}

// Activate 删除除当前静态/runtime 之外的所有 generation，返回被删除的名称。
// 已激活的实例再次调用只会重新执行清理，此时通常不会删除任何内容。
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	if w.State() == StateActive {
		return w.purgeOutdated(ctx)
	}
	if err := w.transition([]State{StateInstalled}, StateActivating); err != nil {
		return nil, err
	}
	deleted, err := w.purgeOutdated(ctx)
	if err != nil {
		w.state.Store(int32(StateInstalled))
		return deleted, err
	}
	w.state.Store(int32(StateActive))
	w.logger.WithFields(logrus.Fields{"action": "activate", "deleted": deleted}).Info("worker activated")
	return deleted, nil
}

func (w *Worker) purgeOutdated(ctx context.Context) ([]string, error) {
	names, err := w.opts.Store.Generations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if name == w.opts.StaticName || name == w.opts.RuntimeName {
			continue
		}
		if err := w.opts.Store.DropGeneration(ctx, name); err != nil {
			return deleted, fmt.Errorf("drop generation %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// Wait 阻塞直到所有后台刷新结束。
func (w *Worker) Wait() {
	w.background.Wait()
}

// retire 等待后台任务完成后将实例标记为 redundant。
func (w *Worker) retire() {
	w.background.Wait()
	w.state.Store(int32(StateRedundant))
	w.logger.WithField("action", "retire").Info("worker redundant")
}

// RoundTrip 按来源策略处理请求：非 GET 与未匹配来源直接透传。
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return w.passthrough(req)
	}
	rule, ok := matchRule(w.opts.Rules, req)
	if !ok || !rule.Profile.Caches() {
		return w.passthrough(req)
	}

	key := cache.RequestKey(http.MethodGet, req.URL.String())
	// LookupAll 决定是否跨 generation 查找，Revalidate 决定命中后是否后台刷新。
	if resp, ok := w.lookup(req, key, rule.Profile.LookupAll); ok {
		if rule.Profile.Revalidate {
			w.revalidate(req, key, rule)
		}
		return resp, nil
	}
	return w.fetchAndStore(req, key, rule)
}

func (w *Worker) passthrough(req *http.Request) (*http.Response, error) {
	resp, err := w.opts.Transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetworkFetchFailed, req.Method, req.URL, err)
	}
	resp.Header.Set(CacheStatusHeader, CacheBypass)
	return resp, nil
}

// lookup 在 runtime（或全部 generation）中查找请求；读取失败按未命中处理。
func (w *Worker) lookup(req *http.Request, key string, all bool) (*http.Response, bool) {
	ctx := req.Context()
	generations := []string{w.opts.RuntimeName}
	if all {
		generations = w.searchOrder(ctx)
	}
	for _, generation := range generations {
		result, err := w.opts.Store.Get(ctx, cache.Locator{Generation: generation, Key: key})
		if err != nil {
			if !errors.Is(err, cache.ErrNotFound) && !errors.Is(err, cache.ErrInvalidGeneration) {
				w.logger.WithFields(logrus.Fields{"action": "lookup", "url": req.URL.String()}).
					WithError(err).Warn("cache read failed")
			}
			continue
		}
		return cachedResponse(req, result), true
	}
	return nil, false
}

// searchOrder 先查静态与 runtime，再查其余仍存在的 generation。
func (w *Worker) searchOrder(ctx context.Context) []string {
	order := []string{w.opts.StaticName, w.opts.RuntimeName}
	names, err := w.opts.Store.Generations(ctx)
	if err != nil {
		return order
	}
	for _, name := range names {
		if name != w.opts.StaticName && name != w.opts.RuntimeName {
			order = append(order, name)
		}
	}
	return order
}

// fetchAndStore 发起实时请求；200 响应在调用方读取正文时同步写入 runtime，其它状态原样返回。
func (w *Worker) fetchAndStore(req *http.Request, key string, rule Rule) (*http.Response, error) {
	resp, err := w.opts.Transport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNetworkFetchFailed, req.URL, err)
	}
	if !rule.Profile.Store || !w.runtime.Cacheable(resp.StatusCode) {
		resp.Header.Set(CacheStatusHeader, CacheMiss)
		return resp, nil
	}
	opts := putOptions(req.URL.String(), resp)
	pr, pw := io.Pipe()
	done := make(chan struct{})
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		defer close(done)
		if _, err := w.runtime.Put(req.Context(), key, pr, opts); err != nil {
			// 调用方提前关闭属于正常情况，不记为写入失败。
			if !errors.Is(err, errBodyIncomplete) {
				w.logger.WithFields(logging.RequestFields(rule.Name, req.URL.Host, rule.Profile.Key, CacheMiss)).
					WithError(err).Warn("runtime cache write failed")
			}
			pr.CloseWithError(err)
		}
	}()
	resp.Body = &teeBody{src: resp.Body, pw: pw, done: done}
	resp.Header.Set(CacheStatusHeader, CacheMiss)
	return resp, nil
}

// revalidate 在脱离请求生命周期的上下文中刷新缓存，同一 URL 的并发刷新会合并。
// 合并登记在返回前完成，因此命中期间到达的请求一定会加入进行中的刷新。
func (w *Worker) revalidate(req *http.Request, key string, rule Rule) {
	w.background.Add(1)
	ch := w.revalidations.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), w.opts.RevalidateTimeout)
		defer cancel()

		fields := logging.RequestFields(rule.Name, req.URL.Host, rule.Profile.Key, CacheHit)
		fields["action"] = "revalidate"
		fields["url"] = req.URL.String()

		resp, err := w.opts.Transport.RoundTrip(req.Clone(ctx))
		if err != nil {
			w.logger.WithFields(fields).WithError(err).Debug("background refresh failed")
			return nil, nil
		}
		defer resp.Body.Close()
		if !w.runtime.Cacheable(resp.StatusCode) {
			fields["upstream_status"] = resp.StatusCode
			w.logger.WithFields(fields).Debug("background refresh skipped")
			return nil, nil
		}
		if _, err := w.runtime.Put(ctx, key, resp.Body, putOptions(req.URL.String(), resp)); err != nil {
			w.logger.WithFields(fields).WithError(err).Warn("background refresh write failed")
		}
		return nil, nil
	})
	go func() {
		defer w.background.Done()
		<-ch
	}()
}

func putOptions(rawURL string, resp *http.Response) cache.PutOptions {
	header := resp.Header.Clone()
	header.Del(CacheStatusHeader)
	header.Del("Set-Cookie")
	return cache.PutOptions{
		URL:    rawURL,
		Method: http.MethodGet,
		Status: resp.StatusCode,
		Header: header,
	}
}
