package netcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pokedex-swift/pokedex-swift/internal/cache"
	"github.com/pokedex-swift/pokedex-swift/internal/logging"
)

// ErrClosed 表示 Registration 已关闭。
var ErrClosed = errors.New("registration closed")

// RegistrationOptions 描述进程级的网络缓存层。
type RegistrationOptions struct {
	// Worker 是每次部署共享的 Worker 参数，StaticName 由 Register 的 version 覆盖。
	Worker Options
	// SkipWaiting 为 true 时新实例安装后立即激活，不等待控制消息。
	SkipWaiting bool
	// MailboxSize 限制排队中的控制消息数量。
	MailboxSize int
}

// Status 是注册状态的快照，供诊断接口使用。
type Status struct {
	Active   string `json:"active,omitempty"`
	Waiting  string `json:"waiting,omitempty"`
	State    State  `json:"state"`
	Retiring int    `json:"retiring"`
	InFlight int    `json:"inFlight"`
}

type envelope struct {
	msg   Message
	reply chan Reply
}

// Registration 管理一个进程内的全部 Worker，并作为 http.RoundTripper 转交给激活实例。
type Registration struct {
	opts   RegistrationOptions
	store  cache.Store
	logger *logrus.Logger

	mu       sync.Mutex
	active   *Worker
	waiting  *Worker
	inflight map[*Worker]int
	retiring map[*Worker]struct{}
	teardown sync.WaitGroup

	mailbox chan envelope
	// postMu 保证 stopped 置位后不再有消息入队，drain 才能看到全部积压。
	postMu  sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  sync.Once
}

// NewRegistration 创建 Registration 并启动处理控制消息的 goroutine。
func NewRegistration(opts RegistrationOptions) (*Registration, error) {
	if opts.Worker.Store == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if opts.Worker.Transport == nil {
		opts.Worker.Transport = http.DefaultTransport
	}
	if opts.Worker.Logger == nil {
		opts.Worker.Logger = logging.Discard()
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registration{
		opts:     opts,
		store:    opts.Worker.Store,
		logger:   opts.Worker.Logger,
		inflight: make(map[*Worker]int),
		retiring: make(map[*Worker]struct{}),
		mailbox:  make(chan envelope, opts.MailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

func (r *Registration) loop() {
	defer close(r.done)
	for {
		select {
		case env := <-r.mailbox:
			env.reply <- r.handle(r.ctx, env.msg)
			close(env.reply)
		case <-r.ctx.Done():
			r.postMu.Lock()
			r.stopped = true
			r.postMu.Unlock()
			r.drain()
			return
		}
	}
}

// drain 回复关闭前仍在排队的消息，保证每个回复端口都收到一条回复。
func (r *Registration) drain() {
	for {
		select {
		case env := <-r.mailbox:
			env.reply <- Reply{ID: env.msg.ID, Error: ReplyClosed}
			close(env.reply)
		default:
			return
		}
	}
}

// Post 异步投递控制消息，返回的通道恰好收到一条回复后关闭。
func (r *Registration) Post(msg Message) <-chan Reply {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	reply := make(chan Reply, 1)
	r.postMu.RLock()
	defer r.postMu.RUnlock()
	if r.stopped {
		reply <- Reply{ID: msg.ID, Error: ReplyClosed}
		close(reply)
		return reply
	}
	select {
	case r.mailbox <- envelope{msg: msg, reply: reply}:
	case <-r.ctx.Done():
		reply <- Reply{ID: msg.ID, Error: ReplyClosed}
		close(reply)
	}
	return reply
}

// Register 安装 version 对应的新 Worker；没有激活实例或配置了 SkipWaiting 时立即激活，
// 否则进入 waiting，直到收到 SKIP_WAITING。
func (r *Registration) Register(ctx context.Context, version string) (*Worker, error) {
	opts := r.opts.Worker
	opts.StaticName = version
	worker, err := NewWorker(opts)
	if err != nil {
		return nil, err
	}
	if err := worker.Install(ctx); err != nil {
		return nil, fmt.Errorf("install %s: %w", version, err)
	}

	r.mu.Lock()
	immediate := r.active == nil || r.opts.SkipWaiting
	var displaced *Worker
	if !immediate {
		displaced = r.waiting
		r.waiting = worker
	}
	r.mu.Unlock()

	if displaced != nil {
		r.retire(displaced)
	}
	if !immediate {
		r.logger.WithFields(logrus.Fields{"action": "register", "generation": version}).
			Info("new worker waiting for skip-waiting")
		return worker, nil
	}
	if err := r.promote(ctx, worker); err != nil {
		return nil, err
	}
	return worker, nil
}

// SkipWaiting 激活处于 waiting 的实例，没有等待中的实例时什么也不做。
func (r *Registration) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	worker := r.waiting
	r.mu.Unlock()
	if worker == nil {
		return nil
	}
	return r.promote(ctx, worker)
}

// promote 激活实例并替换当前 active，旧实例在最后一个请求释放后被回收。
func (r *Registration) promote(ctx context.Context, worker *Worker) error {
	if _, err := worker.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", worker.Version(), err)
	}
	r.mu.Lock()
	previous := r.active
	r.active = worker
	if r.waiting == worker {
		r.waiting = nil
	}
	r.mu.Unlock()

	if previous != nil && previous != worker {
		r.retire(previous)
	}
	return nil
}

// retire 在没有进行中的请求时立即回收实例，否则标记为待回收。
func (r *Registration) retire(worker *Worker) {
	r.mu.Lock()
	if r.inflight[worker] > 0 {
		r.retiring[worker] = struct{}{}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.startTeardown(worker)
}

func (r *Registration) startTeardown(worker *Worker) {
	r.teardown.Add(1)
	go func() {
		defer r.teardown.Done()
		worker.retire()
	}()
}

// acquire 返回当前激活实例并增加其进行中计数。
func (r *Registration) acquire() (*Worker, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	worker := r.active
	if worker == nil {
		return nil, func() {}
	}
	r.inflight[worker]++
	var once sync.Once
	return worker, func() {
		once.Do(func() { r.release(worker) })
	}
}

func (r *Registration) release(worker *Worker) {
	r.mu.Lock()
	r.inflight[worker]--
	if r.inflight[worker] > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.inflight, worker)
	_, pending := r.retiring[worker]
	delete(r.retiring, worker)
	r.mu.Unlock()
	if pending {
		r.startTeardown(worker)
	}
}

// RoundTrip 将请求交给激活实例；没有激活实例时直接访问网络。
// 请求在响应正文关闭前一直占用该实例。
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	worker, release := r.acquire()
	if worker == nil {
		resp, err := r.opts.Worker.Transport.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNetworkFetchFailed, req.URL, err)
		}
		resp.Header.Set(CacheStatusHeader, CacheBypass)
		return resp, nil
	}
	resp, err := worker.RoundTrip(req)
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type releaseBody struct {
	io.ReadCloser
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}

// Status 返回当前注册状态。
func (r *Registration) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := Status{State: StateUninstalled, Retiring: len(r.retiring)}
	if r.active != nil {
		status.Active = r.active.Version()
		status.State = r.active.State()
	}
	if r.waiting != nil {
		status.Waiting = r.waiting.Version()
		if r.active == nil {
			status.State = r.waiting.State()
		}
	}
	for _, count := range r.inflight {
		status.InFlight += count
	}
	return status
}

// Active 返回当前激活实例，可能为 nil。
func (r *Registration) Active() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Unregister 解除所有实例，之后的请求直接访问网络；generation 保留在磁盘上。
func (r *Registration) Unregister() {
	r.mu.Lock()
	workers := []*Worker{r.active, r.waiting}
	r.active, r.waiting = nil, nil
	r.mu.Unlock()

	for _, worker := range workers {
		if worker != nil {
			r.retire(worker)
		}
	}
	r.logger.WithField("action", "unregister").Info("registration cleared")
}

// Close 停止控制消息处理并等待所有实例的后台任务结束。
func (r *Registration) Close() error {
	r.closed.Do(func() {
		r.cancel()
		<-r.done
		r.Unregister()
		r.mu.Lock()
		for worker := range r.retiring {
			delete(r.retiring, worker)
			r.startTeardown(worker)
		}
		r.mu.Unlock()
		r.teardown.Wait()
	})
	return nil
}
