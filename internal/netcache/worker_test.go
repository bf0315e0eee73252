package netcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pokedex-swift/pokedex-swift/internal/cache"
	"github.com/pokedex-swift/pokedex-swift/internal/config"
	"github.com/pokedex-swift/pokedex-swift/internal/policy"
)

const (
	testStatic  = "pokedex-swift-v1"
	testRuntime = "pokedex-runtime-v1"
)

// upstream 是可编程的上游桩，记录每个路径的请求次数。
type upstream struct {
	server *httptest.Server

	mu     sync.Mutex
	bodies map[string]string
	status map[string]int
	hits   map[string]int
	gate   chan struct{}
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		bodies: make(map[string]string),
		status: make(map[string]int),
		hits:   make(map[string]int),
	}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits[r.URL.Path]++
		body, ok := u.bodies[r.URL.Path]
		status := u.status[r.URL.Path]
		gate := u.gate
		u.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) set(path, body string) {
	u.mu.Lock()
	u.bodies[path] = body
	u.mu.Unlock()
}

func (u *upstream) setStatus(path string, status int) {
	u.mu.Lock()
	u.status[path] = status
	u.mu.Unlock()
}

func (u *upstream) count(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

func (u *upstream) url(path string) string {
	return u.server.URL + path
}

// testRules 为三个桩服务器分别绑定策略，它们的 host:port 互不相同。
func testRules(t *testing.T, api, sprites, app *upstream) []Rule {
	t.Helper()
	origins := []config.OriginConfig{
		{Name: "pokeapi", Upstream: api.server.URL, Policy: "stale-while-revalidate"},
		{Name: "sprites", Upstream: sprites.server.URL, Policy: "cache-first", PathContains: "PokeAPI/sprites"},
		{Name: "app", Upstream: app.server.URL, Policy: "app"},
	}
	rules, err := RulesFromConfig(origins)
	require.NoError(t, err)
	return rules
}

type fixture struct {
	store   cache.Store
	api     *upstream
	sprites *upstream
	app     *upstream
	opts    Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		store:   store,
		api:     newUpstream(t),
		sprites: newUpstream(t),
		app:     newUpstream(t),
	}
	appURL, err := url.Parse(f.app.server.URL)
	require.NoError(t, err)
	f.opts = Options{
		StaticName:   testStatic,
		RuntimeName:  testRuntime,
		Store:        store,
		Rules:        testRules(t, f.api, f.sprites, f.app),
		AppOrigin:    appURL,
		StaticAssets: []string{"/", "/index.html", "/missing.js"},
	}
	return f
}

func (f *fixture) activeWorker(t *testing.T) *Worker {
	t.Helper()
	worker, err := NewWorker(f.opts)
	require.NoError(t, err)
	require.NoError(t, worker.Install(context.Background()))
	_, err = worker.Activate(context.Background())
	require.NoError(t, err)
	t.Cleanup(worker.Wait)
	return worker
}

func get(t *testing.T, rt http.RoundTripper, rawURL string) (string, *http.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body), resp
}

func TestInstallSwallowsAssetFailures(t *testing.T) {
	f := newFixture(t)
	f.app.set("/", "<html>root</html>")
	f.app.set("/index.html", "<html>index</html>")

	worker, err := NewWorker(f.opts)
	require.NoError(t, err)
	require.Equal(t, StateUninstalled, worker.State())
	require.NoError(t, worker.Install(context.Background()))
	assert.Equal(t, StateInstalled, worker.State())

	count, err := f.store.Count(context.Background(), testStatic)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "the missing asset is skipped")
	assert.Equal(t, 1, f.app.count("/missing.js"))

	err = worker.Install(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestActivatePurgesOutdatedGenerationsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"pokedex-swift-v0", "legacy-cache", testRuntime} {
		require.NoError(t, f.store.EnsureGeneration(ctx, name))
	}

	worker, err := NewWorker(f.opts)
	require.NoError(t, err)
	_, err = worker.Activate(ctx)
	require.ErrorIs(t, err, ErrInvalidTransition, "activation requires installation")

	require.NoError(t, worker.Install(ctx))
	deleted, err := worker.Activate(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pokedex-swift-v0", "legacy-cache"}, deleted)
	assert.Equal(t, StateActive, worker.State())

	deleted, err = worker.Activate(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)

	names, err := f.store.Generations(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{testStatic, testRuntime}, names)
}

func TestStaleWhileRevalidate(t *testing.T) {
	f := newFixture(t)
	worker := f.activeWorker(t)
	target := f.api.url("/api/v2/pokemon/25")

	f.api.set("/api/v2/pokemon/25", `{"name":"pikachu","rev":1}`)
	body, resp := get(t, worker, target)
	assert.Equal(t, `{"name":"pikachu","rev":1}`, body)
	assert.Equal(t, CacheMiss, resp.Header.Get(CacheStatusHeader))

	f.api.set("/api/v2/pokemon/25", `{"name":"pikachu","rev":2}`)
	gate := make(chan struct{})
	f.api.mu.Lock()
	f.api.gate = gate
	f.api.mu.Unlock()

	body, resp = get(t, worker, target)
	assert.Equal(t, `{"name":"pikachu","rev":1}`, body, "cached copy answers while refresh is in flight")
	assert.Equal(t, CacheHit, resp.Header.Get(CacheStatusHeader))

	close(gate)
	worker.Wait()

	body, _ = get(t, worker, target)
	assert.Equal(t, `{"name":"pikachu","rev":2}`, body)
}

func TestStaleWhileRevalidateKeepsCacheOnFailure(t *testing.T) {
	f := newFixture(t)
	worker := f.activeWorker(t)
	target := f.api.url("/api/v2/pokemon/1")

	f.api.set("/api/v2/pokemon/1", `{"name":"bulbasaur"}`)
	get(t, worker, target)

	f.api.setStatus("/api/v2/pokemon/1", http.StatusInternalServerError)
	body, _ := get(t, worker, target)
	worker.Wait()
	assert.Equal(t, `{"name":"bulbasaur"}`, body)

	f.api.server.Close()
	body, resp := get(t, worker, target)
	worker.Wait()
	assert.Equal(t, `{"name":"bulbasaur"}`, body)
	assert.Equal(t, CacheHit, resp.Header.Get(CacheStatusHeader))
}

func TestSpritesAreNeverRevalidated(t *testing.T) {
	f := newFixture(t)
	worker := f.activeWorker(t)
	path := "/PokeAPI/sprites/master/sprites/pokemon/25.png"
	target := f.sprites.url(path)

	f.sprites.set(path, "png-v1")
	body, _ := get(t, worker, target)
	assert.Equal(t, "png-v1", body)

	f.sprites.set(path, "png-v2")
	for i := 0; i < 3; i++ {
		body, resp := get(t, worker, target)
		assert.Equal(t, "png-v1", body)
		assert.Equal(t, CacheHit, resp.Header.Get(CacheStatusHeader))
	}
	worker.Wait()
	assert.Equal(t, 1, f.sprites.count(path))
}

func TestSpriteHostWithoutMarkerPassesThrough(t *testing.T) {
	f := newFixture(t)
	worker := f.activeWorker(t)
	f.sprites.set("/other/file.txt", "plain")

	_, resp := get(t, worker, f.sprites.url("/other/file.txt"))
	assert.Equal(t, CacheBypass, resp.Header.Get(CacheStatusHeader))
	get(t, worker, f.sprites.url("/other/file.txt"))
	assert.Equal(t, 2, f.sprites.count("/other/file.txt"))
}

func TestAppOriginServesStaticThenRuntime(t *testing.T) {
	f := newFixture(t)
	f.app.set("/index.html", "<html>index</html>")
	worker := f.activeWorker(t)

	body, resp := get(t, worker, f.app.url("/index.html"))
	assert.Equal(t, "<html>index</html>", body)
	assert.Equal(t, CacheHit, resp.Header.Get(CacheStatusHeader))
	assert.Equal(t, 1, f.app.count("/index.html"), "served from the static generation")

	f.app.set("/assets/app.js", "console.log(1)")
	get(t, worker, f.app.url("/assets/app.js"))
	get(t, worker, f.app.url("/assets/app.js"))
	assert.Equal(t, 1, f.app.count("/assets/app.js"))

	count, err := f.store.Count(context.Background(), testRuntime)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, resp = get(t, worker, f.app.url("/nope.js"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "non-200 responses are returned but not stored")
	get(t, worker, f.app.url("/nope.js"))
	assert.Equal(t, 2, f.app.count("/nope.js"))
}

func TestNonGetAndUnknownOriginPassThrough(t *testing.T) {
	f := newFixture(t)
	worker := f.activeWorker(t)
	other := newUpstream(t)
	other.set("/x", "live")

	get(t, worker, other.url("/x"))
	get(t, worker, other.url("/x"))
	assert.Equal(t, 2, other.count("/x"))

	f.api.set("/api/v2/pokemon/4", `{}`)
	req, err := http.NewRequest(http.MethodPost, f.api.url("/api/v2/pokemon/4"), nil)
	require.NoError(t, err)
	resp, err := worker.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, CacheBypass, resp.Header.Get(CacheStatusHeader))

	count, err := f.store.Count(context.Background(), testRuntime)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNetworkFailureWithoutCache(t *testing.T) {
	f := newFixture(t)
	worker := f.activeWorker(t)
	target := f.api.url("/api/v2/pokemon/150")
	f.api.server.Close()

	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	_, err = worker.RoundTrip(req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetworkFetchFailed))
}

func TestConcurrentRevalidationsCollapse(t *testing.T) {
	f := newFixture(t)
	worker := f.activeWorker(t)
	path := "/api/v2/pokemon/7"
	f.api.set(path, `{"name":"squirtle"}`)
	get(t, worker, f.api.url(path))

	gate := make(chan struct{})
	f.api.mu.Lock()
	f.api.gate = gate
	f.api.mu.Unlock()

	var served atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, f.api.url(path), nil)
			resp, err := worker.RoundTrip(req)
			if err == nil {
				resp.Body.Close()
				served.Add(1)
			}
		}()
	}
	wg.Wait()
	close(gate)
	worker.Wait()

	assert.Equal(t, int32(5), served.Load())
	assert.Equal(t, 2, f.api.count(path), "one initial fetch plus a single shared refresh")
}

func TestAbandonedBodyIsNotStored(t *testing.T) {
	f := newFixture(t)
	worker := f.activeWorker(t)
	sprite := "/PokeAPI/sprites/pokemon/1.png"
	f.sprites.set(sprite, strings.Repeat("x", 64<<10))

	req, err := http.NewRequest(http.MethodGet, f.sprites.url(sprite), nil)
	require.NoError(t, err)
	resp, err := worker.RoundTrip(req)
	require.NoError(t, err)
	buf := make([]byte, 16)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	count, err := f.store.Count(context.Background(), testRuntime)
	require.NoError(t, err)
	assert.Zero(t, count, "partial body must not become a cache entry")

	body, resp := get(t, worker, f.sprites.url(sprite))
	assert.Len(t, body, 64<<10)
	assert.Equal(t, CacheMiss, resp.Header.Get(CacheStatusHeader))

	count, err = f.store.Count(context.Background(), testRuntime)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "entry is committed once the body is read and closed")

	body, resp = get(t, worker, f.sprites.url(sprite))
	assert.Len(t, body, 64<<10)
	assert.Equal(t, CacheHit, resp.Header.Get(CacheStatusHeader))
	assert.Equal(t, 2, f.sprites.count(sprite))
}

func TestRevalidateFlagDrivesBackgroundRefresh(t *testing.T) {
	f := newFixture(t)
	origin, err := url.Parse(f.api.server.URL)
	require.NoError(t, err)

	cases := []struct {
		name       string
		profile    policy.Profile
		wantExtras int
	}{
		{
			name:       "cache-first with refresh",
			profile:    policy.Profile{Key: "custom", Strategy: policy.StrategyCacheFirst, Revalidate: true, Store: true},
			wantExtras: 1,
		},
		{
			name:       "stale-while-revalidate without refresh",
			profile:    policy.Profile{Key: "custom", Strategy: policy.StrategyStaleWhileRevalidate, Store: true},
			wantExtras: 0,
		},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := f.opts
			opts.StaticAssets = nil
			opts.Rules = []Rule{{Name: "api", Origin: origin, Profile: tc.profile}}
			worker := newActive(t, opts)

			path := fmt.Sprintf("/api/v2/pokemon/%d", 100+i)
			f.api.set(path, `{}`)
			get(t, worker, f.api.url(path))
			_, resp := get(t, worker, f.api.url(path))
			assert.Equal(t, CacheHit, resp.Header.Get(CacheStatusHeader))
			worker.Wait()

			assert.Equal(t, 1+tc.wantExtras, f.api.count(path))
		})
	}
}

func newActive(t *testing.T, opts Options) *Worker {
	t.Helper()
	worker, err := NewWorker(opts)
	require.NoError(t, err)
	require.NoError(t, worker.Install(context.Background()))
	_, err = worker.Activate(context.Background())
	require.NoError(t, err)
	t.Cleanup(worker.Wait)
	return worker
}
