package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pokedex-swift/pokedex-swift/internal/config"
	"github.com/pokedex-swift/pokedex-swift/internal/entitystore"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("POKEDEX_SWIFT_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml", "--sweep"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
	if !opts.sweepOnly {
		t.Fatalf("--sweep 未生效")
	}
}

func TestParseCLIFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseCLIFlags([]string{"--nope"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d: %s", code, stdErrBuffer().String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOutBuffer().String(), "pokedex-swift") {
		t.Fatalf("version 输出应包含 pokedex-swift 标识")
	}
}

func TestRunSweepRemovesExpiredEntities(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "pokedex.db")

	store := entitystore.NewBoltStore(dbPath, entitystore.WithClock(func() time.Time {
		return time.Now().Add(-8 * 24 * time.Hour)
	}))
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := store.Put(ctx, entitystore.EntityKey(25), json.RawMessage(`{"name":"pikachu"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	store.Close()

	configPath := writeConfigFile(t, fmt.Sprintf(`
StoragePath = "%s"

[Entity]
Backend = "bolt"
Path = "%s"
TTL = "168h"

[[Origin]]
Name = "app"
Domain = "pokedex.local"
Upstream = "http://127.0.0.1:5173"
Policy = "app"

[[Origin]]
Name = "pokeapi"
Domain = "api.pokedex.local"
Upstream = "https://pokeapi.co"
Policy = "stale-while-revalidate"
`, filepath.Join(dir, "storage"), dbPath))

	useBufferWriters(t)
	if code := run(cliOptions{configPath: configPath, sweepOnly: true}); code != 0 {
		t.Fatalf("sweep 应成功，得到 %d: %s", code, stdErrBuffer().String())
	}

	reopened, err := entitystore.Open(config.EntityConfig{Backend: "bolt", Path: dbPath, TTL: config.Duration(entitystore.DefaultTTL)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reopened.Close()
	stats, err := reopened.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 0 {
		t.Fatalf("过期实体应被清理，剩余 %d", stats.Count)
	}
}
