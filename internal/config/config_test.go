package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Entity.TTL.DurationValue() != DefaultEntityTTL {
		t.Fatalf("Entity.TTL 应为 7 天，得到 %s", cfg.Entity.TTL.DurationValue())
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if !strings.HasSuffix(cfg.Entity.Path, "pokedex.db") {
		t.Fatalf("bolt 后端应默认落在 StoragePath 下，得到 %s", cfg.Entity.Path)
	}
	if cfg.API.BaseURL != "https://pokeapi.co/api/v2/" {
		t.Fatalf("BaseURL 应补齐结尾斜杠，得到 %s", cfg.API.BaseURL)
	}
	if cfg.StaticCacheName() != "pokedex-swift-v1" {
		t.Fatalf("静态 generation 名称错误: %s", cfg.StaticCacheName())
	}
	if cfg.Global.RuntimeCacheName != "pokedex-runtime-v1" {
		t.Fatalf("runtime generation 名称错误: %s", cfg.Global.RuntimeCacheName)
	}
	if !cfg.Global.SkipWaiting {
		t.Fatalf("SkipWaiting 默认应开启")
	}
	if len(cfg.Global.StaticAssets) != 9 {
		t.Fatalf("StaticAssets 数量错误: %d", len(cfg.Global.StaticAssets))
	}
	app, ok := cfg.AppOrigin()
	if !ok || app.Name != "app" {
		t.Fatalf("应找到 app 来源")
	}
}

func TestValidateRejectsBadOrigin(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestOriginPolicyValidation(t *testing.T) {
	testCases := []struct {
		name      string
		policy    string
		shouldErr bool
	}{
		{"swr ok", "stale-while-revalidate", false},
		{"cache-first ok", "cache-first", false},
		{"network-only ok", "network-only", false},
		{"missing policy", "", true},
		{"unsupported policy", "network-first", true},
		{"second app origin", "app", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Origins[1].Policy = tc.policy
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for policy %q", tc.policy)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for policy %q: %v", tc.policy, err)
			}
		})
	}
}

func TestValidateEntityBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Entity.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("redis 后端缺少地址时应报错")
	}
	cfg.Entity.RedisAddr = "127.0.0.1:6379"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("redis 配置应通过: %v", err)
	}
	cfg.Entity.Backend = "indexeddb"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("未知后端应报错")
	}
}

func TestValidateRejectsClashingGenerations(t *testing.T) {
	cfg := validConfig()
	cfg.Global.RuntimeCacheName = cfg.StaticCacheName()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("静态与 runtime generation 同名应报错")
	}
	cfg = validConfig()
	cfg.Global.CacheVersion = "v1/../x"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("包含路径分隔符的版本号应报错")
	}
}

func TestValidateRejectsRelativeStaticAsset(t *testing.T) {
	cfg := validConfig()
	cfg.Global.StaticAssets = []string{"index.html"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("静态资源必须是站内绝对路径")
	}
}

func TestValidateRejectsDuplicateDomains(t *testing.T) {
	cfg := validConfig()
	cfg.Origins[1].Domain = cfg.Origins[0].Domain
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复 Domain 应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			StoragePath:        "./data",
			CachePrefix:        "pokedex-swift",
			CacheVersion:       "v1",
			RuntimeCacheName:   "pokedex-runtime-v1",
			UpstreamTimeout:    Duration(time.Second),
			RevalidateTimeout:  Duration(time.Second),
			InstallConcurrency: 2,
		},
		Entity: EntityConfig{
			Backend: EntityBackendBolt,
			Path:    "./data/pokedex.db",
			TTL:     Duration(DefaultEntityTTL),
		},
		API: APIConfig{
			BaseURL:          "https://pokeapi.co/api/v2/",
			IndexLimit:       25,
			FetchConcurrency: 4,
		},
		Origins: []OriginConfig{
			{
				Name:     "app",
				Domain:   "pokedex.local",
				Upstream: "http://127.0.0.1:5173",
				Policy:   "app",
			},
			{
				Name:     "pokeapi",
				Domain:   "api.pokedex.local",
				Upstream: "https://pokeapi.co",
				Policy:   "stale-while-revalidate",
			},
		},
	}
}
