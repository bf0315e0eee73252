package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultEntityTTL 与原实现的 CACHE_DURATION 一致（7 天）。
const DefaultEntityTTL = 7 * 24 * time.Hour

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyEntityDefaults(&cfg.Entity, cfg.Global.StoragePath)
	applyAPIDefaults(&cfg.API)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Entity.Backend == EntityBackendBolt {
		absDB, err := filepath.Abs(cfg.Entity.Path)
		if err != nil {
			return nil, fmt.Errorf("无法解析实体缓存路径: %w", err)
		}
		cfg.Entity.Path = absDB
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CachePrefix", "pokedex-swift")
	v.SetDefault("CacheVersion", "v1")
	v.SetDefault("RuntimeCacheName", "pokedex-runtime-v1")
	v.SetDefault("SkipWaiting", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("RevalidateTimeout", "30s")
	v.SetDefault("InstallConcurrency", 4)
	v.SetDefault("Entity.Backend", EntityBackendBolt)
	v.SetDefault("Entity.TTL", "168h")
	v.SetDefault("Entity.RedisPrefix", "pokedex")
	v.SetDefault("API.BaseURL", "https://pokeapi.co/api/v2/")
	v.SetDefault("API.IndexLimit", 25)
	v.SetDefault("API.FetchConcurrency", 8)
	v.SetDefault("Control.Subject", "pokedex.sw.control")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.CachePrefix) == "" {
		g.CachePrefix = "pokedex-swift"
	}
	if strings.TrimSpace(g.CacheVersion) == "" {
		g.CacheVersion = "v1"
	}
	if strings.TrimSpace(g.RuntimeCacheName) == "" {
		g.RuntimeCacheName = "pokedex-runtime-v1"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.RevalidateTimeout.DurationValue() == 0 {
		g.RevalidateTimeout = Duration(30 * time.Second)
	}
	if g.InstallConcurrency == 0 {
		g.InstallConcurrency = 4
	}
}

func applyEntityDefaults(e *EntityConfig, storagePath string) {
	e.Backend = strings.ToLower(strings.TrimSpace(e.Backend))
	if e.Backend == "" {
		e.Backend = EntityBackendBolt
	}
	if e.TTL.DurationValue() == 0 {
		e.TTL = Duration(DefaultEntityTTL)
	}
	if e.Backend == EntityBackendBolt && strings.TrimSpace(e.Path) == "" && storagePath != "" {
		e.Path = filepath.Join(storagePath, "pokedex.db")
	}
	if strings.TrimSpace(e.RedisPrefix) == "" {
		e.RedisPrefix = "pokedex"
	}
}

func applyAPIDefaults(a *APIConfig) {
	if a.IndexLimit == 0 {
		a.IndexLimit = 25
	}
	if a.FetchConcurrency == 0 {
		a.FetchConcurrency = 8
	}
	if a.BaseURL != "" && !strings.HasSuffix(a.BaseURL, "/") {
		a.BaseURL += "/"
	}
}

func applyOriginDefaults(o *OriginConfig) {
	o.Policy = strings.ToLower(strings.TrimSpace(o.Policy))
	o.Domain = strings.TrimSpace(o.Domain)
	o.Upstream = strings.TrimRight(strings.TrimSpace(o.Upstream), "/")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
