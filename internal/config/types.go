package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pokedex-swift/pokedex-swift/internal/policy"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"168h" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为与网络缓存层的 generation 命名。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	CachePrefix        string   `mapstructure:"CachePrefix"`
	CacheVersion       string   `mapstructure:"CacheVersion"`
	RuntimeCacheName   string   `mapstructure:"RuntimeCacheName"`
	SkipWaiting        bool     `mapstructure:"SkipWaiting"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	RevalidateTimeout  Duration `mapstructure:"RevalidateTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	StaticAssets       []string `mapstructure:"StaticAssets"`
}

// EntityConfig 描述实体缓存（PokedexDB 对应物）的后端与 TTL。
type EntityConfig struct {
	Backend       string   `mapstructure:"Backend"`
	Path          string   `mapstructure:"Path"`
	TTL           Duration `mapstructure:"TTL"`
	RedisAddr     string   `mapstructure:"RedisAddr"`
	RedisDB       int      `mapstructure:"RedisDB"`
	RedisPassword string   `mapstructure:"RedisPassword"`
	RedisPrefix   string   `mapstructure:"RedisPrefix"`
}

// APIConfig 描述上游 Pokémon 数据 API。
type APIConfig struct {
	BaseURL          string `mapstructure:"BaseURL"`
	IndexLimit       int    `mapstructure:"IndexLimit"`
	FetchConcurrency int    `mapstructure:"FetchConcurrency"`
}

// ControlConfig 描述可选的 NATS 控制通道。
type ControlConfig struct {
	NATSURL string `mapstructure:"NATSURL"`
	Subject string `mapstructure:"Subject"`
}

// OriginConfig 决定一个来源如何被网关暴露，以及网络缓存层对它采用哪种策略。
type OriginConfig struct {
	Name         string `mapstructure:"Name"`
	Domain       string `mapstructure:"Domain"`
	Upstream     string `mapstructure:"Upstream"`
	Policy       string `mapstructure:"Policy"`
	PathContains string `mapstructure:"PathContains"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Entity  EntityConfig   `mapstructure:"Entity"`
	API     APIConfig      `mapstructure:"API"`
	Control ControlConfig  `mapstructure:"Control"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// StaticCacheName 返回当前部署的静态资源 generation 名称，例如 pokedex-swift-v1。
func (c *Config) StaticCacheName() string {
	return fmt.Sprintf("%s-%s", c.Global.CachePrefix, c.Global.CacheVersion)
}

// AppOrigin 返回使用 app 策略的来源（本站）。
func (c *Config) AppOrigin() (OriginConfig, bool) {
	for _, origin := range c.Origins {
		if strings.EqualFold(origin.Policy, policy.KeyApp) {
			return origin, true
		}
	}
	return OriginConfig{}, false
}

// OriginPolicies 返回 name:policy 摘要，供日志字段使用。
func OriginPolicies(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.Policy)
	}
	return result
}
