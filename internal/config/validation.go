package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/pokedex-swift/pokedex-swift/internal/policy"
)

// 实体缓存后端。
const (
	EntityBackendBolt  = "bolt"
	EntityBackendRedis = "redis"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if err := validateGenerationName(g.CachePrefix); err != nil {
		return newFieldError("Global.CachePrefix", err.Error())
	}
	if err := validateGenerationName(g.CacheVersion); err != nil {
		return newFieldError("Global.CacheVersion", err.Error())
	}
	if err := validateGenerationName(g.RuntimeCacheName); err != nil {
		return newFieldError("Global.RuntimeCacheName", err.Error())
	}
	if c.StaticCacheName() == g.RuntimeCacheName {
		return newFieldError("Global.RuntimeCacheName", "不能与静态 generation 同名")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.RevalidateTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RevalidateTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	for i, asset := range g.StaticAssets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(fmt.Sprintf("Global.StaticAssets[%d]", i), "必须是以 / 开头的站内路径")
		}
	}

	if err := c.validateEntity(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	return c.validateOrigins()
}

func (c *Config) validateEntity() error {
	e := c.Entity
	switch e.Backend {
	case EntityBackendBolt:
		if strings.TrimSpace(e.Path) == "" {
			return newFieldError("Entity.Path", "bolt 后端需要数据库文件路径")
		}
	case EntityBackendRedis:
		if strings.TrimSpace(e.RedisAddr) == "" {
			return newFieldError("Entity.RedisAddr", "redis 后端需要地址")
		}
		if e.RedisDB < 0 {
			return newFieldError("Entity.RedisDB", "不能为负数")
		}
	default:
		return newFieldError("Entity.Backend", "仅支持 bolt|redis")
	}
	if e.TTL.DurationValue() <= 0 {
		return newFieldError("Entity.TTL", "必须大于 0")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if err := validateUpstream(c.API.BaseURL); err != nil {
		return fmt.Errorf("API.BaseURL: %w", err)
	}
	if c.API.IndexLimit <= 0 {
		return newFieldError("API.IndexLimit", "必须大于 0")
	}
	if c.API.FetchConcurrency <= 0 {
		return newFieldError("API.FetchConcurrency", "必须大于 0")
	}
	return nil
}

func (c *Config) validateOrigins() error {
	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	appCount := 0
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if origin.Domain != "" {
			if err := validateDomain(origin.Domain); err != nil {
				return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
			}
			domain := strings.ToLower(origin.Domain)
			if _, exists := seenDomains[domain]; exists {
				return newFieldError(originField(origin.Name, "Domain"), "重复")
			}
			seenDomains[domain] = struct{}{}
		}

		if origin.Policy == "" {
			return newFieldError(originField(origin.Name, "Policy"), "不能为空")
		}
		if _, ok := policy.Resolve(origin.Policy); !ok {
			return newFieldError(originField(origin.Name, "Policy"), "仅支持 "+strings.Join(policy.Keys(), "|"))
		}
		if origin.Policy == policy.KeyApp {
			appCount++
		}

		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
	}
	if appCount != 1 {
		return newFieldError("Origin[].Policy", "必须且只能有一个 app 来源")
	}
	return nil
}

func validateGenerationName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(name, `/\ `) || strings.HasPrefix(name, ".") {
		return errors.New("只能包含可作为目录名的字符")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
