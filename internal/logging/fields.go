package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供来源/策略/缓存状态字段，供网关与网络缓存层日志复用。
func RequestFields(origin, domain, policyKey, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"origin":       origin,
		"domain":       domain,
		"policy":       policyKey,
		"cache_status": cacheStatus,
	}
}

// EntityFields 提供实体缓存操作的公共字段。
func EntityFields(action, backend, key string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"backend": backend,
		"key":     key,
	}
}

// Discard 返回一个丢弃所有输出的 logger，便于测试或未注入 logger 的组件使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
