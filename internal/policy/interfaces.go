package policy

// Strategy 描述命中/未命中时缓存与网络的组合方式。
type Strategy string

const (
	StrategyStaleWhileRevalidate      Strategy = "stale-while-revalidate"
	StrategyCacheFirst                Strategy = "cache-first"
	StrategyCacheFirstNetworkFallback Strategy = "cache-first-network-fallback"
	StrategyNetworkOnly               Strategy = "network-only"
)

// Profile 记录一个策略的静态信息，供路由、配置校验和诊断端使用。
type Profile struct {
	Key         string
	Description string
	// Strategy 用于诊断展示与 Caches 判定；命中后的具体行为由下面的开关决定。
	Strategy Strategy
	// Precedence 越小越先评估，对应 API → 精灵图 → 本站 → 其它 的判定顺序。
	Precedence int
	// Revalidate 表示命中缓存后是否在后台发起实时请求刷新副本。
	Revalidate bool
	// LookupAll 表示查找时是否遍历所有 generation（静态 + runtime）。
	LookupAll bool
	// Store 表示实时 200 响应是否写回 runtime generation。
	Store bool
}

// Caches 返回当前策略是否会读写缓存。
func (p Profile) Caches() bool {
	return p.Strategy != StrategyNetworkOnly && p.Strategy != ""
}
